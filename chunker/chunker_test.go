package chunker

import (
	"strings"
	"testing"

	"github.com/brunobiangulo/nbrag/parser"
)

func textBlock(text string) parser.Block {
	return parser.Block{Type: parser.BlockText, Text: text}
}

func headingBlock(text string) parser.Block {
	return parser.Block{Type: parser.BlockHeading, Text: text}
}

func TestGeneralAttachesPendingHeadingAsSectionHeader(t *testing.T) {
	blocks := []parser.Block{
		headingBlock("Introduction"),
		textBlock("This is the introduction to the document."),
	}
	chunks := New(Settings{Method: General, ChunkSize: 512}).Chunk(blocks)

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].SectionHeader != "Introduction" {
		t.Errorf("SectionHeader = %q, want %q", chunks[0].SectionHeader, "Introduction")
	}
	if chunks[0].Type != Text {
		t.Errorf("Type = %q, want %q", chunks[0].Type, Text)
	}
	if chunks[0].TokenCount <= 0 {
		t.Error("TokenCount should be > 0")
	}
}

func TestGeneralSlicesTextIntoWindowsKeepsTailAtMinSize(t *testing.T) {
	words := make([]string, 25)
	for i := range words {
		words[i] = "word"
	}
	blocks := []parser.Block{textBlock(strings.Join(words, " "))}

	chunks := New(Settings{Method: General, ChunkSize: 10, MinChunkSize: 3}).Chunk(blocks)

	// 25 words at window size 10 -> [0:10, 10:20, 20:25]; the final 5-word
	// window is >= MinChunkSize 3 so it stays its own chunk.
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		total += len(strings.Fields(c.Text))
	}
	if total != 25 {
		t.Errorf("total words across chunks = %d, want 25", total)
	}
}

func TestGeneralMergesUndersizedTailIntoPrevious(t *testing.T) {
	words := make([]string, 12)
	for i := range words {
		words[i] = "word"
	}
	blocks := []parser.Block{textBlock(strings.Join(words, " "))}

	// window size 10 -> [0:10, 10:12]; the 2-word tail is below
	// MinChunkSize 5, so it merges into the first window.
	chunks := New(Settings{Method: General, ChunkSize: 10, MinChunkSize: 5}).Chunk(blocks)
	if len(chunks) != 1 {
		t.Fatalf("expected tail merged into 1 chunk, got %d", len(chunks))
	}
	if got := len(strings.Fields(chunks[0].Text)); got != 12 {
		t.Errorf("merged chunk word count = %d, want 12", got)
	}
}

func TestGeneralDuplicatesTableHeaderAcrossWindows(t *testing.T) {
	table := "Name | Qty\n--- | ---\n" + strings.Repeat("Row | 1\n", 50)
	blocks := []parser.Block{{Type: parser.BlockTable, Text: strings.TrimRight(table, "\n")}}

	chunks := New(Settings{Method: General, ChunkSize: 20}).Chunk(blocks)
	if len(chunks) < 2 {
		t.Fatalf("expected the table split across multiple windows, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !strings.HasPrefix(c.Text, "Name | Qty\n--- | ---") {
			t.Errorf("chunk %d does not start with the duplicated header: %q", i, c.Text)
		}
	}
}

func TestGeneralFillsOverlapMetadata(t *testing.T) {
	words := make([]string, 20)
	for i := range words {
		words[i] = "w"
	}
	blocks := []parser.Block{textBlock(strings.Join(words, " "))}
	chunks := New(Settings{Method: General, ChunkSize: 10, ChunkOverlap: 3, MinChunkSize: 1}).Chunk(blocks)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].PrevTail != "" {
		t.Errorf("first chunk PrevTail should be empty, got %q", chunks[0].PrevTail)
	}
	if chunks[0].NextHead == "" {
		t.Error("first chunk NextHead should be populated from the second chunk")
	}
	if chunks[1].PrevTail == "" {
		t.Error("second chunk PrevTail should be populated from the first chunk")
	}
	if chunks[1].NextHead != "" {
		t.Errorf("last chunk NextHead should be empty, got %q", chunks[1].NextHead)
	}
}

func TestContextEnrichmentBuildsNeighborWindowIntoEmbeddingText(t *testing.T) {
	blocks := []parser.Block{
		textBlock(strings.Repeat("a", 30)),
		textBlock(strings.Repeat("b", 30)),
	}
	chunks := New(Settings{Method: ContextEnrichment, ChunkSize: 512, ContextWindow: 5}).Chunk(blocks)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !strings.HasPrefix(chunks[1].EmbeddingText, strings.Repeat("a", 5)) {
		t.Errorf("second chunk EmbeddingText = %q, want to start with trailing chars of the first chunk", chunks[1].EmbeddingText)
	}
	if chunks[0].Text == chunks[0].EmbeddingText {
		t.Error("EmbeddingText should differ from Text once a neighbor contributes context")
	}
}

func TestHierarchyGroupsContentUnderHeadingBreadcrumb(t *testing.T) {
	blocks := []parser.Block{
		textBlock("1 Scope"),
		textBlock("This section describes the scope."),
		textBlock("1.1 Applicability"),
		textBlock("This subsection describes applicability."),
	}
	chunks := New(Settings{Method: Hierarchy, ChunkSize: 512, DocType: DocTechnicalManual}).Chunk(blocks)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].SectionHeader != "1 Scope" {
		t.Errorf("first chunk SectionHeader = %q, want %q", chunks[0].SectionHeader, "1 Scope")
	}
	if chunks[1].SectionHeader != "1 Scope > 1.1 Applicability" {
		t.Errorf("second chunk SectionHeader = %q, want breadcrumb with both levels", chunks[1].SectionHeader)
	}
}

func TestHierarchyMatchesFullWidthNumbering(t *testing.T) {
	// Width-folded so full-width digits/punctuation from scanned or
	// CJK-adjacent sources still match the ASCII numbered-heading rule.
	level, ok := matchHeading(DocTechnicalManual, "１．２　Scope details")
	if !ok {
		t.Fatal("expected full-width numbered heading to match")
	}
	if level != 2 {
		t.Errorf("level = %d, want 2", level)
	}
}

func TestPCRProducesDocScopedParentIDsAndFullParentText(t *testing.T) {
	blocks := []parser.Block{
		textBlock(strings.Repeat("word ", 100)),
	}
	chunks := New(Settings{Method: PCR, ParentChunkSize: 50, ChildChunkSize: 10}).Chunk(blocks)

	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for _, c := range chunks {
		if !strings.HasPrefix(c.ParentChunkID, "pcr_parent:") {
			t.Errorf("ParentChunkID = %q, want pcr_parent:N prefix (caller doc-scopes it)", c.ParentChunkID)
		}
		if len(strings.Fields(c.EmbeddingText)) > 10 {
			t.Errorf("EmbeddingText word count = %d, want <= 10 (child window)", len(strings.Fields(c.EmbeddingText)))
		}
		if len(strings.Fields(c.Text)) < len(strings.Fields(c.EmbeddingText)) {
			t.Error("parent Text should be at least as long as the child EmbeddingText")
		}
	}
}

func TestSymbolSplitsOnSeparator(t *testing.T) {
	blocks := []parser.Block{
		textBlock("first part"),
		textBlock("second part"),
	}
	chunks := New(Settings{Method: Symbol, SymbolSeparator: "\n\n---\n\n"}).Chunk(blocks)
	// Blocks are joined with "\n\n" before splitting; "\n\n---\n\n" does not
	// occur in the joined text, so a single chunk holds both blocks. This
	// asserts that both block texts survive the split.
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	var all strings.Builder
	for i, c := range chunks {
		if i > 0 {
			all.WriteString(" ")
		}
		all.WriteString(c.Text)
	}
	if !strings.Contains(all.String(), "first part") || !strings.Contains(all.String(), "second part") {
		t.Errorf("expected both blocks' text to survive splitting, got %q", all.String())
	}
}

func TestSymbolDropsEmptySegments(t *testing.T) {
	blocks := []parser.Block{textBlock("a|||||b")}
	chunks := New(Settings{Method: Symbol, SymbolSeparator: "|"}).Chunk(blocks)
	if len(chunks) != 2 {
		t.Fatalf("expected empty segments between repeated separators dropped, got %d chunks", len(chunks))
	}
}

func TestNewAppliesDefaultsForZeroValueSettings(t *testing.T) {
	c := New(Settings{})
	if c.settings.ChunkSize != 512 {
		t.Errorf("default ChunkSize = %d, want 512", c.settings.ChunkSize)
	}
	if c.settings.DocType != DocTechnicalManual {
		t.Errorf("default DocType = %q, want %q", c.settings.DocType, DocTechnicalManual)
	}
}
