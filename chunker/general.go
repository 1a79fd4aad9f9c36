package chunker

import (
	"strings"

	"github.com/brunobiangulo/nbrag/parser"
)

// runGeneral is the linear-scan strategy every other strategy but Symbol
// and PCR builds from. A heading is buffered and recorded as the
// SectionHeader of every following non-heading block until the next
// heading; the heading text is not added to any chunk's text. Text blocks are sliced into
// chunk_size windows (merging an undersized tail into the previous window);
// table blocks are sliced row-wise with the header row pair duplicated into
// every produced chunk.
func runGeneral(blocks []parser.Block, s Settings) []Chunk {
	var chunks []Chunk
	pendingHeading := ""

	for _, b := range blocks {
		if b.Type == parser.BlockHeading {
			pendingHeading = b.Text
			continue
		}

		page := blockPage(b)

		switch b.Type {
		case parser.BlockTable:
			for _, window := range sliceTableWindows(b.Text, s.ChunkSize) {
				chunks = append(chunks, Chunk{
					Type:          Table,
					PageNumber:    page,
					SectionHeader: pendingHeading,
					Text:          window,
					TokenCount:    estimateTokens(window),
				})
			}
		case parser.BlockFormula:
			chunks = append(chunks, Chunk{
				Type:          Formula,
				PageNumber:    page,
				SectionHeader: pendingHeading,
				Text:          b.Text,
				TokenCount:    estimateTokens(b.Text),
			})
		default:
			for _, window := range sliceTextWindows(b.Text, s.ChunkSize, s.MinChunkSize) {
				chunks = append(chunks, Chunk{
					Type:          Text,
					PageNumber:    page,
					SectionHeader: pendingHeading,
					Text:          window,
					TokenCount:    estimateTokens(window),
				})
			}
		}
	}

	fillOverlapMetadata(chunks, s.ChunkOverlap)
	return chunks
}

func blockPage(b parser.Block) *int {
	if b.PageNumber <= 0 {
		return nil
	}
	p := b.PageNumber
	return &p
}

// sliceTextWindows splits text into word-count windows of chunkSize.
// Slicing always operates on whitespace tokens, independent of whatever
// token counter estimateTokens uses for display/metadata purposes. If the
// final window falls short of minChunkSize and a previous window exists,
// it is merged into that previous window rather than left undersized.
func sliceTextWindows(text string, chunkSize, minChunkSize int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		return []string{text}
	}

	var windows [][]string
	for i := 0; i < len(words); i += chunkSize {
		end := i + chunkSize
		if end > len(words) {
			end = len(words)
		}
		windows = append(windows, words[i:end])
	}

	if len(windows) > 1 {
		last := windows[len(windows)-1]
		if len(last) < minChunkSize {
			prev := windows[len(windows)-2]
			merged := append(append([]string{}, prev...), last...)
			windows = windows[:len(windows)-2]
			windows = append(windows, merged)
		}
	}

	out := make([]string, 0, len(windows))
	for _, w := range windows {
		out = append(out, strings.Join(w, " "))
	}
	return out
}

// sliceTableWindows groups table rows into chunkSize-token windows,
// duplicating the first two lines (header + separator row) into every
// produced chunk so each is self-contained.
func sliceTableWindows(tableText string, chunkSize int) []string {
	lines := strings.Split(tableText, "\n")
	if len(lines) <= 2 {
		return []string{tableText}
	}

	header := lines[:2]
	body := lines[2:]

	var windows []string
	var current []string
	currentTokens := 0
	headerTokens := estimateTokens(strings.Join(header, "\n"))

	flush := func() {
		if len(current) == 0 {
			return
		}
		full := append(append([]string{}, header...), current...)
		windows = append(windows, strings.Join(full, "\n"))
		current = nil
		currentTokens = 0
	}

	for _, row := range body {
		rowTokens := estimateTokens(row)
		if chunkSize > 0 && currentTokens+rowTokens+headerTokens > chunkSize && len(current) > 0 {
			flush()
		}
		current = append(current, row)
		currentTokens += rowTokens
	}
	flush()

	if len(windows) == 0 {
		return []string{tableText}
	}
	return windows
}

// fillOverlapMetadata records, for each chunk, the trailing chunk_overlap
// tokens' worth of the predecessor's text and the leading chunk_overlap
// tokens' worth of the successor's text. Chunks are not physically
// duplicated; this is metadata only.
func fillOverlapMetadata(chunks []Chunk, overlap int) {
	for i := range chunks {
		if i > 0 {
			chunks[i].PrevTail = trailingWords(chunks[i-1].Text, overlap)
		}
		if i < len(chunks)-1 {
			chunks[i].NextHead = leadingWords(chunks[i+1].Text, overlap)
		}
	}
}

func trailingWords(text string, n int) string {
	words := strings.Fields(text)
	if n <= 0 || len(words) == 0 {
		return ""
	}
	if n > len(words) {
		n = len(words)
	}
	return strings.Join(words[len(words)-n:], " ")
}

func leadingWords(text string, n int) string {
	words := strings.Fields(text)
	if n <= 0 || len(words) == 0 {
		return ""
	}
	if n > len(words) {
		n = len(words)
	}
	return strings.Join(words[:n], " ")
}
