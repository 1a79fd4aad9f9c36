package chunker

import (
	"regexp"
	"strings"

	"golang.org/x/text/width"

	"github.com/brunobiangulo/nbrag/parser"
)

// headingRule matches a heading line and reports its nesting level. The
// numbered-section rules below are adapted from the numbering-depth logic
// this repo used for generic structural heading detection and legal clause
// numbering ("1", "1.2", "1.2.3" -> level 1, 2, 3); the GOST and API rule
// sets extend the same depth convention to their own title conventions.
type headingRule struct {
	pattern *regexp.Regexp
	level   func(match []string) int
}

func numberedLevel(match []string) int {
	return strings.Count(match[1], ".") + 1
}

var markdownHeadingRule = headingRule{
	pattern: regexp.MustCompile(`^(#{1,6})\s+(.+)$`),
	level:   func(match []string) int { return len(match[1]) },
}

var docTypeRules = map[DocType][]headingRule{
	DocMarkdown: {markdownHeadingRule},

	DocTechnicalManual: {
		{pattern: regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+\S`), level: numberedLevel},
		{pattern: regexp.MustCompile(`(?i)^(appendix|annex)\s+([A-Z0-9]+)`), level: func(match []string) int { return 1 }},
	},

	DocGOST: {
		{pattern: regexp.MustCompile(`^(\d+(?:\.\d+)*)\s+[A-ZА-Я]`), level: numberedLevel},
		{pattern: regexp.MustCompile(`(?i)^(приложение|appendix)\s+\S`), level: func(match []string) int { return 1 }},
	},

	DocAPIDocs: {
		markdownHeadingRule,
		{pattern: regexp.MustCompile(`(?i)^(GET|POST|PUT|PATCH|DELETE)\s+/\S*`), level: func(match []string) int { return 2 }},
	},
}

// matchHeading tests text against a doc type's rule set, returning the
// matched level and true on the first rule that matches. Text is
// width-folded first so full-width digits and punctuation from scanned
// or CJK-adjacent sources ("１．２" style numbering) match the same
// ASCII rule sets as their narrow-width equivalents.
func matchHeading(docType DocType, text string) (int, bool) {
	folded := width.Fold.String(text)
	for _, rule := range docTypeRules[docType] {
		if m := rule.pattern.FindStringSubmatch(folded); m != nil {
			return rule.level(m), true
		}
	}
	return 0, false
}

// runHierarchy buffers non-heading blocks and flushes them, breadcrumb
// prefixed, whenever a block matches the selected doc type's heading rule
// set. A flushed section exceeding chunk_size tokens is sub-sliced with
// General's window logic, each sub-chunk carrying the same breadcrumb. A
// block that merely looks heading-shaped but matches no configured rule is
// left in the buffer as ordinary content.
func runHierarchy(blocks []parser.Block, s Settings) []Chunk {
	levels := map[int]string{}
	var buffer []string
	var bufferPage *int
	var chunks []Chunk

	breadcrumb := func() string {
		var parts []string
		maxLevel := 0
		for l := range levels {
			if l > maxLevel {
				maxLevel = l
			}
		}
		for l := 1; l <= maxLevel; l++ {
			if title, ok := levels[l]; ok {
				parts = append(parts, title)
			}
		}
		return strings.Join(parts, " > ")
	}

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		crumb := breadcrumb()
		joined := strings.Join(buffer, "\n\n")

		if estimateTokens(joined) <= s.ChunkSize {
			chunks = append(chunks, Chunk{
				Type:          Text,
				PageNumber:    bufferPage,
				SectionHeader: crumb,
				Text:          withBreadcrumb(crumb, joined),
				TokenCount:    estimateTokens(joined),
			})
		} else {
			for _, window := range sliceTextWindows(joined, s.ChunkSize, s.MinChunkSize) {
				chunks = append(chunks, Chunk{
					Type:          Text,
					PageNumber:    bufferPage,
					SectionHeader: crumb,
					Text:          withBreadcrumb(crumb, window),
					TokenCount:    estimateTokens(window),
				})
			}
		}
		buffer = nil
		bufferPage = nil
	}

	for _, b := range blocks {
		if b.Type == parser.BlockTable || b.Type == parser.BlockFormula {
			flush()
			crumb := breadcrumb()
			chunks = append(chunks, Chunk{
				Type:          chunkTypeOf(b.Type),
				PageNumber:    blockPage(b),
				SectionHeader: crumb,
				Text:          b.Text,
				TokenCount:    estimateTokens(b.Text),
			})
			continue
		}

		if level, ok := matchHeading(s.DocType, b.Text); ok {
			flush()
			levels[level] = b.Text
			for l := range levels {
				if l > level {
					delete(levels, l)
				}
			}
			continue
		}

		if bufferPage == nil {
			bufferPage = blockPage(b)
		}
		buffer = append(buffer, b.Text)
	}
	flush()

	fillOverlapMetadata(chunks, s.ChunkOverlap)
	return chunks
}

func chunkTypeOf(t parser.BlockType) ChunkType {
	switch t {
	case parser.BlockTable:
		return Table
	case parser.BlockFormula:
		return Formula
	default:
		return Text
	}
}

func withBreadcrumb(breadcrumb, text string) string {
	if breadcrumb == "" {
		return text
	}
	return breadcrumb + "\n\n" + text
}
