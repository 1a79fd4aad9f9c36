package chunker

import (
	"strings"

	"github.com/brunobiangulo/nbrag/parser"
)

// runContextEnrichment runs General, then for each chunk sets EmbeddingText
// to the predecessor's last context_window characters, its own text, and
// the successor's first context_window characters. Text stays the display
// value; EmbeddingText is what the Embedder must use.
func runContextEnrichment(blocks []parser.Block, s Settings) []Chunk {
	chunks := runGeneral(blocks, s)
	w := s.ContextWindow

	for i := range chunks {
		var b strings.Builder
		if i > 0 {
			b.WriteString(trailingChars(chunks[i-1].Text, w))
		}
		b.WriteString(chunks[i].Text)
		if i < len(chunks)-1 {
			b.WriteString(leadingChars(chunks[i+1].Text, w))
		}
		chunks[i].EmbeddingText = b.String()
	}
	return chunks
}

func trailingChars(text string, n int) string {
	r := []rune(text)
	if n <= 0 || len(r) == 0 {
		return ""
	}
	if n > len(r) {
		n = len(r)
	}
	return string(r[len(r)-n:])
}

func leadingChars(text string, n int) string {
	r := []rune(text)
	if n <= 0 || len(r) == 0 {
		return ""
	}
	if n > len(r) {
		n = len(r)
	}
	return string(r[:n])
}
