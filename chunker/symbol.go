package chunker

import (
	"strings"

	"github.com/brunobiangulo/nbrag/parser"
)

// runSymbol concatenates non-heading blocks and splits the result on a
// user-chosen literal separator; every non-empty trimmed segment becomes
// one chunk. Simplest of the five strategies.
func runSymbol(blocks []parser.Block, s Settings) []Chunk {
	var all []string
	for _, b := range blocks {
		if b.Type == parser.BlockHeading {
			continue
		}
		all = append(all, b.Text)
	}
	fullText := strings.Join(all, "\n\n")

	sep := s.SymbolSeparator
	if sep == "" {
		sep = "\n\n"
	}

	var chunks []Chunk
	for _, segment := range strings.Split(fullText, sep) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Type:       Text,
			Text:       segment,
			TokenCount: estimateTokens(segment),
		})
	}
	return chunks
}
