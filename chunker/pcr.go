package chunker

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/nbrag/parser"
)

// runPCR concatenates every non-heading block's text, slices it into
// parent_chunk_size-token parent windows, then slices each parent into
// child_chunk_size-token child windows. One Chunk is emitted per child:
// Text carries the full parent window (what the ChatEngine feeds the LLM),
// EmbeddingText carries the child window (what the Embedder embeds). The
// caller (root engine) prefixes ParentChunkID with the owning doc ID.
func runPCR(blocks []parser.Block, s Settings) []Chunk {
	var all []string
	for _, b := range blocks {
		if b.Type == parser.BlockHeading {
			continue
		}
		all = append(all, b.Text)
	}
	fullText := strings.Join(all, "\n\n")

	parents := sliceTextWindows(fullText, s.ParentChunkSize, 0)

	var chunks []Chunk
	for i, parent := range parents {
		parentID := fmt.Sprintf("pcr_parent:%d", i)
		children := sliceTextWindows(parent, s.ChildChunkSize, 0)
		for _, child := range children {
			chunks = append(chunks, Chunk{
				Type:          Text,
				Text:          parent,
				EmbeddingText: child,
				ParentChunkID: parentID,
				TokenCount:    estimateTokens(child),
			})
		}
	}
	return chunks
}
