// Package parser implements the Extractor component: it converts a file on
// disk into an ordered sequence of semantic blocks with page/location
// metadata, branching text-layer vs OCR for PDFs.
package parser

import "context"

// BlockType is the closed set of semantic block kinds an Extractor emits.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockHeading BlockType = "heading"
	BlockTable   BlockType = "table"
	BlockFormula BlockType = "formula"
)

// Block is one semantic unit of a document in source order. Order is the
// sole semantic anchor downstream: blocks are always emitted in the order
// they occur in the source.
type Block struct {
	Type          BlockType
	Text          string
	PageNumber    int // 1-based; 0 when the format has no page concept
	SectionHeader string
	Order         int
}

// ExtractResult is what an Extractor produces from a document file.
type ExtractResult struct {
	Blocks     []Block
	TotalPages int // 0 when the format has no page concept
}

// Extractor can convert a specific document format into blocks.
type Extractor interface {
	Extract(ctx context.Context, path string) (*ExtractResult, error)
	SupportedFormats() []string
}
