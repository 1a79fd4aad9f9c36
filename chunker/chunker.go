// Package chunker turns a document's extracted blocks into chunks ready
// for embedding and retrieval, under one of five strategies selected by
// Settings.Method.
package chunker

import "github.com/brunobiangulo/nbrag/parser"

// Chunker applies one chunking strategy to a document's blocks.
type Chunker struct {
	settings Settings
}

// New returns a Chunker configured with s. Zero-value numeric fields fall
// back to the same defaults the strategies themselves tolerate.
func New(s Settings) *Chunker {
	if s.ChunkSize == 0 {
		s.ChunkSize = 512
	}
	if s.ChunkOverlap == 0 {
		s.ChunkOverlap = 64
	}
	if s.MinChunkSize == 0 {
		s.MinChunkSize = s.ChunkSize / 4
	}
	if s.ParentChunkSize == 0 {
		s.ParentChunkSize = 2048
	}
	if s.ChildChunkSize == 0 {
		s.ChildChunkSize = 256
	}
	if s.ContextWindow == 0 {
		s.ContextWindow = 200
	}
	if s.DocType == "" {
		s.DocType = DocTechnicalManual
	}
	return &Chunker{settings: s}
}

// Chunk dispatches to the configured strategy.
func (c *Chunker) Chunk(blocks []parser.Block) []Chunk {
	switch c.settings.Method {
	case ContextEnrichment:
		return runContextEnrichment(blocks, c.settings)
	case Hierarchy:
		return runHierarchy(blocks, c.settings)
	case PCR:
		return runPCR(blocks, c.settings)
	case Symbol:
		return runSymbol(blocks, c.settings)
	default:
		return runGeneral(blocks, c.settings)
	}
}
