// Package chat assembles per-mode system prompts from retrieved passages,
// streams the upstream LLM's response, and persists chat turns, following
// the round-orchestration and slog logging idiom used elsewhere in this
// module's retrieval and ingestion paths.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/brunobiangulo/nbrag/llm"
	"github.com/brunobiangulo/nbrag/retrieval"
	"github.com/brunobiangulo/nbrag/store"
)

// Mode selects the prompt-assembly and retrieval policy for a turn.
// Mirrors the root package's ChatMode one-for-one: this package is
// imported by the root package, so it cannot import ChatMode back
// without a cycle.
type Mode string

const (
	ModeRAG   Mode = "rag"
	ModeModel Mode = "model"
	ModeAgent Mode = "agent"
)

// Config holds the thresholds and history depth ChatEngine applies.
type Config struct {
	MaxHistory     int
	RAGThreshold   float64
	ModelThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MaxHistory <= 0 {
		c.MaxHistory = 5
	}
	if c.MaxHistory > 50 {
		c.MaxHistory = 50
	}
	if c.RAGThreshold == 0 {
		c.RAGThreshold = 0.75
	}
	if c.ModelThreshold == 0 {
		c.ModelThreshold = 0.50
	}
	return c
}

// Source is the minimal per-source information ChatEngine needs to number
// citations stably: the caller (root package engine.go, reading from
// GlobalStore) supplies sources in the notebook's display order.
type Source struct {
	ID       string
	Filename string
}

// Citation is one passage numbered by its owning source's stable,
// 1-based display position.
type Citation struct {
	Number   int    `json:"number"`
	SourceID string `json:"source_id"`
	DocID    string `json:"doc_id"`
	ChunkID  string `json:"chunk_id"`
	Text     string `json:"text"`
	Page     *int   `json:"page,omitempty"`
}

// Request is one chat turn.
type Request struct {
	NotebookID        string
	Query             string
	Mode              Mode
	AgentID           string // only read when Mode == ModeAgent
	SourceOrder       []Source
	SelectedSourceIDs []string
	ExcludeDisabled   bool
}

const noSourcesReply = "None of the indexed sources address this question closely enough to answer from them. Try adding relevant documents, or switch to Model mode for a general-knowledge answer."

// Engine retrieves supporting passages, assembles the mode-appropriate
// system prompt, and drives a streaming round trip to the upstream LLM.
type Engine struct {
	store     *store.Store
	retriever *retrieval.Engine
	chatLLM   llm.StreamingProvider
	cfg       Config

	mu       sync.Mutex
	versions map[string]uint64
}

// New creates a ChatEngine.
func New(s *store.Store, retriever *retrieval.Engine, chatLLM llm.StreamingProvider, cfg Config) *Engine {
	return &Engine{
		store:     s,
		retriever: retriever,
		chatLLM:   chatLLM,
		cfg:       cfg.withDefaults(),
		versions:  make(map[string]uint64),
	}
}

// BumpVersion invalidates any stream already in flight for a notebook.
// Call this whenever that notebook's history is cleared.
func (e *Engine) BumpVersion(notebookID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.versions[notebookID]++
}

func (e *Engine) version(notebookID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.versions[notebookID]
}

// plan is the result of retrieval and mode dispatch: the system prompt to
// send upstream, the citations the answer may reference, and whether the
// LLM should be skipped entirely in favour of a fixed reply.
type plan struct {
	systemPrompt string
	citations    []Citation
	skipLLM      bool
	fixedReply   string
}

func (e *Engine) buildPlan(ctx context.Context, req Request) (*plan, error) {
	if req.Mode == ModeAgent {
		return &plan{systemPrompt: agentCardPrompt(req.AgentID)}, nil
	}

	sourceOrder := make(map[string]int, len(req.SourceOrder))
	for i, s := range req.SourceOrder {
		sourceOrder[s.ID] = i + 1
	}

	results, _, err := e.retriever.Search(ctx, req.Query, retrieval.SearchOptions{
		MaxResults:        20,
		SelectedSourceIDs: req.SelectedSourceIDs,
		ExcludeDisabled:   req.ExcludeDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}

	threshold := modeThreshold(req.Mode, e.cfg.RAGThreshold, e.cfg.ModelThreshold)
	passing := filterByThreshold(results, threshold)

	switch req.Mode {
	case ModeRAG:
		if len(passing) == 0 {
			return &plan{skipLLM: true, fixedReply: noSourcesReply}, nil
		}
		citations := numberCitations(passing, sourceOrder)
		return &plan{systemPrompt: ragSystemPrompt(citations), citations: citations}, nil
	case ModeModel:
		if len(passing) == 0 {
			return &plan{systemPrompt: generalKnowledgePrompt()}, nil
		}
		citations := numberCitations(passing, sourceOrder)
		return &plan{systemPrompt: analyticalSystemPrompt(citations), citations: citations}, nil
	default:
		return nil, fmt.Errorf("chat: unknown mode %q", req.Mode)
	}
}

func modeThreshold(mode Mode, ragThreshold, modelThreshold float64) float64 {
	switch mode {
	case ModeRAG:
		return ragThreshold
	case ModeModel:
		return modelThreshold
	default:
		return 0
	}
}

func filterByThreshold(results []store.RetrievalResult, threshold float64) []store.RetrievalResult {
	if threshold <= 0 {
		return results
	}
	kept := results[:0:0]
	for _, r := range results {
		if r.Score >= threshold {
			kept = append(kept, r)
		}
	}
	return kept
}

// numberCitations assigns each passage the stable display number of its
// owning source. A source absent from the caller's ordered list (should
// not happen in practice — every retrieved chunk belongs to an indexed
// source) falls back to the next free number so no citation is dropped.
func numberCitations(results []store.RetrievalResult, sourceOrder map[string]int) []Citation {
	next := len(sourceOrder) + 1
	citations := make([]Citation, 0, len(results))
	for _, r := range results {
		n, ok := sourceOrder[r.SourceID]
		if !ok {
			n = next
			next++
		}
		citations = append(citations, Citation{
			Number:   n,
			SourceID: r.SourceID,
			DocID:    r.DocID,
			ChunkID:  r.ChunkID,
			Text:     r.Text,
			Page:     r.Page,
		})
	}
	return citations
}

func agentCardPrompt(agentID string) string {
	return fmt.Sprintf("You are the %q agent. Respond to the user's request directly. This mode retrieves no sources — answer from the agent's own instructions and general knowledge.", agentID)
}

func ragSystemPrompt(citations []Citation) string {
	var b strings.Builder
	b.WriteString("Answer strictly from the passages below. Cite every claim with its bracketed number, e.g. [1]. If the passages don't contain the answer, say so — never invent information outside of them.\n\n")
	writePassages(&b, citations)
	return b.String()
}

func analyticalSystemPrompt(citations []Citation) string {
	var b strings.Builder
	b.WriteString("Use the passages below as primary evidence, citing them with their bracketed number, e.g. [1]. You may reason beyond them, but label every claim [FACT] when it's grounded in a cited passage or [ANALYSIS] when it's your own inference.\n\n")
	writePassages(&b, citations)
	return b.String()
}

func generalKnowledgePrompt() string {
	return "No indexed passage matched this question closely enough to cite. Answer from general knowledge, and prefix the reply with [GENERAL KNOWLEDGE]."
}

func writePassages(b *strings.Builder, citations []Citation) {
	for _, c := range citations {
		fmt.Fprintf(b, "[%d] %s\n\n", c.Number, c.Text)
	}
}

// history loads the last cfg.MaxHistory non-empty messages for a notebook,
// chronological order, ready to prepend ahead of the new user turn.
func (e *Engine) history(ctx context.Context) ([]store.Message, error) {
	return e.store.ListMessages(ctx, e.cfg.MaxHistory)
}
