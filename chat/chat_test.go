//go:build cgo

package chat

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/brunobiangulo/nbrag/llm"
	"github.com/brunobiangulo/nbrag/retrieval"
	"github.com/brunobiangulo/nbrag/store"
)

// fakeStreamingProvider returns a fixed set of content deltas, ignoring
// the request — enough to exercise Stream's accumulation/persistence
// logic without a real upstream server.
type fakeStreamingProvider struct {
	deltas  []string
	err     error
	release chan struct{} // if set, ChatStream waits on this before emitting Done
}

func (f fakeStreamingProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, nil
}

func (f fakeStreamingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func (f fakeStreamingProvider) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk, len(f.deltas)+1)
	go func() {
		defer close(out)
		if f.err != nil {
			out <- llm.StreamChunk{Err: f.err}
			return
		}
		for _, d := range f.deltas {
			out <- llm.StreamChunk{Content: d}
		}
		if f.release != nil {
			<-f.release
		}
		out <- llm.StreamChunk{Done: true}
	}()
	return out, nil
}

func newTestEngine(t *testing.T, llmProvider llm.StreamingProvider) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "notebook.db"), 4)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	doc := store.Document{DocID: "doc-1", SourceID: "src-1", Filename: "manual.pdf", Filepath: "/manual.pdf", FileHash: "h"}
	chunks := []store.EmbeddedChunk{{
		Chunk: store.Chunk{ChunkID: "doc-1:0", DocID: "doc-1", ChunkType: "text", ChunkText: "Do not exceed the rated voltage."},
	}}
	if err := s.UpsertDocument(context.Background(), doc, chunks, nil, true, ""); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	retriever := retrieval.New(s, nil)
	engine := New(s, retriever, llmProvider, Config{})
	return engine, s
}

func TestStreamRAGModeNoSourcesSkipsLLM(t *testing.T) {
	engine, _ := newTestEngine(t, fakeStreamingProvider{deltas: []string{"should not be used"}})
	ctx := context.Background()

	// Restrict retrieval to a source that has no chunks, so no passage is
	// reachable (the stored chunk would otherwise come back via the FTS
	// fallback chain with a normalised score of 1.0).
	events, err := engine.Stream(ctx, Request{NotebookID: "nb-1", Query: "unrelated question", Mode: ModeRAG, SelectedSourceIDs: []string{"src-absent"}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var gotToken, gotDone bool
	var messageID string
	for ev := range events {
		switch ev.Type {
		case EventToken:
			gotToken = true
			if ev.Token != noSourcesReply {
				t.Errorf("token = %q, want fixed no-sources reply", ev.Token)
			}
		case EventDone:
			gotDone = true
			messageID = ev.MessageID
		}
	}
	if !gotToken || !gotDone {
		t.Fatalf("expected a token event and a done event, got token=%v done=%v", gotToken, gotDone)
	}
	if messageID == "" {
		t.Errorf("expected a persisted message id for the fixed reply")
	}
}

func TestStreamModelModePersistsAnswer(t *testing.T) {
	engine, s := newTestEngine(t, fakeStreamingProvider{deltas: []string{"Hello", " world"}})
	ctx := context.Background()

	events, err := engine.Stream(ctx, Request{NotebookID: "nb-1", Query: "anything", Mode: ModeModel})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var answer string
	var messageID string
	for ev := range events {
		if ev.Type == EventToken {
			answer += ev.Token
		}
		if ev.Type == EventDone {
			messageID = ev.MessageID
		}
	}
	if answer != "Hello world" {
		t.Errorf("accumulated answer = %q, want %q", answer, "Hello world")
	}
	if messageID == "" {
		t.Fatalf("expected a persisted message id")
	}

	msgs, err := s.ListMessages(ctx, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (user + assistant)", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("message roles = [%s, %s], want [user, assistant]", msgs[0].Role, msgs[1].Role)
	}
}

func TestStreamDropsAnswerWhenVersionMovedMidStream(t *testing.T) {
	release := make(chan struct{})
	engine, s := newTestEngine(t, fakeStreamingProvider{deltas: []string{"stale"}, release: release})
	ctx := context.Background()

	events, err := engine.Stream(ctx, Request{NotebookID: "nb-1", Query: "q", Mode: ModeModel})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// Simulate a concurrent history-clear while the stream is still open:
	// bump the version, then let the fake provider finish.
	engine.BumpVersion("nb-1")
	close(release)

	var messageID string
	done := false
	for ev := range events {
		if ev.Type == EventDone {
			done = true
			messageID = ev.MessageID
		}
	}
	if !done {
		t.Fatalf("expected a done event")
	}
	if messageID != "" {
		t.Errorf("messageID = %q, want empty when the version moved mid-stream", messageID)
	}

	msgs, err := s.ListMessages(ctx, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	for _, m := range msgs {
		if m.Role == "assistant" {
			t.Errorf("assistant message should not be persisted after a mid-stream version change, found: %+v", m)
		}
	}
}

func TestStreamAgentModeSkipsRetrieval(t *testing.T) {
	engine, _ := newTestEngine(t, fakeStreamingProvider{deltas: []string{"agent reply"}})
	ctx := context.Background()

	events, err := engine.Stream(ctx, Request{NotebookID: "nb-1", Query: "q", Mode: ModeAgent, AgentID: "support-bot"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var answer string
	for ev := range events {
		if ev.Type == EventToken {
			answer += ev.Token
		}
	}
	if answer != "agent reply" {
		t.Errorf("answer = %q, want %q", answer, "agent reply")
	}
}

func TestNumberCitationsStableOrder(t *testing.T) {
	order := map[string]int{"src-2": 1, "src-1": 2}
	results := []store.RetrievalResult{
		{SourceID: "src-1", ChunkID: "c1"},
		{SourceID: "src-2", ChunkID: "c2"},
		{SourceID: "src-3", ChunkID: "c3"},
	}
	citations := numberCitations(results, order)
	if citations[0].Number != 2 || citations[1].Number != 1 {
		t.Errorf("citation numbers = [%d, %d], want [2, 1] matching the caller's source order", citations[0].Number, citations[1].Number)
	}
	if citations[2].Number != 3 {
		t.Errorf("unlisted source should fall back to the next free number, got %d", citations[2].Number)
	}
}
