package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brunobiangulo/nbrag/llm"
)

// EventType labels one frame of a chat stream.
type EventType string

const (
	EventToken     EventType = "token"
	EventCitations EventType = "citations"
	EventError     EventType = "error"
	EventDone      EventType = "done"
)

// Event is one frame produced on the channel Stream returns; cmd/server's
// SSE writer translates each into an "event: <type>\ndata: ...\n\n" frame.
type Event struct {
	Type      EventType  `json:"type"`
	Token     string     `json:"token,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	Err       string     `json:"error,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
}

// Stream opens a streaming round trip to the upstream chat provider and
// returns a token-producer channel an SSE writer can consume directly.
// It implements the rag/model/agent fixed-reply and citation-numbering
// rules from buildPlan, then extends llm/openai_compat.go's doPost/retry
// idiom into a long-lived streamed read via llm.StreamingProvider.
func (e *Engine) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	// History must be read before this turn's user message is persisted,
	// so it reflects only prior turns.
	history, err := e.history(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	p, err := e.buildPlan(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := e.store.AppendMessage(ctx, newMessageID(), "user", req.Query); err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}

	out := make(chan Event, 8)

	if p.skipLLM {
		go func() {
			defer close(out)
			out <- Event{Type: EventToken, Token: p.fixedReply}
			id, perr := e.persist(ctx, p.fixedReply)
			if perr != nil {
				slog.Error("chat: persisting fixed reply failed", "error", perr)
				out <- Event{Type: EventDone}
				return
			}
			out <- Event{Type: EventDone, MessageID: id}
		}()
		return out, nil
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: p.systemPrompt})
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: req.Query})

	versionAtStart := e.version(req.NotebookID)

	upstream, err := e.chatLLM.ChatStream(ctx, llm.ChatRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("opening chat stream: %w", err)
	}

	go func() {
		defer close(out)
		var answer strings.Builder

		for chunk := range upstream {
			if chunk.Err != nil {
				slog.Error("chat: stream failed", "notebook_id", req.NotebookID, "error", chunk.Err)
				out <- Event{Type: EventError, Err: chunk.Err.Error()}
				out <- Event{Type: EventDone}
				return
			}
			if chunk.Content != "" {
				answer.WriteString(chunk.Content)
				out <- Event{Type: EventToken, Token: chunk.Content}
			}
			if chunk.Done {
				break
			}
		}

		if e.version(req.NotebookID) != versionAtStart {
			slog.Info("chat: dropping stream, notebook history changed mid-stream", "notebook_id", req.NotebookID)
			out <- Event{Type: EventDone}
			return
		}

		if len(p.citations) > 0 {
			out <- Event{Type: EventCitations, Citations: p.citations}
		}

		id, err := e.persist(ctx, answer.String())
		if err != nil {
			slog.Error("chat: persisting assistant message failed", "error", err)
			out <- Event{Type: EventError, Err: err.Error()}
			out <- Event{Type: EventDone}
			return
		}
		out <- Event{Type: EventDone, MessageID: id}
	}()

	return out, nil
}

func (e *Engine) persist(ctx context.Context, content string) (string, error) {
	id := newMessageID()
	if err := e.store.AppendMessage(ctx, id, "assistant", content); err != nil {
		return "", err
	}
	return id, nil
}

// newMessageID returns a random, collision-resistant identifier using the
// same crypto/rand-plus-hex idiom used for content hashes elsewhere in
// this module.
func newMessageID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the OS entropy source is broken; a
		// zero ID is still unique enough within one process lifetime to
		// avoid crashing the stream over it.
		return "msg_0000000000000000"
	}
	return "msg_" + hex.EncodeToString(buf[:])
}
