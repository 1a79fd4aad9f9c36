package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/brunobiangulo/nbrag/chat"
)

// serveSSE drains a chat.Event channel onto the response as
// "event: <type>\ndata: <json>\n\n" frames, flushing after every event so
// the client sees tokens as they arrive rather than buffered.
func serveSSE(w http.ResponseWriter, r *http.Request, events <-chan chat.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSEFrame(w, ev)
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, ev chat.Event) {
	var payload any
	switch ev.Type {
	case chat.EventToken:
		payload = map[string]string{"text": ev.Token}
	case chat.EventCitations:
		payload = ev.Citations
	case chat.EventDone:
		payload = map[string]string{"message_id": ev.MessageID}
	case chat.EventError:
		payload = map[string]string{"detail": ev.Err}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
