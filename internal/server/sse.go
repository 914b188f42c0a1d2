package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/obradorhq/obradoria/internal/events"
)

// sseWriter emits server-sent event frames, flushing after each one so the
// client sees progress as it happens.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// newSSEWriter prepares w for event streaming. Fails when the underlying
// writer cannot flush, e.g. behind a buffering test double.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("server: response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

// event writes one progress event, named by its stage.
func (s *sseWriter) event(e events.Event) error {
	return s.frame(string(e.Stage), e)
}

// frame writes one "event: <name>\ndata: <json>\n\n" block and flushes.
func (s *sseWriter) frame(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("server: write sse frame: %w", err)
	}
	s.f.Flush()
	return nil
}
