package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer encodes Events as SSE frames and flushes them to an http.ResponseWriter.
// It is not safe for concurrent use; the orchestrator owns a single Writer per run.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares the response for an SSE stream and returns a Writer bound
// to it. The caller must have not yet written a header.
func NewWriter(w http.ResponseWriter) *Writer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// Send encodes ev as a `data: <json>\n\n` frame and flushes it immediately.
func (sw *Writer) Send(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", body); err != nil {
		return err
	}
	sw.flush()
	return nil
}

// Done writes the literal `data: [DONE]\n\n` terminator frame.
func (sw *Writer) Done() error {
	if _, err := fmt.Fprint(sw.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	sw.flush()
	return nil
}

func (sw *Writer) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}
