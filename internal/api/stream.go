package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// eventStream serializes Server-Sent Events onto one response. All
// writers derived from it share a single lock: the execution backends
// pump stdout and stderr from separate goroutines, and interleaved
// frames would corrupt the event framing.
type eventStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// newEventStream returns nil if the ResponseWriter cannot flush, which
// means the connection cannot stream.
func newEventStream(w http.ResponseWriter) *eventStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &eventStream{w: w, flusher: flusher}
}

// send emits one complete event and flushes it to the client.
func (s *eventStream) send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "event: %s\n", event)
	// Each line of a multi-line payload needs its own "data:" prefix.
	// A raw newline in plugin output would otherwise terminate the
	// event early and let the plugin forge events.
	for _, line := range bytes.Split(data, []byte("\n")) {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := io.WriteString(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Writer adapts one event type to io.Writer for the execution backends.
func (s *eventStream) Writer(event string) io.Writer {
	return &eventWriter{stream: s, event: event}
}

type eventWriter struct {
	stream *eventStream
	event  string
}

func (w *eventWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.stream.send(w.event, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
