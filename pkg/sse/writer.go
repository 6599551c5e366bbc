// Package sse implements the server-sent-events side of the turn stream:
// a mutex-guarded response writer and the typed frame vocabulary in events.go.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// DefaultKeepAliveInterval is how often comment frames go out on an idle
// stream so intermediaries don't drop the connection.
const DefaultKeepAliveInterval = 15 * time.Second

// Writer streams the frames of one turn to an HTTP response. Headers are held
// back until Start, so a request that fails validation can still answer with
// a plain JSON status. Safe for concurrent use: the turn pipeline and the
// keep-alive loop write through the same instance.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewWriter wraps an http.ResponseWriter. Call Start before the first frame.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// Start sends the event-stream headers and commits the response to
// streaming. Idempotent, so the turn sink can call it lazily on every frame.
func (s *Writer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.closed {
		return fmt.Errorf("sse writer is closed")
	}

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Content-Type-Options", "nosniff")
	s.w.WriteHeader(http.StatusOK)
	s.flush()

	s.started = true
	return nil
}

// WriteData writes a data-only frame: "data: {json}\n\n". Turn clients
// discriminate frames by the payload's "type" field, not by event name.
func (s *Writer) WriteData(data any) error {
	return s.WriteEvent("", data)
}

// WriteEvent writes a JSON frame with an optional event name.
func (s *Writer) WriteEvent(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse frame: %w", err)
	}
	return s.frame(func() error {
		if name != "" {
			if _, err := fmt.Fprintf(s.w, "event: %s\n", name); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintf(s.w, "data: %s\n\n", payload)
		return err
	})
}

// WriteComment writes a comment frame (": {text}\n\n"), which clients ignore.
func (s *Writer) WriteComment(text string) error {
	return s.frame(func() error {
		_, err := fmt.Fprintf(s.w, ": %s\n\n", text)
		return err
	})
}

// KeepAlive starts a loop that writes a comment frame every interval until
// the context ends, stop is called, or the writer closes. Frames are
// suppressed until Start has run: a turn that fails validation before its
// first frame must stay a clean JSON response.
func (s *Writer) KeepAlive(ctx context.Context, interval time.Duration) (stop func()) {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				started, closed := s.started, s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				if started {
					_ = s.WriteComment("keep-alive")
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// frame serializes one frame write under the lock and flushes it.
func (s *Writer) frame(write func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("sse writer is closed")
	}
	if err := write(); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *Writer) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Close rejects all further writes and ends any keep-alive loop.
func (s *Writer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// IsClosed reports whether Close has been called.
func (s *Writer) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
