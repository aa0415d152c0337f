package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var errStreamClosed = errors.New("stream closed")

// streamWriter serializes every write to a streamed response. The keepalive
// goroutine and the fragment path share it; close happens once.
type streamWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	framer  framer
	opened  bool
	closed  bool
	// wrote is set by every write and cleared by each keepalive tick.
	wrote bool
	// contentStarted is set by the first content fragment.
	contentStarted bool
	done           chan struct{}
}

func newStreamWriter(w http.ResponseWriter, flusher http.Flusher, f framer) *streamWriter {
	return &streamWriter{
		w:       w,
		flusher: flusher,
		framer:  f,
		done:    make(chan struct{}),
	}
}

// open sends the headers and flushes so the client sees the response start.
func (s *streamWriter) open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", s.framer.contentType())
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	s.opened = true
}

func (s *streamWriter) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *streamWriter) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(p)
}

// writeContent writes an answer fragment.
func (s *streamWriter) writeContent(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(p); err != nil {
		return err
	}
	s.contentStarted = true
	return nil
}

func (s *streamWriter) writeLocked(p []byte) error {
	if s.closed || !s.opened {
		return errStreamClosed
	}
	if _, err := s.w.Write(p); err != nil {
		// The client is gone; later writes are dropped.
		s.closed = true
		close(s.done)
		return err
	}
	s.flusher.Flush()
	s.wrote = true
	return nil
}

// keepalive writes a filler on every tick that saw no other write. Framers
// whose filler would land inside the answer stop once content has started.
// It returns when the writer closes.
func (s *streamWriter) keepalive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			if !s.wrote && (!s.contentStarted || s.framer.fillsMidStream()) {
				if err := s.writeLocked(s.framer.keepalive()); err != nil {
					s.mu.Unlock()
					slog.Debug("keepalive write failed", "error", err)
					return
				}
			}
			s.wrote = false
			s.mu.Unlock()
		}
	}
}

// close stops the keepalive and rejects further writes. Safe to call repeatedly.
func (s *streamWriter) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
