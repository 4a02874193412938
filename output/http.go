// Package output implements SubscriptionOutput sinks the session
// engine's pipeline writes batches to. The only implementation here is
// the chunked HTTP writer spec.md §6 describes, grounded on
// original_source StreamingContext's registerAndFlushOutput combined
// with the HTTP keep-alive chunked transfer encoding Nakadi's
// subscription GET endpoint uses; the teacher repo has no HTTP layer
// of its own to follow, so this package's shape instead mirrors the
// narrow, three-method SubscriptionOutput interface it must satisfy.
package output

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/hazelstream/substream/logger"
)

// HTTPStream streams batches to a client over a chunked HTTP response,
// one write (and flush) per batch. Safe for the writes session.Session
// makes from its own loop goroutine; OnException may be called from
// that same goroutine during close.
type HTTPStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewHTTPStream wraps w. The caller's handler must not write to w
// itself once the stream has started; returns an error if w cannot be
// flushed incrementally (spec.md §6 requires each batch to reach the
// client promptly, not buffer until the response completes).
func NewHTTPStream(w http.ResponseWriter, l logger.Logger) (*HTTPStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("output: response writer does not support flushing")
	}
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &HTTPStream{
		w:       w,
		flusher: flusher,
		logger:  l.With("component", "output", "backend", "http"),
	}, nil
}

// OnInitialized writes response headers and flushes them immediately,
// so the client's connection is confirmed open before the first batch.
func (h *HTTPStream) OnInitialized(sessionID string) error {
	h.w.Header().Set("Content-Type", "application/x-json-stream")
	h.w.Header().Set("X-Substream-Session-Id", sessionID)
	h.w.WriteHeader(http.StatusOK)
	h.flusher.Flush()
	return nil
}

// StreamData writes one pre-marshaled wire batch (spec.md §6) and
// flushes it to the client.
func (h *HTTPStream) StreamData(batch []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("output: stream already closed")
	}
	if _, err := h.w.Write(batch); err != nil {
		return fmt.Errorf("output: write batch: %w", err)
	}
	h.flusher.Flush()
	return nil
}

// OnException logs the session's close reason; the HTTP connection
// itself is torn down by the handler once Session.Stream returns.
func (h *HTTPStream) OnException(err error) {
	h.logger.Warn("session ended with exception", "error", err)
}

// Close marks the stream unusable for further writes. HTTPStream does
// not own the underlying connection (the handler's ResponseWriter
// lifetime does), so Close never touches w itself.
func (h *HTTPStream) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
