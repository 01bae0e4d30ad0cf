// Package stream implements logbuf sinks over HTTP connections.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dockyard-paas/dockyard/internal/logbuf"
)

// SSE streams events as Server-Sent Events. Log lines are sent as
// "log" events, the terminal one as a "status" event.
type SSE struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	closed  bool
	last    time.Time

	done      <-chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once
}

// NewSSE writes the event-stream headers and returns the sink. done is
// usually the request context's Done channel.
func NewSSE(w http.ResponseWriter, done <-chan struct{}) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by %T", w)
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSE{
		writer:   w,
		flusher:  flusher,
		last:     time.Now().UTC(),
		done:     done,
		closedCh: make(chan struct{}),
	}, nil
}

// Send emits a single event.
func (c *SSE) Send(ev logbuf.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(c.writer, "event: %s\ndata: %s\n\n", ev.Kind, payload); err != nil {
		c.closed = true
		slog.Debug("sse send failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSE) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprint(c.writer, ": ping\n\n"); err != nil {
		c.closed = true
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Close marks the stream as closed and releases Closed waiters.
func (c *SSE) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closedCh) })
}

func (c *SSE) Done() <-chan struct{} {
	return c.done
}

// Closed is closed once the sink was closed by its writer.
func (c *SSE) Closed() <-chan struct{} {
	return c.closedCh
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSE) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Serve blocks until the sink is closed or the peer goes away, sending
// heartbeats every interval.
func (c *SSE) Serve(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closedCh:
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				return
			}
		}
	}
}
