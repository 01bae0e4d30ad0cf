package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dockyard-paas/dockyard/internal/logbuf"
	"github.com/dockyard-paas/dockyard/internal/model"
	"github.com/dockyard-paas/dockyard/internal/stream"
)

// sink is a connection events are written to.
type sink interface {
	logbuf.Sink
	Closed() <-chan struct{}
}

// Events handles GET /jobs/{id}/events. The buffered lines are replayed,
// then live lines follow until the status event ends the stream.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	sse, err := stream.NewSSE(w, r.Context().Done())
	if err != nil {
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.follow(r.Context(), job, sse, func() { sse.Serve(h.heartbeat) })
}

// WebSocket handles GET /jobs/{id}/ws, the same stream as Events with
// every event in its own JSON message.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	ws, err := stream.Upgrade(w, r)
	if err != nil {
		// the upgrader already replied
		slog.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	h.follow(r.Context(), job, ws, func() {
		select {
		case <-ws.Closed():
		case <-ws.Done():
		case <-r.Context().Done():
		}
	})
}

// follow attaches s to a running job and blocks in wait. Jobs that are
// already settled get their replay and status right away.
func (h *Handlers) follow(ctx context.Context, job model.Job, s sink, wait func()) {
	var replay []string
	if !job.Status.Terminal() {
		lines, unsubscribe, ok := h.logs.Attach(job.ID, s)
		if ok {
			wait()
			unsubscribe()
			// the writer goroutine closes s when it is gone
			<-s.Closed()
			return
		}
		replay = lines
		// settled in the meantime
		if j, err := h.jobs.Get(ctx, job.ID); err == nil {
			job = j
		}
	} else {
		replay = h.logs.Logs(job.ID)
	}

	for _, line := range replay {
		if err := s.Send(logbuf.LogEvent(line)); err != nil {
			s.Close()
			return
		}
	}
	_ = s.Send(logbuf.StatusEvent(job))
	s.Close()
}
