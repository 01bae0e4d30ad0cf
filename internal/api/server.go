// Package api exposes the job engine over HTTP. It trusts its upstream:
// the caller identity arrives in the X-Dockyard-Owner header.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dockyard-paas/dockyard/internal/dockerfacts"
	"github.com/dockyard-paas/dockyard/internal/logbuf"
	"github.com/dockyard-paas/dockyard/internal/metrics"
	"github.com/dockyard-paas/dockyard/internal/model"
)

const (
	OwnerHeader      = "X-Dockyard-Owner"
	DefaultHeartbeat = 15 * time.Second
)

// Jobs is the job engine, see executor.Executor.
type Jobs interface {
	Submit(ctx context.Context, typ model.Type, meta model.Meta, owner string) (string, error)
	Get(ctx context.Context, id string) (model.Job, error)
	List(ctx context.Context, owner string) ([]model.Job, error)
	ListActive(ctx context.Context) ([]model.Job, error)
	Retry(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// Facts lists app containers, see dockerfacts.Cache.
type Facts interface {
	List(ctx context.Context) *dockerfacts.Snapshot
}

type Config struct {
	Jobs    Jobs
	Logs    *logbuf.Buffer
	Facts   Facts
	Metrics *metrics.Metrics
	// Ping reports the health of the job database
	Ping      func(ctx context.Context) error
	Heartbeat time.Duration
}

type Handlers struct {
	jobs      Jobs
	logs      *logbuf.Buffer
	facts     Facts
	ping      func(ctx context.Context) error
	heartbeat time.Duration
}

// Handler builds the routing table.
func Handler(cfg Config) http.Handler {
	h := &Handlers{
		jobs:      cfg.Jobs,
		logs:      cfg.Logs,
		facts:     cfg.Facts,
		ping:      cfg.Ping,
		heartbeat: cfg.Heartbeat,
	}
	if h.heartbeat <= 0 {
		h.heartbeat = DefaultHeartbeat
	}
	m := cfg.Metrics

	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", m.Instrument("/jobs", h.CreateJob))
	mux.HandleFunc("GET /jobs", m.Instrument("/jobs", h.ListJobs))
	mux.HandleFunc("GET /jobs/{id}", m.Instrument("/jobs/{id}", h.GetJob))
	mux.HandleFunc("POST /jobs/{id}/retry", m.Instrument("/jobs/{id}/retry", h.RetryJob))
	mux.HandleFunc("DELETE /jobs/{id}", m.Instrument("/jobs/{id}", h.CancelJob))
	mux.HandleFunc("GET /jobs/{id}/events", m.Instrument("/jobs/{id}/events", h.Events))
	mux.HandleFunc("GET /jobs/{id}/ws", m.Instrument("/jobs/{id}/ws", h.WebSocket))
	mux.HandleFunc("GET /apps", m.Instrument("/apps", h.ListApps))

	// operator endpoints
	mux.HandleFunc("GET /admin/jobs", m.Instrument("/admin/jobs", h.ActiveJobs))
	mux.HandleFunc("GET /healthz", h.Healthz)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	return mux
}

// Server is the HTTP server of the control plane.
type Server struct {
	httpServer *http.Server
}

func NewServer(addr string, cfg Config) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           Handler(cfg),
			ReadHeaderTimeout: 10 * time.Second,
			// no WriteTimeout, event streams stay open for the whole job
		},
	}
}

// Run serves on l until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, l net.Listener) error {
	// streams end with ctx instead of holding up the shutdown
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	slog.InfoContext(ctx, "api listening", "addr", l.Addr().String())

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.httpServer.Shutdown(shutDownCtx)
	}
}
