package hooks_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dockyard-paas/dockyard/internal/executor"
	"github.com/dockyard-paas/dockyard/internal/hooks"

	"github.com/stretchr/testify/require"
)

var _ executor.Observer = (*hooks.Webhook)(nil)

func TestWebhook(t *testing.T) {
	t.Parallel()
	var (
		mx       sync.Mutex
		payloads []hooks.Payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p hooks.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mx.Lock()
		payloads = append(payloads, p)
		mx.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	w, err := hooks.NewWebhook(srv.URL+"/routes", time.Second)
	require.NoError(t, err)
	require.NoError(t, w.AppDeployed(t.Context(), "alice", "blog", 8080))
	require.NoError(t, w.AppDeleted(t.Context(), "alice", "blog"))

	require.Equal(t, []hooks.Payload{
		{Event: hooks.EventDeployed, Owner: "alice", App: "blog", Port: 8080},
		{Event: hooks.EventDeleted, Owner: "alice", App: "blog"},
	}, payloads)
}

func TestWebhookFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "router reload failed", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	w, err := hooks.NewWebhook(srv.URL, time.Second)
	require.NoError(t, err)
	err = w.AppDeleted(t.Context(), "alice", "blog")
	require.ErrorContains(t, err, "unexpected status: 502")
	require.ErrorContains(t, err, "router reload failed")
}

func TestWebhookTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	w, err := hooks.NewWebhook(srv.URL, 50*time.Millisecond)
	require.NoError(t, err)
	err = w.AppDeployed(context.Background(), "alice", "blog", 8080)
	require.Error(t, err)
}

func TestNewWebhook(t *testing.T) {
	t.Parallel()
	for _, u := range []string{"", "router:8080", "ftp://router/x", "http://"} {
		_, err := hooks.NewWebhook(u, time.Second)
		require.Error(t, err, u)
	}
}
