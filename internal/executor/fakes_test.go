package executor_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dockyard-paas/dockyard/internal/dockerfacts"
	"github.com/dockyard-paas/dockyard/internal/executor"
	"github.com/dockyard-paas/dockyard/internal/logbuf"
	"github.com/dockyard-paas/dockyard/internal/model"
	"github.com/dockyard-paas/dockyard/internal/runner"
	"github.com/dockyard-paas/dockyard/internal/store"

	"github.com/stretchr/testify/require"
)

type call struct {
	Kind string // script or compose
	Name string
	Dir  string
	Args []string
}

type action func(ctx context.Context, c call, lines chan<- runner.Line) (runner.Output, error)

// commander records invocations and answers them with run.
type commander struct {
	appsDir string

	mx    sync.Mutex
	calls []call
	run   action
}

func (f *commander) invoke(ctx context.Context, c call, lines chan<- runner.Line) (runner.Output, error) {
	f.mx.Lock()
	f.calls = append(f.calls, c)
	run := f.run
	f.mx.Unlock()
	if run == nil {
		return runner.Output{}, nil
	}
	return run(ctx, c, lines)
}

func (f *commander) Script(ctx context.Context, name string, args []string, lines chan<- runner.Line) (runner.Output, error) {
	return f.invoke(ctx, call{Kind: "script", Name: name, Args: args}, lines)
}

func (f *commander) Compose(ctx context.Context, dir string, args []string, lines chan<- runner.Line) (runner.Output, error) {
	return f.invoke(ctx, call{Kind: "compose", Dir: dir, Args: args}, lines)
}

func (f *commander) AppDir(owner, app string) (string, error) {
	return filepath.Join(f.appsDir, owner, app), nil
}

func (f *commander) setRun(run action) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.run = run
}

func (f *commander) Calls() []call {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]call(nil), f.calls...)
}

// emit sends lines like a streaming process would
func emit(lines chan<- runner.Line, text ...string) {
	if lines == nil {
		return
	}
	for _, t := range text {
		lines <- runner.Line{Stream: runner.Stdout, Text: t}
	}
}

type facts struct {
	mx            sync.Mutex
	invalidations int
	containers    map[string]dockerfacts.Container
}

func newFacts(cs ...dockerfacts.Container) *facts {
	f := &facts{containers: make(map[string]dockerfacts.Container)}
	for _, c := range cs {
		f.containers[c.Owner+"/"+c.App] = c
	}
	return f
}

func (f *facts) Invalidate() {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.invalidations++
}

func (f *facts) Lookup(_ context.Context, owner, app string) (dockerfacts.Container, bool) {
	f.mx.Lock()
	defer f.mx.Unlock()
	c, ok := f.containers[owner+"/"+app]
	return c, ok
}

func (f *facts) Invalidations() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.invalidations
}

type recorder struct {
	mx       sync.Mutex
	deployed []string
	deleted  []string
}

func (r *recorder) AppDeployed(_ context.Context, owner, app string, port int) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.deployed = append(r.deployed, fmt.Sprintf("%s/%s:%d", owner, app, port))
	return nil
}

func (r *recorder) AppDeleted(_ context.Context, owner, app string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.deleted = append(r.deleted, owner+"/"+app)
	return nil
}

func (r *recorder) Deployed() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.deployed...)
}

func (r *recorder) Deleted() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.deleted...)
}

// sink collects events of one subscriber.
type sink struct {
	mx     sync.Mutex
	events []logbuf.Event
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newSink() *sink {
	return &sink{done: make(chan struct{}), closed: make(chan struct{})}
}

func (s *sink) Send(ev logbuf.Event) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) Close() { s.once.Do(func() { close(s.closed) }) }
func (s *sink) Done() <-chan struct{} { return s.done }

func (s *sink) Events() []logbuf.Event {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]logbuf.Event(nil), s.events...)
}

func (s *sink) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("sink was not closed")
	}
}

type env struct {
	store *store.Store
	path  string
	cmd   *commander
	facts *facts
	logs  *logbuf.Buffer
	bus   *executor.Bus
	obs   *recorder
	exec  *executor.Executor
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.Open(t.Context(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newEnv(t *testing.T, cs ...dockerfacts.Container) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	e := &env{
		store: openStore(t, path),
		path:  path,
		cmd:   &commander{appsDir: "/srv/apps"},
		facts: newFacts(cs...),
		logs:  logbuf.New(),
		bus:   executor.NewBus(),
		obs:   &recorder{},
	}
	e.bus.Register(e.obs)
	e.exec = executor.New(executor.Config{Retention: 24 * time.Hour, ListLimit: 50},
		e.store, e.cmd, e.facts, e.logs, executor.WithBus(e.bus))
	t.Cleanup(func() {
		e.exec.Wait()
		e.logs.Wait()
	})
	return e
}

// submit creates the job and waits until it settles.
func (e *env) submit(t *testing.T, typ model.Type, meta model.Meta) model.Job {
	t.Helper()
	id, err := e.exec.Submit(t.Context(), typ, meta, meta.Owner)
	require.NoError(t, err)
	e.exec.Wait()
	job, err := e.exec.Get(t.Context(), id)
	require.NoError(t, err)
	return job
}
