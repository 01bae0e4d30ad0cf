// Package executor runs jobs. It brackets every action with store
// transitions, streams the action output into the log buffer and closes
// the buffer with the terminal status once the job is settled.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dockyard-paas/dockyard/internal/dockerfacts"
	"github.com/dockyard-paas/dockyard/internal/log"
	"github.com/dockyard-paas/dockyard/internal/logbuf"
	"github.com/dockyard-paas/dockyard/internal/metrics"
	"github.com/dockyard-paas/dockyard/internal/model"
	"github.com/dockyard-paas/dockyard/internal/runner"
	"github.com/dockyard-paas/dockyard/internal/store"
)

var (
	ErrNotFound      = store.ErrNotFound
	ErrNotRetryable  = errors.New("job is not retryable")
	ErrNotCancelable = errors.New("job is not cancelable")
)

// Store persists jobs, see store.Store.
type Store interface {
	Create(ctx context.Context, typ model.Type, meta model.Meta, owner string) (string, error)
	Get(ctx context.Context, id string) (model.Job, error)
	Start(ctx context.Context, id string) error
	Finish(ctx context.Context, id, output string) error
	Fail(ctx context.Context, id, msg string) error
	MarkInterrupted(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	ListForOwner(ctx context.Context, owner string, since time.Time, limit int) ([]model.Job, error)
	ListActive(ctx context.Context) ([]model.Job, error)
	ListByStatus(ctx context.Context, status model.Status) ([]model.Job, error)
	Sweep(ctx context.Context, before time.Time) ([]string, error)
}

// Commander spawns scripts and docker compose, see runner.Runner.
type Commander interface {
	Script(ctx context.Context, name string, args []string, lines chan<- runner.Line) (runner.Output, error)
	Compose(ctx context.Context, dir string, args []string, lines chan<- runner.Line) (runner.Output, error)
	AppDir(owner, app string) (string, error)
}

// Facts is the docker fact cache, see dockerfacts.Cache.
type Facts interface {
	Invalidate()
	Lookup(ctx context.Context, owner, app string) (dockerfacts.Container, bool)
}

type Config struct {
	Retention time.Duration
	ListLimit int
}

type Executor struct {
	store     Store
	cmd       Commander
	facts     Facts
	logs      *logbuf.Buffer
	bus       *Bus
	metrics   *metrics.Metrics
	retention time.Duration
	listLimit int
	now       func() time.Time

	inflight sync.Map
	wg       sync.WaitGroup
}

type Option func(*Executor)

func WithBus(b *Bus) Option {
	return func(e *Executor) { e.bus = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func New(cfg Config, s Store, cmd Commander, facts Facts, logs *logbuf.Buffer, opts ...Option) *Executor {
	e := &Executor{
		store:     s,
		cmd:       cmd,
		facts:     facts,
		logs:      logs,
		retention: cfg.Retention,
		listLimit: cfg.ListLimit,
		now:       time.Now,
	}
	if e.retention <= 0 {
		e.retention = 24 * time.Hour
	}
	if e.listLimit <= 0 {
		e.listLimit = 50
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit validates and persists a new job, then runs it in the
// background. It returns as soon as the job is stored.
func (e *Executor) Submit(ctx context.Context, typ model.Type, meta model.Meta, owner string) (string, error) {
	t, err := model.ParseType(string(typ))
	if err != nil {
		return "", err
	}
	// padded input is rejected, not normalized
	if t != typ {
		return "", fmt.Errorf("%w: %q", model.ErrInvalidType, typ)
	}
	if err := meta.Validate(typ); err != nil {
		return "", err
	}
	if owner == "" {
		return "", fmt.Errorf("%w: empty owner", model.ErrInvalidMeta)
	}
	id, err := e.store.Create(ctx, typ, meta, owner)
	if err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}
	slog.InfoContext(ctx, "job submitted", "job", id, "type", typ, "owner", owner)
	e.dispatch(ctx, id)
	return id, nil
}

func (e *Executor) Get(ctx context.Context, id string) (model.Job, error) {
	return e.store.Get(ctx, id)
}

// List returns the active and recently finished jobs of owner.
func (e *Executor) List(ctx context.Context, owner string) ([]model.Job, error) {
	return e.store.ListForOwner(ctx, owner, e.now().Add(-e.retention), e.listLimit)
}

func (e *Executor) ListActive(ctx context.Context) ([]model.Job, error) {
	return e.store.ListActive(ctx)
}

// Retry requeues a failed or interrupted job and runs it again with the
// same meta.
func (e *Executor) Retry(ctx context.Context, id string) error {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Retryable() {
		return fmt.Errorf("%w: status is %s", ErrNotRetryable, job.Status)
	}
	ok, err := e.store.Requeue(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: status changed concurrently", ErrNotRetryable)
	}
	e.logs.Reset(id)
	slog.InfoContext(ctx, "job requeued", "job", id, "type", job.Type)
	e.dispatch(ctx, id)
	return nil
}

// Cancel forgets a failed or interrupted job. For create jobs the delete
// script is run in the background to clean up; its failure is only
// logged.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Cancelable() {
		return fmt.Errorf("%w: status is %s", ErrNotCancelable, job.Status)
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.logs.Drop(id)
	slog.InfoContext(ctx, "job canceled", "job", id, "type", job.Type)

	if job.Type == model.TypeCreate {
		ctx := log.ContextAttrs(context.WithoutCancel(ctx), slog.String("job", id))
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.cleanup(ctx, job.Meta)
		}()
	}
	return nil
}

func (e *Executor) cleanup(ctx context.Context, meta model.Meta) {
	defer e.facts.Invalidate()
	_, err := e.cmd.Script(ctx, "delete", []string{meta.Owner, meta.App}, nil)
	if err != nil {
		slog.WarnContext(ctx, "cleanup of canceled create job failed",
			"owner", meta.Owner, "app", meta.App, "error", err)
		return
	}
	slog.InfoContext(ctx, "cleanup of canceled create job finished", "owner", meta.Owner, "app", meta.App)
}

// Wait blocks until every background run and cleanup has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// dispatch runs the job in its own goroutine, detached from the
// cancellation of ctx.
func (e *Executor) dispatch(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, id)
	}()
}

func (e *Executor) run(ctx context.Context, id string) {
	if _, busy := e.inflight.LoadOrStore(id, struct{}{}); busy {
		slog.DebugContext(ctx, "job already in flight", "job", id)
		return
	}
	defer e.inflight.Delete(id)

	job, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.DebugContext(ctx, "job vanished before it ran", "job", id)
			return
		}
		slog.ErrorContext(ctx, "loading job failed", "job", id, "error", err)
		return
	}
	if job.Status != model.StatusPending {
		slog.DebugContext(ctx, "job is not pending, skipping", "job", id, "status", job.Status)
		return
	}

	ctx = log.ContextAttrs(ctx,
		slog.String("job", job.ID),
		slog.String("type", string(job.Type)),
		slog.String("owner", job.Owner),
	)
	if err := e.store.Start(ctx, id); err != nil {
		slog.ErrorContext(ctx, "starting job failed", "error", err)
		e.abort(ctx, job, fmt.Errorf("starting job: %w", err))
		return
	}
	started := e.now()
	slog.InfoContext(ctx, "job started", "app", job.Meta.Owner+"/"+job.Meta.App)

	lines := make(chan runner.Line, 64)
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		e.logs.Pump(ctx, id, lines)
	}()

	output, runErr := e.perform(ctx, job, lines)
	close(lines)
	<-pumped

	status := model.StatusDone
	if runErr != nil {
		status = model.StatusFailed
		msg := failureMessage(runErr)
		if err := e.store.Fail(ctx, id, msg); err != nil {
			slog.ErrorContext(ctx, "storing job failure failed", "error", err)
		}
		slog.WarnContext(ctx, "job failed", "error", msg)
	} else {
		if err := e.store.Finish(ctx, id, output); err != nil {
			slog.ErrorContext(ctx, "storing job result failed", "error", err)
		}
		slog.InfoContext(ctx, "job done")
	}
	e.metrics.JobFinished(string(job.Type), string(status), e.now().Sub(started))

	final, err := e.store.Get(ctx, id)
	if err != nil {
		final = job
		final.Status = status
		if runErr != nil {
			msg := failureMessage(runErr)
			final.Error = &msg
		}
	}
	e.logs.Close(id, logbuf.StatusEvent(final))
}

// abort settles a job that could not be started. The job is failed when
// the store allows it, subscribers always get a status event.
func (e *Executor) abort(ctx context.Context, job model.Job, cause error) {
	msg := cause.Error()
	if err := e.store.Fail(ctx, job.ID, msg); err != nil {
		slog.ErrorContext(ctx, "storing job failure failed", "error", err)
	}
	final, err := e.store.Get(ctx, job.ID)
	if err != nil || !final.Status.Terminal() {
		final = job
		final.Status = model.StatusFailed
		final.Error = &msg
	}
	e.metrics.JobFinished(string(job.Type), string(model.StatusFailed), 0)
	e.logs.Close(job.ID, logbuf.StatusEvent(final))
}

// perform executes the action of the job and returns its serialized
// result. Panics are turned into errors.
func (e *Executor) perform(ctx context.Context, job model.Job, lines chan<- runner.Line) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "job panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	// every job type mutates containers
	defer e.facts.Invalidate()

	var result any
	switch job.Type {
	case model.TypeCreate:
		result, err = e.create(ctx, job.Meta, lines)
	case model.TypeDeploy:
		result, err = e.deploy(ctx, job.Meta, lines)
	case model.TypeDelete:
		result, err = e.delete(ctx, job.Meta, lines)
	case model.TypeStart:
		result, err = e.compose(ctx, job.Meta, lines, "up", "-d")
	case model.TypeStop:
		result, err = e.compose(ctx, job.Meta, lines, "stop")
	case model.TypeEnvRestart:
		result, err = e.compose(ctx, job.Meta, lines, "up", "-d", "--force-recreate")
	default:
		err = fmt.Errorf("%w: %q", model.ErrInvalidType, job.Type)
	}
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(raw), nil
}

// DeleteResult is the output of a delete job.
type DeleteResult struct {
	Owner    string `json:"owner"`
	App      string `json:"app"`
	KeepData bool   `json:"keep_data"`
}

func (e *Executor) create(ctx context.Context, meta model.Meta, lines chan<- runner.Line) (model.AppInfo, error) {
	args := []string{meta.Owner, meta.App, meta.RepoURL, meta.BranchOrDefault()}
	if _, err := e.cmd.Script(ctx, "create", args, lines); err != nil {
		return model.AppInfo{}, err
	}
	e.facts.Invalidate()
	return e.appInfo(ctx, meta), nil
}

func (e *Executor) deploy(ctx context.Context, meta model.Meta, lines chan<- runner.Line) (model.AppInfo, error) {
	if _, err := e.cmd.Script(ctx, "deploy", []string{meta.Owner, meta.App}, lines); err != nil {
		return model.AppInfo{}, err
	}
	e.facts.Invalidate()
	info := e.appInfo(ctx, meta)
	if info.Port > 0 {
		e.bus.appDeployed(ctx, meta.Owner, meta.App, info.Port)
	} else {
		slog.WarnContext(ctx, "deployed app has no known port, routing not notified")
	}
	return info, nil
}

func (e *Executor) delete(ctx context.Context, meta model.Meta, lines chan<- runner.Line) (DeleteResult, error) {
	args := []string{meta.Owner, meta.App}
	if meta.KeepData {
		args = append(args, "--keep-data")
	}
	if _, err := e.cmd.Script(ctx, "delete", args, lines); err != nil {
		return DeleteResult{}, err
	}
	e.bus.appDeleted(ctx, meta.Owner, meta.App)
	return DeleteResult{Owner: meta.Owner, App: meta.App, KeepData: meta.KeepData}, nil
}

func (e *Executor) compose(ctx context.Context, meta model.Meta, lines chan<- runner.Line, args ...string) (model.AppInfo, error) {
	dir, err := e.cmd.AppDir(meta.Owner, meta.App)
	if err != nil {
		return model.AppInfo{}, err
	}
	if _, err := e.cmd.Compose(ctx, dir, args, lines); err != nil {
		return model.AppInfo{}, err
	}
	e.facts.Invalidate()
	return e.appInfo(ctx, meta), nil
}

// appInfo reads the app container from a fresh docker snapshot.
func (e *Executor) appInfo(ctx context.Context, meta model.Meta) model.AppInfo {
	info := model.AppInfo{
		Owner:     meta.Owner,
		App:       meta.App,
		RepoURL:   meta.RepoURL,
		Branch:    meta.Branch,
		Status:    dockerfacts.StatusUnknown,
		UpdatedAt: e.now().UTC(),
	}
	if c, ok := e.facts.Lookup(ctx, meta.Owner, meta.App); ok {
		info.Status = c.Status
		info.RawStatus = c.RawStatus
		info.Port = c.Port
	}
	return info
}

// failureMessage is what ends up in the job error. Runner errors carry
// their own summarized message.
func failureMessage(err error) string {
	var (
		exitErr *runner.ExitError
		nfErr   *runner.NotFoundError
	)
	switch {
	case errors.As(err, &exitErr):
		return exitErr.Error()
	case errors.As(err, &nfErr):
		return nfErr.Error()
	}
	return err.Error()
}
