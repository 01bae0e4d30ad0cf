package store_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dockyard-paas/dockyard/internal/model"
	"github.com/dockyard-paas/dockyard/internal/store"

	"github.com/stretchr/testify/require"
)

type clock struct {
	mx  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T) (*store.Store, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "jobs.db"), store.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s, clk
}

var blog = model.Meta{Owner: "alice", App: "blog", RepoURL: "https://example.com/blog.git", Branch: "main"}

func TestCreateGet(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := t.Context()

	id, err := s.Create(ctx, model.TypeCreate, blog, "alice")
	require.NoError(t, err)
	require.Len(t, id, 36)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.Equal(t, model.TypeCreate, job.Type)
	require.Equal(t, model.StatusPending, job.Status)
	require.Equal(t, "alice", job.Owner)
	require.Equal(t, blog, job.Meta)
	require.Nil(t, job.Output)
	require.Nil(t, job.Error)
	require.Nil(t, job.StartedAt)
	require.Nil(t, job.FinishedAt)
	require.False(t, job.CreatedAt.IsZero())

	_, err = s.Get(ctx, "does-not-exist")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := t.Context()

	t.Run("done", func(t *testing.T) {
		id, err := s.Create(ctx, model.TypeStart, blog, "alice")
		require.NoError(t, err)

		// finishing a pending job is a no-op
		require.NoError(t, s.Finish(ctx, id, "{}"))
		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.StatusPending, job.Status)

		require.NoError(t, s.Start(ctx, id))
		job, err = s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.StatusRunning, job.Status)
		require.NotNil(t, job.StartedAt)

		require.NoError(t, s.Finish(ctx, id, `{"status":"running"}`))
		job, err = s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.StatusDone, job.Status)
		require.NotNil(t, job.Output)
		require.Equal(t, `{"status":"running"}`, *job.Output)
		require.Nil(t, job.Error)
		require.NotNil(t, job.FinishedAt)

		// done is final
		require.NoError(t, s.Fail(ctx, id, "late"))
		ok, err := s.Requeue(ctx, id)
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, s.MarkInterrupted(ctx, id))
		again, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, job, again)
	})

	t.Run("failed before start", func(t *testing.T) {
		id, err := s.Create(ctx, model.TypeStop, blog, "alice")
		require.NoError(t, err)
		require.NoError(t, s.Fail(ctx, id, "starting job: database is locked"))

		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.StatusFailed, job.Status)
		require.Nil(t, job.StartedAt)
		require.NotNil(t, job.FinishedAt)
		require.True(t, job.Status.Retryable())
	})

	t.Run("failed and requeued", func(t *testing.T) {
		id, err := s.Create(ctx, model.TypeDeploy, blog, "alice")
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx, id))
		require.NoError(t, s.Fail(ctx, id, "deploy exited with code 1: boom"))

		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.StatusFailed, job.Status)
		require.Nil(t, job.Output)
		require.NotNil(t, job.Error)
		require.Equal(t, "deploy exited with code 1: boom", *job.Error)

		ok, err := s.Requeue(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		job, err = s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.StatusPending, job.Status)
		require.Nil(t, job.Error)
		require.Nil(t, job.Output)
		require.Nil(t, job.StartedAt)
		require.Nil(t, job.FinishedAt)
		require.Equal(t, blog, job.Meta)
	})

	t.Run("interrupted", func(t *testing.T) {
		id, err := s.Create(ctx, model.TypeStop, blog, "alice")
		require.NoError(t, err)
		// only running jobs can be interrupted
		require.NoError(t, s.MarkInterrupted(ctx, id))
		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.StatusPending, job.Status)

		require.NoError(t, s.Start(ctx, id))
		require.NoError(t, s.MarkInterrupted(ctx, id))
		job, err = s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.StatusInterrupted, job.Status)
		require.Nil(t, job.Output)
		require.Nil(t, job.Error)

		require.NoError(t, s.Delete(ctx, id))
		_, err = s.Get(ctx, id)
		require.ErrorIs(t, err, store.ErrNotFound)
		// deleting twice is fine
		require.NoError(t, s.Delete(ctx, id))
	})
}

func TestStartTwice(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := t.Context()

	id, err := s.Create(ctx, model.TypeStart, blog, "alice")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, id))
	first, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, id))
	second, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, first.StartedAt, second.StartedAt)
}

func TestListForOwner(t *testing.T) {
	t.Parallel()
	s, clk := newStore(t)
	ctx := t.Context()

	old, err := s.Create(ctx, model.TypeStart, blog, "alice")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, old))
	require.NoError(t, s.Finish(ctx, old, "{}"))

	clk.Advance(48 * time.Hour)

	recent, err := s.Create(ctx, model.TypeStop, blog, "alice")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, recent))
	require.NoError(t, s.Fail(ctx, recent, "boom"))

	pending, err := s.Create(ctx, model.TypeDeploy, blog, "alice")
	require.NoError(t, err)
	_, err = s.Create(ctx, model.TypeDeploy, model.Meta{Owner: "bob", App: "shop"}, "bob")
	require.NoError(t, err)

	since := clk.Now().Add(-24 * time.Hour)
	jobs, err := s.ListForOwner(ctx, "alice", since, 50)
	require.NoError(t, err)
	require.Equal(t, []string{pending, recent}, ids(jobs))

	jobs, err = s.ListForOwner(ctx, "alice", since, 1)
	require.NoError(t, err)
	require.Equal(t, []string{pending}, ids(jobs))

	jobs, err = s.ListForOwner(ctx, "carol", since, 50)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestListActiveAndByStatus(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := t.Context()

	a, err := s.Create(ctx, model.TypeStart, blog, "alice")
	require.NoError(t, err)
	b, err := s.Create(ctx, model.TypeStop, blog, "alice")
	require.NoError(t, err)
	c, err := s.Create(ctx, model.TypeDeploy, blog, "alice")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, b))
	require.NoError(t, s.Start(ctx, c))
	require.NoError(t, s.Finish(ctx, c, "{}"))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{a, b}, ids(active))

	running, err := s.ListByStatus(ctx, model.StatusRunning)
	require.NoError(t, err)
	require.Equal(t, []string{b}, ids(running))

	d, err := s.Create(ctx, model.TypeStop, blog, "alice")
	require.NoError(t, err)
	pending, err := s.ListByStatus(ctx, model.StatusPending)
	require.NoError(t, err)
	require.Equal(t, []string{a, d}, ids(pending))
}

func TestSweep(t *testing.T) {
	t.Parallel()
	s, clk := newStore(t)
	ctx := t.Context()

	done, err := s.Create(ctx, model.TypeStart, blog, "alice")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, done))
	require.NoError(t, s.Finish(ctx, done, "{}"))

	stuck, err := s.Create(ctx, model.TypeStop, blog, "alice")
	require.NoError(t, err)

	clk.Advance(25 * time.Hour)
	fresh, err := s.Create(ctx, model.TypeStart, blog, "alice")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, fresh))
	require.NoError(t, s.Fail(ctx, fresh, "boom"))

	swept, err := s.Sweep(ctx, clk.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{done}, swept)

	_, err = s.Get(ctx, done)
	require.ErrorIs(t, err, store.ErrNotFound)
	for _, id := range []string{stuck, fresh} {
		_, err = s.Get(ctx, id)
		require.NoError(t, err)
	}

	swept, err = s.Sweep(ctx, clk.Now())
	require.NoError(t, err)
	require.Equal(t, []string{fresh}, swept)
}

func TestConcurrentTransitions(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := t.Context()

	id, err := s.Create(ctx, model.TypeStart, blog, "alice")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, id))

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = s.Finish(ctx, id, "{}")
			} else {
				_ = s.Fail(ctx, id, "boom")
			}
		}()
	}
	wg.Wait()

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, job.Status.Terminal())
	// exactly one of output and error is set
	require.True(t, (job.Output == nil) != (job.Error == nil))
}

func ids(jobs []model.Job) []string {
	ret := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ret = append(ret, j.ID)
	}
	return ret
}
