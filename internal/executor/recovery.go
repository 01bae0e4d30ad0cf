package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/dockyard-paas/dockyard/internal/logbuf"
	"github.com/dockyard-paas/dockyard/internal/model"
)

// Report summarizes what Recover did.
type Report struct {
	Interrupted []string `json:"interrupted"`
	Resumed     []string `json:"resumed"`
	Swept       []string `json:"swept"`
}

// Recover reconciles the jobs left behind by a previous process. Running
// jobs have an unknown outcome and are marked interrupted. Pending jobs
// never ran and are dispatched again in creation order without waiting
// for them. Finally old terminal jobs are swept.
func (e *Executor) Recover(ctx context.Context) (Report, error) {
	var report Report

	running, err := e.store.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		return report, fmt.Errorf("listing running jobs: %w", err)
	}
	var errs []error
	for _, job := range running {
		if err := e.store.MarkInterrupted(ctx, job.ID); err != nil {
			errs = append(errs, fmt.Errorf("interrupting job %s: %w", job.ID, err))
			continue
		}
		report.Interrupted = append(report.Interrupted, job.ID)
		e.metrics.JobInterrupted(string(job.Type))
		e.logs.Close(job.ID, logbuf.Event{Kind: logbuf.KindStatus, Status: model.StatusInterrupted})
		slog.WarnContext(ctx, "job interrupted by restart", "job", job.ID, "type", job.Type, "owner", job.Owner)
	}

	pending, err := e.store.ListByStatus(ctx, model.StatusPending)
	if err != nil {
		return report, errors.Join(append(errs, fmt.Errorf("listing pending jobs: %w", err))...)
	}
	for _, job := range pending {
		e.logs.Reset(job.ID)
		e.dispatch(ctx, job.ID)
		report.Resumed = append(report.Resumed, job.ID)
	}

	swept, err := e.Sweep(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	report.Swept = swept

	slog.InfoContext(ctx, "recovery finished",
		"interrupted", len(report.Interrupted),
		"resumed", len(report.Resumed),
		"swept", len(report.Swept),
	)
	return report, errors.Join(errs...)
}

// Sweep deletes terminal jobs older than the retention and drops their
// log buffers.
func (e *Executor) Sweep(ctx context.Context) ([]string, error) {
	ids, err := e.store.Sweep(ctx, e.now().Add(-e.retention))
	if err != nil {
		return nil, fmt.Errorf("sweeping jobs: %w", err)
	}
	for _, id := range ids {
		e.logs.Drop(id)
	}
	if len(ids) > 0 {
		slog.InfoContext(ctx, "swept finished jobs", "count", len(ids))
	}
	return ids, nil
}

// Sweeper runs Sweep periodically.
type Sweeper struct {
	scheduler gocron.Scheduler
}

// NewSweeper schedules sweeps by a cron expression (5 fields or a
// descriptor like @hourly).
func NewSweeper(ctx context.Context, e *Executor, schedule string) (*Sweeper, error) {
	if _, err := model.ParseCron(schedule); err != nil {
		return nil, fmt.Errorf("parsing sweep_schedule: %w", err)
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(func() {
			if _, err := e.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "periodic sweep failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	slog.DebugContext(ctx, "sweeper scheduled", "cron", schedule)
	return &Sweeper{scheduler: s}, nil
}

func (s *Sweeper) Start() {
	s.scheduler.Start()
}

func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}
