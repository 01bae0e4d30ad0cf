package executor

import (
	"context"
	"log/slog"
	"sync"
)

// Observer is notified about app lifecycle changes caused by jobs, so an
// external routing subsystem can regenerate its configuration.
type Observer interface {
	AppDeployed(ctx context.Context, owner, app string, port int) error
	AppDeleted(ctx context.Context, owner, app string) error
}

// ObserverFuncs adapts plain functions to Observer, nil fields are no-ops.
type ObserverFuncs struct {
	Deployed func(ctx context.Context, owner, app string, port int) error
	Deleted  func(ctx context.Context, owner, app string) error
}

func (f ObserverFuncs) AppDeployed(ctx context.Context, owner, app string, port int) error {
	if f.Deployed == nil {
		return nil
	}
	return f.Deployed(ctx, owner, app, port)
}

func (f ObserverFuncs) AppDeleted(ctx context.Context, owner, app string) error {
	if f.Deleted == nil {
		return nil
	}
	return f.Deleted(ctx, owner, app)
}

// Bus delivers notifications to registered observers. Observer errors
// and panics are logged and never reach the job. A nil *Bus is valid.
type Bus struct {
	mx        sync.RWMutex
	observers []Observer
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Register(o Observer) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.observers = append(b.observers, o)
}

func (b *Bus) appDeployed(ctx context.Context, owner, app string, port int) {
	b.each(ctx, "app deployed", func(o Observer) error {
		return o.AppDeployed(ctx, owner, app, port)
	})
}

func (b *Bus) appDeleted(ctx context.Context, owner, app string) {
	b.each(ctx, "app deleted", func(o Observer) error {
		return o.AppDeleted(ctx, owner, app)
	})
}

func (b *Bus) each(ctx context.Context, event string, fn func(Observer) error) {
	if b == nil {
		return
	}
	b.mx.RLock()
	observers := append([]Observer(nil), b.observers...)
	b.mx.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.ErrorContext(ctx, "observer panicked", "event", event, "panic", r)
				}
			}()
			if err := fn(o); err != nil {
				slog.WarnContext(ctx, "observer failed", "event", event, "error", err)
			}
		}()
	}
}
