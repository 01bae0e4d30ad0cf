// Package dockerfacts caches what docker knows about platform
// containers. The snapshot is shared by every caller for a short TTL and
// dropped after every mutating action.
package dockerfacts

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dockyard-paas/dockyard/internal/metrics"

	"golang.org/x/sync/singleflight"
)

// platform labels
const (
	LabelApp   = "dockyard.app"
	LabelOwner = "dockyard.owner"
	LabelName  = "dockyard.name"
	LabelPort  = "dockyard.port"
)

// DefaultTTL is the age after which a snapshot is refreshed.
const DefaultTTL = 5 * time.Second

type Container struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	App       string    `json:"app"`
	Port      int       `json:"port,omitempty"`
	RawStatus string    `json:"raw_status"`
	State     string    `json:"state"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is an immutable result of a single docker query.
type Snapshot struct {
	Containers []Container
	CapturedAt time.Time
}

// Lookup returns the container of owner/app.
func (s *Snapshot) Lookup(owner, app string) (Container, bool) {
	if s == nil {
		return Container{}, false
	}
	for _, c := range s.Containers {
		if c.Owner == owner && c.App == app {
			return c, true
		}
	}
	return Container{}, false
}

// Lister queries docker for all platform containers.
type Lister interface {
	List(ctx context.Context) ([]Container, error)
}

type Cache struct {
	lister  Lister
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	group singleflight.Group
	// generation is bumped by Invalidate; a refresh started in an older
	// generation publishes its result already stale.
	generation atomic.Uint64

	mx       sync.RWMutex
	snapshot *Snapshot
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

func New(lister Lister, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		lister:   lister,
		ttl:      ttl,
		now:      time.Now,
		snapshot: &Snapshot{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns the current snapshot, refreshing it when it is older than
// the TTL. Concurrent refreshes within one generation are coalesced. A
// failed query yields an empty snapshot, which is not cached.
func (c *Cache) List(ctx context.Context) *Snapshot {
	if s := c.fresh(); s != nil {
		c.metrics.DockerFacts("hit")
		return s
	}

	key := strconv.FormatUint(c.generation.Load(), 10)
	ch := c.group.DoChan(key, func() (any, error) {
		if s := c.fresh(); s != nil {
			return s, nil
		}
		return c.refresh(context.WithoutCancel(ctx)), nil
	})
	select {
	case res := <-ch:
		return res.Val.(*Snapshot)
	case <-ctx.Done():
		return &Snapshot{}
	}
}

// Lookup returns the container of owner/app from the current snapshot.
func (c *Cache) Lookup(ctx context.Context, owner, app string) (Container, bool) {
	return c.List(ctx).Lookup(owner, app)
}

// Invalidate forces the next List to query docker.
func (c *Cache) Invalidate() {
	c.generation.Add(1)
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.snapshot.CapturedAt.IsZero() {
		return
	}
	c.snapshot = &Snapshot{Containers: c.snapshot.Containers}
}

func (c *Cache) fresh() *Snapshot {
	c.mx.RLock()
	defer c.mx.RUnlock()
	s := c.snapshot
	if s.CapturedAt.IsZero() || c.now().Sub(s.CapturedAt) >= c.ttl {
		return nil
	}
	return s
}

func (c *Cache) refresh(ctx context.Context) *Snapshot {
	gen := c.generation.Load()
	started := c.now()

	containers, err := c.lister.List(ctx)
	if err != nil {
		slog.WarnContext(ctx, "listing docker containers failed", "error", err)
		c.metrics.DockerFacts("error")
		containers = nil
	} else {
		c.metrics.DockerFacts("refresh")
	}

	s := &Snapshot{Containers: containers, CapturedAt: started}
	if err != nil {
		// an empty result is not cached
		s.CapturedAt = time.Time{}
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	if c.generation.Load() != gen {
		// invalidated while querying
		s = &Snapshot{Containers: containers}
	}
	c.snapshot = s
	return s
}
