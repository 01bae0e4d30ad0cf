// Package logbuf keeps the output of jobs in memory and fans it out to
// live subscribers. Every subscriber owns a bounded queue drained by its
// own goroutine, so a slow or broken client never blocks the job nor the
// other subscribers.
package logbuf

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dockyard-paas/dockyard/internal/metrics"
	"github.com/dockyard-paas/dockyard/internal/model"
	"github.com/dockyard-paas/dockyard/internal/runner"
)

const (
	DefaultQueueSize = 256
	DefaultMaxLines  = 10000
)

type Kind string

const (
	KindLog    Kind = "log"
	KindStatus Kind = "status"
)

// Event is delivered to subscribers. A status event is always the last
// one a subscriber receives.
type Event struct {
	Kind   Kind         `json:"kind"`
	Line   string       `json:"line,omitempty"`
	Status model.Status `json:"status,omitempty"`
	Error  string       `json:"error,omitempty"`
}

func LogEvent(line string) Event {
	return Event{Kind: KindLog, Line: line}
}

// StatusEvent builds the terminal event of a job.
func StatusEvent(job model.Job) Event {
	ev := Event{Kind: KindStatus, Status: job.Status}
	if job.Error != nil {
		ev.Error = *job.Error
	}
	return ev
}

// Sink is a subscriber connection. Done is closed when the peer went away.
type Sink interface {
	Send(Event) error
	Close()
	Done() <-chan struct{}
}

type Buffer struct {
	queueSize int
	maxLines  int
	metrics   *metrics.Metrics

	wg sync.WaitGroup

	mx      sync.Mutex
	nextID  uint64
	streams map[string]*stream
}

type stream struct {
	lines  []string
	closed bool
	subs   map[uint64]*subscriber
}

type subscriber struct {
	id     uint64
	sink   Sink
	queue  chan Event
	replay []string
	quit   chan struct{}
	once   sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.quit) })
}

type Option func(*Buffer)

func WithQueueSize(n int) Option {
	return func(b *Buffer) { b.queueSize = n }
}

// WithMaxLines bounds the lines kept per job, the oldest are dropped.
func WithMaxLines(n int) Option {
	return func(b *Buffer) { b.maxLines = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

func New(opts ...Option) *Buffer {
	b := &Buffer{
		queueSize: DefaultQueueSize,
		maxLines:  DefaultMaxLines,
		streams:   make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// must be called with b.mx held
func (b *Buffer) stream(id string) *stream {
	st, ok := b.streams[id]
	if !ok {
		st = &stream{subs: make(map[uint64]*subscriber)}
		b.streams[id] = st
	}
	return st
}

// Append adds a line to the job buffer and forwards it to subscribers.
// Lines appended after Close are dropped.
func (b *Buffer) Append(id, line string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	st := b.stream(id)
	if st.closed {
		return
	}
	st.lines = append(st.lines, line)
	if over := len(st.lines) - b.maxLines; b.maxLines > 0 && over > 0 {
		st.lines = append(st.lines[:0:0], st.lines[over:]...)
	}
	ev := LogEvent(line)
	for _, sub := range st.subs {
		b.enqueue(id, st, sub, ev)
	}
}

// Logs returns a copy of the buffered lines.
func (b *Buffer) Logs(id string) []string {
	b.mx.Lock()
	defer b.mx.Unlock()
	st, ok := b.streams[id]
	if !ok {
		return []string{}
	}
	return append([]string{}, st.lines...)
}

// Subscribe registers sink for live events of the job. It returns false
// when the stream is already closed.
func (b *Buffer) Subscribe(id string, sink Sink) (unsubscribe func(), ok bool) {
	b.mx.Lock()
	defer b.mx.Unlock()
	st := b.stream(id)
	if st.closed {
		return nil, false
	}
	return b.attach(id, st, sink, nil), true
}

// Attach registers sink and delivers the lines buffered so far ahead of
// any live event, with no gap between them. When the stream is already
// closed nothing is registered and the buffered lines are returned for
// the caller to replay.
func (b *Buffer) Attach(id string, sink Sink) (replay []string, unsubscribe func(), ok bool) {
	b.mx.Lock()
	defer b.mx.Unlock()
	st := b.stream(id)
	lines := append([]string{}, st.lines...)
	if st.closed {
		return lines, nil, false
	}
	return nil, b.attach(id, st, sink, lines), true
}

// must be called with b.mx held
func (b *Buffer) attach(id string, st *stream, sink Sink, replay []string) func() {
	b.nextID++
	sub := &subscriber{
		id:     b.nextID,
		sink:   sink,
		queue:  make(chan Event, b.queueSize),
		replay: replay,
		quit:   make(chan struct{}),
	}
	st.subs[sub.id] = sub
	b.metrics.SubscriberAdded()

	b.wg.Add(1)
	go b.serve(id, sub)

	return func() { b.detach(id, sub) }
}

// Close delivers the terminal event to every subscriber, then closes
// and unregisters them. The buffered lines stay readable until Reset or
// Drop.
func (b *Buffer) Close(id string, ev Event) {
	b.mx.Lock()
	defer b.mx.Unlock()
	st := b.stream(id)
	st.closed = true
	for _, sub := range st.subs {
		select {
		case sub.queue <- ev:
		default:
			// too slow to receive even the status, give up on it
			sub.stop()
		}
		close(sub.queue)
		delete(st.subs, sub.id)
		b.metrics.SubscriberRemoved()
	}
}

// Reset empties the buffer of a requeued job and reopens it.
func (b *Buffer) Reset(id string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.dropLocked(id)
	b.streams[id] = &stream{subs: make(map[uint64]*subscriber)}
}

// Drop forgets the job, disconnecting its subscribers.
func (b *Buffer) Drop(id string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.dropLocked(id)
}

func (b *Buffer) dropLocked(id string) {
	st, ok := b.streams[id]
	if !ok {
		return
	}
	for _, sub := range st.subs {
		delete(st.subs, sub.id)
		b.metrics.SubscriberRemoved()
		sub.stop()
	}
	delete(b.streams, id)
}

// Pump appends every line received from lines until the channel is
// closed. Lines are mirrored to the debug log.
func (b *Buffer) Pump(ctx context.Context, id string, lines <-chan runner.Line) {
	for l := range lines {
		slog.DebugContext(ctx, "job output", "stream", l.Stream, "line", l.Text)
		b.Append(id, l.Text)
	}
}

// Wait blocks until every subscriber goroutine has returned.
func (b *Buffer) Wait() {
	b.wg.Wait()
}

// must be called with b.mx held
func (b *Buffer) enqueue(id string, st *stream, sub *subscriber, ev Event) {
	select {
	case sub.queue <- ev:
	default:
		slog.Warn("log subscriber too slow, disconnecting", "job", id)
		delete(st.subs, sub.id)
		b.metrics.SubscriberRemoved()
		sub.stop()
	}
}

func (b *Buffer) detach(id string, sub *subscriber) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if st, ok := b.streams[id]; ok {
		if cur, ok := st.subs[sub.id]; ok && cur == sub {
			delete(st.subs, sub.id)
			b.metrics.SubscriberRemoved()
		}
	}
	sub.stop()
}

// serve is the writer goroutine of a subscriber.
func (b *Buffer) serve(id string, sub *subscriber) {
	defer b.wg.Done()
	defer sub.sink.Close()

	send := func(ev Event) bool {
		if err := sub.sink.Send(ev); err != nil {
			slog.Debug("log subscriber send failed", "job", id, "error", err)
			b.detach(id, sub)
			return false
		}
		return true
	}

	for _, line := range sub.replay {
		select {
		case <-sub.quit:
			return
		case <-sub.sink.Done():
			b.detach(id, sub)
			return
		default:
		}
		if !send(LogEvent(line)) {
			return
		}
	}
	sub.replay = nil

	for {
		select {
		case ev, ok := <-sub.queue:
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
		case <-sub.quit:
			return
		case <-sub.sink.Done():
			b.detach(id, sub)
			return
		}
	}
}
