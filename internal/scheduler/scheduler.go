// Package scheduler implements a timestamp-ordered event scheduler.
//
// Callers register (timestamp, topic, message) triples; a background Tick
// Driver wakes on a fixed period and hands every event whose timestamp has
// passed to the dispatch sink.
//
// Two structures hold the pending state and always change together under one
// mutex:
//   - the pending map: timestamp → bucket of events in insertion order
//   - the due index:   Min-Heap of the distinct timestamps in the pending map
//
// Peeking the soonest timestamp is O(1) regardless of how many events are
// pending; scheduling is O(log N) in the number of distinct timestamps.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Event is one scheduled delivery. Message is passed to the sink untouched.
type Event[M any] struct {
	ID      string
	Topic   string
	Message M
}

// Item is one element of a Batch call.
type Item[M any] struct {
	Timestamp int64
	Topic     string
	Message   M
}

// Sink receives due events, once per event, in timestamp then insertion order.
type Sink[M any] func(topic string, message M) error

// FailureHook is called from the Tick Driver for every event whose dispatch
// failed. It runs outside the scheduler lock and may call Schedule.
type FailureHook[M any] func(timestamp int64, ev Event[M], err error)

// Scheduler delivers events at or after their scheduled timestamp.
//
// Usage:
//
//	s := scheduler.New(func(topic string, msg Payload) error { ... })
//	if err := s.Start(ctx); err != nil { ... }
//	defer s.Stop()
//
//	s.Schedule(time.Now().Add(time.Minute).UnixMilli(), "billing", p)
//
// All methods are safe for concurrent use.
type Scheduler[M any] struct {
	mu      sync.Mutex
	index   dueIndex
	pending map[int64][]Event[M]
	size    int // total events across all buckets
	onFail  FailureHook[M]

	// tickMu serialises drain passes so a manual Tick never interleaves with
	// the background one. Lock order is tickMu then mu. A sink must not call
	// Tick.
	tickMu sync.Mutex

	sink Sink[M]
	opts options

	warnLimiter *rate.Limiter
	suppressed  int // guarded by tickMu

	lifeMu  sync.Mutex
	started bool
	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a Scheduler that dispatches to sink. A nil sink is replaced by
// a diagnostic sink that logs every event. Call Start to begin ticking.
func New[M any](sink Sink[M], opts ...Option) *Scheduler[M] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Scheduler[M]{
		index:       make(dueIndex, 0, 64),
		pending:     make(map[int64][]Event[M]),
		sink:        sink,
		opts:        o,
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 3),
		done:        make(chan struct{}),
	}
	if s.sink == nil {
		o.log.Warn("dispatch function not provided to scheduler, running in debug mode")
		s.sink = s.debugSink
	}
	return s
}

func (s *Scheduler[M]) debugSink(topic string, message M) error {
	s.opts.log.Info("dispatch", zap.String("topic", topic), zap.Any("message", message))
	return nil
}

// OnFailure registers the hook invoked for each failed dispatch. Passing nil
// removes it.
func (s *Scheduler[M]) OnFailure(h FailureHook[M]) {
	s.mu.Lock()
	s.onFail = h
	s.mu.Unlock()
}

func (s *Scheduler[M]) now() int64 { return s.opts.clock().UnixMilli() }

// ─── scheduling ──────────────────────────────────────────────────────────────

// Schedule appends an event to the bucket for timestamp and returns its ID.
// Timestamps in the past are accepted and become due on the next tick.
func (s *Scheduler[M]) Schedule(timestamp int64, topic string, message M) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("%w: topic must not be empty", ErrInvalidInput)
	}
	id, err := s.opts.newID()
	if err != nil {
		return "", fmt.Errorf("scheduler: schedule: %w", err)
	}

	s.mu.Lock()
	s.insertLocked(timestamp, Event[M]{ID: id, Topic: topic, Message: message})
	n := s.size
	s.mu.Unlock()

	s.opts.metrics.ObserveScheduled(topic, 1)
	s.opts.metrics.SetPending(n)
	s.opts.log.Debug("event scheduled",
		zap.String("id", id),
		zap.String("topic", topic),
		zap.Int64("timestamp", timestamp),
	)
	return id, nil
}

// Batch schedules every item in order under a single critical section, so a
// tick observes either none or all of them. If any item is invalid nothing is
// scheduled. The returned IDs are index-aligned with items.
func (s *Scheduler[M]) Batch(items []Item[M]) ([]string, error) {
	for i, it := range items {
		if it.Topic == "" {
			return nil, fmt.Errorf("%w: item %d: topic must not be empty", ErrInvalidInput, i)
		}
	}
	ids := make([]string, len(items))
	for i := range items {
		id, err := s.opts.newID()
		if err != nil {
			return nil, fmt.Errorf("scheduler: batch: item %d: %w", i, err)
		}
		ids[i] = id
	}

	s.mu.Lock()
	for i, it := range items {
		s.insertLocked(it.Timestamp, Event[M]{ID: ids[i], Topic: it.Topic, Message: it.Message})
	}
	n := s.size
	s.mu.Unlock()

	for _, it := range items {
		s.opts.metrics.ObserveScheduled(it.Topic, 1)
	}
	s.opts.metrics.SetPending(n)
	s.opts.log.Debug("batch scheduled", zap.Int("count", len(items)))
	return ids, nil
}

// insertLocked MUST be called with s.mu held.
func (s *Scheduler[M]) insertLocked(timestamp int64, ev Event[M]) {
	bucket, ok := s.pending[timestamp]
	if !ok {
		heap.Push(&s.index, timestamp)
	}
	s.pending[timestamp] = append(bucket, ev)
	s.size++
}

// ─── inspection ──────────────────────────────────────────────────────────────

// Len returns the number of pending events.
func (s *Scheduler[M]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Timestamps returns the number of distinct pending timestamps.
func (s *Scheduler[M]) Timestamps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Next returns the earliest pending timestamp, or false if nothing is pending.
func (s *Scheduler[M]) Next() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.peek()
}

// ─── tick driver ─────────────────────────────────────────────────────────────

// Tick runs one draining pass: every bucket whose timestamp is <= now is
// removed and its events are dispatched in insertion order, earliest bucket
// first. A failing event does not stop the rest of the pass; every failure is
// returned as a *DispatchError combined with multierr.
//
// Start calls Tick periodically. Calling it directly is useful in tests and
// for hosts that drive time themselves.
func (s *Scheduler[M]) Tick() error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now()
	var errs error
	for {
		ts, bucket, ok := s.popDue(now)
		if !ok {
			break
		}
		for _, ev := range bucket {
			err := s.dispatch(ev)
			s.opts.metrics.ObserveDispatch(ev.Topic, err)
			if err == nil {
				continue
			}
			errs = multierr.Append(errs, &DispatchError{
				EventID:   ev.ID,
				Topic:     ev.Topic,
				Timestamp: ts,
				Err:       err,
			})
			s.mu.Lock()
			hook := s.onFail
			s.mu.Unlock()
			if hook != nil {
				hook(ts, ev, err)
			}
		}
	}
	s.opts.metrics.ObserveTick()
	return errs
}

// popDue removes the earliest bucket if it is due, together with its index
// entry, so it can never be dispatched twice.
func (s *Scheduler[M]) popDue(now int64) (int64, []Event[M], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.index.peek()
	if !ok || ts > now {
		return 0, nil, false
	}
	heap.Pop(&s.index)
	bucket := s.pending[ts]
	delete(s.pending, ts)
	s.size -= len(bucket)
	s.opts.metrics.SetPending(s.size)
	return ts, bucket, true
}

func (s *Scheduler[M]) dispatch(ev Event[M]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSinkPanic, r)
		}
	}()
	return s.sink(ev.Topic, ev.Message)
}

// Start launches the background Tick Driver. It returns ErrAlreadyStarted on
// a second call and ErrStopped after Stop. The driver exits when ctx is
// cancelled or Stop is called.
func (s *Scheduler[M]) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	s.wg.Add(1)
	go s.run(ctx)
	s.opts.log.Info("scheduler started", zap.Duration("tick_interval", s.opts.interval))
	return nil
}

// Stop shuts down the Tick Driver and waits for it to exit. Events still
// pending are abandoned. Stop is idempotent and safe to call without Start.
func (s *Scheduler[M]) Stop() {
	s.lifeMu.Lock()
	s.stopped.Do(func() { close(s.done) })
	s.lifeMu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler[M]) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.opts.log.Info("scheduler stopped", zap.Error(ctx.Err()), zap.Int("abandoned", s.Len()))
			return
		case <-s.done:
			s.opts.log.Info("scheduler stopped", zap.Int("abandoned", s.Len()))
			return
		case <-ticker.C:
			if err := s.Tick(); err != nil {
				s.logTickFailure(err)
			}
		}
	}
}

// logTickFailure throttles warnings so a persistently failing sink cannot
// flood the log at tick frequency.
func (s *Scheduler[M]) logTickFailure(err error) {
	failed := len(multierr.Errors(err))

	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if !s.warnLimiter.Allow() {
		s.suppressed += failed
		return
	}
	s.opts.log.Warn("dispatch failures during tick",
		zap.Int("failed", failed),
		zap.Int("suppressed_since_last", s.suppressed),
		zap.Error(err),
	)
	s.suppressed = 0
}
