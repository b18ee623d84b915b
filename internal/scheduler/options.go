package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/epochtick/internal/eventid"
	"github.com/snehjoshi/epochtick/internal/metrics"
)

// DefaultTickInterval is the Tick Driver period used when none is configured.
const DefaultTickInterval = 100 * time.Millisecond

type options struct {
	interval time.Duration
	clock    func() time.Time
	log      *zap.Logger
	metrics  *metrics.Registry
	newID    func() (string, error)
}

func defaultOptions() options {
	return options{
		interval: DefaultTickInterval,
		clock:    time.Now,
		log:      zap.NewNop(),
		newID:    eventid.New,
	}
}

// Option configures a Scheduler.
type Option func(*options)

// WithTickInterval sets how often the background Tick Driver wakes up.
// Non-positive values are ignored.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithClock replaces time.Now as the source of "current time". Both Tick and
// Report read it; tests use it to step time deterministically.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics attaches a metrics registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *options) { o.metrics = reg }
}

// WithIDGenerator replaces the ULID generator used for event IDs.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}
