// Package sink provides dispatch sinks for JSON payloads: a diagnostic logger,
// an HTTP webhook, and a fan-out that combines several sinks into one.
package sink

import (
	"encoding/json"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/snehjoshi/epochtick/internal/scheduler"
)

// Func is the sink shape used by the server binary.
type Func = scheduler.Sink[json.RawMessage]

// Log returns a sink that writes every event to log at debug level.
func Log(log *zap.Logger) Func {
	return func(topic string, message json.RawMessage) error {
		log.Debug("dispatch",
			zap.String("topic", topic),
			zap.ByteString("message", message),
		)
		return nil
	}
}

// Fanout calls every non-nil sink for each event, even if an earlier one
// failed, and returns their combined errors.
func Fanout(sinks ...Func) Func {
	live := make([]Func, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return func(topic string, message json.RawMessage) error {
		var errs error
		for _, s := range live {
			errs = multierr.Append(errs, s(topic, message))
		}
		return errs
	}
}
