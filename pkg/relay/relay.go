// Package relay forwards client events to the WebSocket hub and to
// external consumers over Redis and Kafka.
package relay

import (
	"context"
	"errors"

	"github.com/phenomenon0/surebet/pkg/streaming"

	"go.uber.org/zap"
)

// Publisher delivers one event.
type Publisher interface {
	Publish(ctx context.Context, event streaming.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event streaming.Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, event streaming.Event) error {
	return f(ctx, event)
}

// Fanout publishes every event to all of its targets. A failing target
// is logged and does not stop the others.
type Fanout struct {
	targets []Publisher
	logger  *zap.Logger
}

// NewFanout creates a fanout over targets. Nil targets are skipped.
func NewFanout(logger *zap.Logger, targets ...Publisher) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fanout{logger: logger}
	for _, t := range targets {
		if t != nil {
			f.targets = append(f.targets, t)
		}
	}
	return f
}

// Add appends a target.
func (f *Fanout) Add(p Publisher) {
	f.targets = append(f.targets, p)
}

// Len returns the number of targets.
func (f *Fanout) Len() int {
	return len(f.targets)
}

// Publish sends event to every target and returns the joined failures.
func (f *Fanout) Publish(ctx context.Context, event streaming.Event) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Publish(ctx, event); err != nil {
			f.logger.Warn("relay publish failed",
				zap.String("type", string(event.Type)),
				zap.String("key", event.Key),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Only wraps p so it receives only the listed event types.
func Only(p Publisher, types ...streaming.EventType) Publisher {
	allowed := make(map[streaming.EventType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return PublisherFunc(func(ctx context.Context, event streaming.Event) error {
		if !allowed[event.Type] {
			return nil
		}
		return p.Publish(ctx, event)
	})
}
