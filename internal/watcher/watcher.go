// Package watcher reacts to logind's PrepareForShutdown signal.
package watcher

import (
	"context"

	"github.com/rs/zerolog"
)

// Lock is the shutdown inhibitor lock toggled by the watcher.
type Lock interface {
	Acquire(ctx context.Context) error
	Release() error
}

// Publisher sends retained status messages to the broker.
type Publisher interface {
	PublishRetained(topic, payload string) error
}

// Watcher consumes PrepareForShutdown events. On shutdown it publishes the
// retained report and only then releases the delay lock, so the message is
// out before logind proceeds. On cancellation it re-acquires the lock.
type Watcher struct {
	events <-chan bool
	lock   Lock
	pub    Publisher
	topic  string
	log    zerolog.Logger
}

func New(events <-chan bool, lock Lock, pub Publisher, topic string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		events: events,
		lock:   lock,
		pub:    pub,
		topic:  topic,
		log:    logger,
	}
}

// Run blocks until ctx is cancelled or the event channel closes.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case active, ok := <-w.events:
			if !ok {
				w.log.Debug().Msg("shutdown signal channel closed")
				return
			}
			w.handle(ctx, active)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, active bool) {
	if active {
		w.log.Info().Msg("system is preparing for shutdown")
		w.report("true")
		if err := w.lock.Release(); err != nil {
			w.log.Error().Err(err).Msg("failed to release shutdown inhibitor lock")
		}
		return
	}
	w.log.Info().Msg("pending shutdown was cancelled")
	w.report("false")
	if err := w.lock.Acquire(ctx); err != nil {
		w.log.Error().Err(err).Msg("failed to re-acquire shutdown inhibitor lock")
	}
}

func (w *Watcher) report(value string) {
	if w.pub == nil || w.topic == "" {
		return
	}
	if err := w.pub.PublishRetained(w.topic, value); err != nil {
		w.log.Warn().Err(err).Str("topic", w.topic).Msg("failed to publish shutdown report")
	}
}
