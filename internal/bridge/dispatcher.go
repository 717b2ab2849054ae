package bridge

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eberhagen/systemd-mqtt/internal/action"
)

// Message is an inbound MQTT message, detached from the client library.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Subscriber registers interest in a topic. Satisfied by netClient.
type Subscriber interface {
	Subscribe(topic string) error
}

// Lock is the shutdown inhibitor lock shared between dispatcher, watcher
// and runtime.
type Lock interface {
	Acquire(ctx context.Context) error
	Release() error
}

// Dispatcher wires broker events to the action registry.
type Dispatcher struct {
	registry *action.Registry
	lock     Lock
	sub      Subscriber
	prefix   string
	log      zerolog.Logger
}

func NewDispatcher(registry *action.Registry, lock Lock, sub Subscriber, prefix string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		lock:     lock,
		sub:      sub,
		prefix:   prefix,
		log:      logger,
	}
}

// HandleConnect subscribes to every action topic, then acquires the
// inhibitor lock. Acquiring first would open a window where shutdown is
// delayed while no trigger can be heard yet. Runs after every (re)connect;
// the lock acquire is idempotent.
func (d *Dispatcher) HandleConnect(ctx context.Context) {
	for _, suffix := range d.registry.Suffixes() {
		topic := d.prefix + "/" + suffix
		d.log.Info().Str("topic", topic).Msg("subscribing")
		if err := d.sub.Subscribe(topic); err != nil {
			d.log.Error().Err(err).Str("topic", topic).Msg("subscribe failed")
			continue
		}
		d.log.Debug().Str("topic", topic).Str("action", suffix).Msg("registered action for topic")
	}
	if err := d.lock.Acquire(ctx); err != nil {
		d.log.Error().Err(err).
			Msg("failed to acquire shutdown inhibitor lock; shutdown will not be delayed")
	}
}

// HandleMessage runs the action addressed by the message topic. Retained
// messages never trigger actions; a stale retained command replayed by the
// broker must not shut the machine down.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg Message) {
	d.log.Debug().Str("topic", msg.Topic).Bytes("payload", msg.Payload).Msg("received message")
	if msg.Retained {
		d.log.Info().Str("topic", msg.Topic).Msg("ignoring retained message")
		return
	}
	suffix, ok := strings.CutPrefix(msg.Topic, d.prefix+"/")
	if !ok {
		d.log.Warn().Str("topic", msg.Topic).Msg("message outside topic prefix")
		return
	}
	act, ok := d.registry.Resolve(suffix)
	if !ok {
		d.log.Warn().Str("topic", msg.Topic).Msg("no action registered for topic")
		return
	}
	d.log.Debug().Str("action", act.Name).Msg("executing action")
	if err := act.Invoke(ctx, msg.Payload); err != nil {
		d.log.Error().Err(err).Str("action", act.Name).Msg("action failed")
		return
	}
	d.log.Debug().Str("action", act.Name).Msg("completed action")
}
