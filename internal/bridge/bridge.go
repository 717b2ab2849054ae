// Package bridge runs the MQTT side of the daemon: it owns the broker
// connection, dispatches command messages to actions and reports shutdown
// state back to the broker.
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/eberhagen/systemd-mqtt/internal/action"
	"github.com/eberhagen/systemd-mqtt/internal/config"
	"github.com/eberhagen/systemd-mqtt/internal/watcher"
)

const (
	eventChanSize = 64

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Publisher sends retained messages. Satisfied by netClient.
type Publisher interface {
	PublishRetained(topic, payload string) error
}

// StatusSource reports whether the host is currently preparing to shut
// down, so the retained report can be refreshed on every (re)connect.
type StatusSource interface {
	PreparingForShutdown(ctx context.Context) (bool, error)
}

// event feeds the dispatch loop. connected marks a connection event,
// otherwise msg holds an inbound message.
type event struct {
	connected bool
	msg       Message
}

// Options assembles a Runtime.
type Options struct {
	Config   *config.Config
	Registry *action.Registry
	Lock     Lock
	// Signals carries PrepareForShutdown events; may be nil when signal
	// subscription is unavailable.
	Signals <-chan bool
	// Status may be nil; the retained report is then only updated on
	// signal events.
	Status StatusSource
	Logger zerolog.Logger
}

// Runtime manages the bridge lifecycle around a persistent MQTT connection.
// Connection and message callbacks are funneled into a single dispatch
// goroutine, so action handlers never run concurrently.
type Runtime struct {
	cfg      *config.Config
	registry *action.Registry
	lock     Lock
	signals  <-chan bool
	status   StatusSource
	log      zerolog.Logger

	state  atomic.Int32
	events chan event

	done     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	readyOnce sync.Once

	client mqttClient

	// newClient and notify are swapped out by tests.
	newClient func(*mqtt.ClientOptions) mqttClient
	notify    func(state string)
}

func New(opts Options) *Runtime {
	rt := &Runtime{
		cfg:      opts.Config,
		registry: opts.Registry,
		lock:     opts.Lock,
		signals:  opts.Signals,
		status:   opts.Status,
		log:      opts.Logger,
		events:   make(chan event, eventChanSize),
		done:     make(chan struct{}),
		stopCh:   make(chan struct{}),
		newClient: func(o *mqtt.ClientOptions) mqttClient {
			return mqtt.NewClient(o)
		},
	}
	rt.notify = rt.sdNotify
	rt.state.Store(int32(StateConnecting))
	return rt
}

// State returns the current lifecycle phase.
func (rt *Runtime) State() State {
	return State(rt.state.Load())
}

func (rt *Runtime) setState(s State) {
	rt.state.Store(int32(s))
	rt.log.Debug().Stringer("state", s).Msg("state changed")
}

// Stop signals the runtime to shut down gracefully.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() {
		close(rt.stopCh)
	})
}

// Run connects to the broker and blocks until ctx is cancelled or Stop is
// called. It may be called once. A failed initial connection is fatal;
// later drops are retried by the client with capped backoff.
func (rt *Runtime) Run(ctx context.Context) error {
	// Credential misconfiguration must fail before any network I/O.
	if err := rt.cfg.Validate(); err != nil {
		return err
	}

	opts, err := rt.clientOptions()
	if err != nil {
		return err
	}
	rt.client = rt.newClient(opts)

	nc := &netClient{client: rt.client, handler: rt.onMessage}
	dispatcher := NewDispatcher(rt.registry, rt.lock, nc, rt.cfg.MQTT.TopicPrefix, rt.log)

	// Detached from the parent so teardown still has a live context for
	// the final publishes and D-Bus calls.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.dispatchLoop(runCtx, dispatcher, nc)
	}()
	if rt.signals != nil {
		w := watcher.New(rt.signals, rt.lock, nc, rt.reportTopic(), rt.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(runCtx)
		}()
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.watchdogLoop(interval)
		}()
	}

	rt.log.Info().Str("broker", rt.cfg.Broker()).Str("client_id", rt.cfg.MQTT.ClientID).
		Msg("connecting to MQTT broker")
	token := rt.client.Connect()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			rt.teardown(cancel, &wg)
			return fmt.Errorf("connect to MQTT broker: %w", err)
		}
	case <-ctx.Done():
		rt.teardown(cancel, &wg)
		return ctx.Err()
	case <-rt.stopCh:
		rt.teardown(cancel, &wg)
		return nil
	}

	select {
	case <-ctx.Done():
		rt.log.Info().Msg("context cancelled, shutting down")
		rt.teardown(cancel, &wg)
		return ctx.Err()
	case <-rt.stopCh:
		rt.log.Info().Msg("stop requested, shutting down")
		rt.teardown(cancel, &wg)
		return nil
	}
}

// dispatchLoop is the single goroutine that handles connection and message
// events.
func (rt *Runtime) dispatchLoop(ctx context.Context, d *Dispatcher, pub Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rt.events:
			if s := rt.State(); s == StateTerminating || s == StateStopped {
				continue
			}
			if ev.connected {
				rt.handleConnected(ctx, d, pub)
				continue
			}
			d.HandleMessage(ctx, ev.msg)
		}
	}
}

func (rt *Runtime) handleConnected(ctx context.Context, d *Dispatcher, pub Publisher) {
	rt.setState(StateSubscribing)
	rt.publishAvailability(pub, availabilityOnline)
	rt.publishShutdownState(ctx, pub)
	d.HandleConnect(ctx)
	rt.setState(StateRunning)
	rt.readyOnce.Do(func() {
		rt.notify(daemon.SdNotifyReady)
	})
}

func (rt *Runtime) teardown(cancel context.CancelFunc, wg *sync.WaitGroup) {
	rt.setState(StateTerminating)
	rt.notify(daemon.SdNotifyStopping)
	rt.publishAvailability(rt.directPublisher(), availabilityOffline)
	close(rt.done)
	rt.client.Disconnect(disconnectQuiesceMs)
	cancel()
	wg.Wait()
	if err := rt.lock.Release(); err != nil {
		rt.log.Warn().Err(err).Msg("failed to release shutdown inhibitor lock")
	}
	rt.setState(StateStopped)
	rt.log.Info().Msg("bridge stopped")
}

// onConnect runs in the client's callback goroutine on every (re)connect.
func (rt *Runtime) onConnect(mqtt.Client) {
	rt.log.Debug().Msg("connected to MQTT broker")
	rt.enqueue(event{connected: true})
}

func (rt *Runtime) onConnectionLost(_ mqtt.Client, err error) {
	rt.log.Warn().Err(err).Msg("connection to MQTT broker lost")
}

func (rt *Runtime) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	rt.log.Info().Msg("reconnecting to MQTT broker")
}

func (rt *Runtime) onMessage(_ mqtt.Client, m mqtt.Message) {
	rt.enqueue(event{msg: Message{
		Topic:    m.Topic(),
		Payload:  m.Payload(),
		Retained: m.Retained(),
	}})
}

// enqueue blocks until the dispatch loop accepts the event or teardown has
// started. Commands are rare, so backpressure is preferable to dropping.
func (rt *Runtime) enqueue(ev event) {
	select {
	case rt.events <- ev:
	case <-rt.done:
	}
}

func (rt *Runtime) publishAvailability(pub Publisher, value string) {
	if rt.client == nil || !rt.client.IsConnected() {
		return
	}
	if err := pub.PublishRetained(rt.statusTopic(), value); err != nil {
		rt.log.Warn().Err(err).Str("status", value).Msg("failed to publish availability")
	}
}

func (rt *Runtime) publishShutdownState(ctx context.Context, pub Publisher) {
	if rt.status == nil {
		return
	}
	preparing, err := rt.status.PreparingForShutdown(ctx)
	if err != nil {
		rt.log.Warn().Err(err).Msg("failed to query PreparingForShutdown")
		return
	}
	if err := pub.PublishRetained(rt.reportTopic(), strconv.FormatBool(preparing)); err != nil {
		rt.log.Warn().Err(err).Msg("failed to publish shutdown report")
	}
}

func (rt *Runtime) directPublisher() Publisher {
	return &netClient{client: rt.client}
}

func (rt *Runtime) statusTopic() string {
	return rt.cfg.MQTT.TopicPrefix + "/status"
}

func (rt *Runtime) reportTopic() string {
	return rt.cfg.MQTT.TopicPrefix + "/preparing-for-shutdown"
}

func (rt *Runtime) watchdogLoop(interval time.Duration) {
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-rt.done:
			return
		case <-ticker.C:
			rt.notify(daemon.SdNotifyWatchdog)
		}
	}
}

func (rt *Runtime) sdNotify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		rt.log.Debug().Err(err).Msg("sd_notify failed")
	}
}
