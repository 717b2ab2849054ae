// Package action maps MQTT command topics to systemd operations.
package action

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eberhagen/systemd-mqtt/internal/logind"
)

// HostController is the slice of the logind manager the registry invokes.
type HostController interface {
	ScheduleShutdown(ctx context.Context, action string, at time.Time) error
	CancelScheduledShutdown(ctx context.Context) (bool, error)
	Suspend(ctx context.Context) error
	LockAllSessions(ctx context.Context) error
	StartUnit(ctx context.Context, name string) error
	ListInhibitors(ctx context.Context) ([]logind.Inhibitor, error)
}

// Action is a host operation triggered by an MQTT message.
type Action struct {
	// Name is the topic suffix below the configured prefix.
	Name string
	// Invoke runs the operation. The payload is the raw MQTT message body.
	Invoke func(ctx context.Context, payload []byte) error
}

// Options configures the built-in action set.
type Options struct {
	// ShutdownDelay postpones poweroff and reboot to give subscribers a
	// chance to react.
	ShutdownDelay time.Duration
	// Units lists systemd units exposed as start-unit/<name> topics.
	Units []string
}

// Registry holds the fixed set of actions built at startup. It is
// read-only afterwards and safe for concurrent use.
type Registry struct {
	ctl     HostController
	delay   time.Duration
	actions map[string]Action
	log     zerolog.Logger

	now func() time.Time
}

func NewRegistry(ctl HostController, opts Options, logger zerolog.Logger) *Registry {
	r := &Registry{
		ctl:     ctl,
		delay:   opts.ShutdownDelay,
		actions: make(map[string]Action),
		log:     logger,
		now:     time.Now,
	}

	r.register("poweroff", func(ctx context.Context, _ []byte) error {
		return r.scheduleShutdown(ctx, logind.ShutdownPoweroff, r.delay)
	})
	r.register("reboot", func(ctx context.Context, _ []byte) error {
		return r.scheduleShutdown(ctx, logind.ShutdownReboot, r.delay)
	})
	r.register("suspend", func(ctx context.Context, _ []byte) error {
		return hintUnauthorized(r.ctl.Suspend(ctx))
	})
	r.register("lock-all-sessions", func(ctx context.Context, _ []byte) error {
		return hintUnauthorized(r.ctl.LockAllSessions(ctx))
	})
	r.register("schedule-poweroff", func(ctx context.Context, payload []byte) error {
		return r.scheduleFromPayload(ctx, logind.ShutdownPoweroff, payload)
	})
	r.register("schedule-reboot", func(ctx context.Context, payload []byte) error {
		return r.scheduleFromPayload(ctx, logind.ShutdownReboot, payload)
	})
	r.register("cancel-shutdown", func(ctx context.Context, _ []byte) error {
		return r.cancelShutdown(ctx)
	})
	for _, unit := range opts.Units {
		r.register("start-unit/"+unit, func(ctx context.Context, _ []byte) error {
			return hintUnauthorized(r.ctl.StartUnit(ctx, unit))
		})
	}
	return r
}

func (r *Registry) register(name string, invoke func(context.Context, []byte) error) {
	r.actions[name] = Action{Name: name, Invoke: invoke}
}

// Resolve returns the action registered for a topic suffix.
func (r *Registry) Resolve(suffix string) (Action, bool) {
	a, ok := r.actions[suffix]
	return a, ok
}

// Suffixes returns all registered topic suffixes, sorted.
func (r *Registry) Suffixes() []string {
	suffixes := make([]string, 0, len(r.actions))
	for name := range r.actions {
		suffixes = append(suffixes, name)
	}
	sort.Strings(suffixes)
	return suffixes
}

func (r *Registry) scheduleShutdown(ctx context.Context, action string, delay time.Duration) error {
	at := r.now().Add(delay)
	r.log.Info().Str("action", action).Time("at", at).Msg("scheduling shutdown")
	err := r.ctl.ScheduleShutdown(ctx, action, at)
	// After the call: the listing covers locks delaying the shutdown
	// just scheduled, and runs even when scheduling failed.
	r.logShutdownInhibitors(ctx)
	return hintUnauthorized(err)
}

func (r *Registry) scheduleFromPayload(ctx context.Context, action string, payload []byte) error {
	delay := time.Duration(0)
	if s := strings.TrimSpace(string(payload)); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse shutdown delay %q: %w", s, err)
		}
		if d < 0 {
			return fmt.Errorf("shutdown delay %q must not be negative", s)
		}
		delay = d
	}
	return r.scheduleShutdown(ctx, action, delay)
}

func (r *Registry) cancelShutdown(ctx context.Context) error {
	cancelled, err := r.ctl.CancelScheduledShutdown(ctx)
	if err != nil {
		return hintUnauthorized(err)
	}
	if cancelled {
		r.log.Info().Msg("cancelled scheduled shutdown")
	} else {
		r.log.Info().Msg("no scheduled shutdown to cancel")
	}
	return nil
}

// logShutdownInhibitors lists processes holding shutdown inhibitor locks,
// a diagnostic for shutdowns that stall. Only runs at debug level.
func (r *Registry) logShutdownInhibitors(ctx context.Context) {
	if !r.log.Debug().Enabled() {
		return
	}
	inhibitors, err := r.ctl.ListInhibitors(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to fetch shutdown inhibitors")
		return
	}
	found := false
	for _, in := range inhibitors {
		if !strings.Contains(in.What, "shutdown") {
			continue
		}
		found = true
		r.log.Debug().
			Str("who", in.Who).Str("why", in.Why).Str("mode", in.Mode).
			Uint32("uid", in.UID).Uint32("pid", in.PID).
			Msg("detected shutdown inhibitor")
	}
	if !found {
		r.log.Debug().Msg("no shutdown inhibitor locks found")
	}
}

func hintUnauthorized(err error) error {
	if err != nil && logind.IsUnauthorized(err) {
		return fmt.Errorf("unauthorized (missing polkit authorization rules?): %w", err)
	}
	return err
}
