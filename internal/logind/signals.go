package logind

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	prepareForShutdownMember = "PrepareForShutdown"
	prepareForShutdownSignal = loginInterface + "." + prepareForShutdownMember
)

// SubscribePrepareForShutdown subscribes to login1's PrepareForShutdown
// signal. The returned channel carries the signal's boolean payload: true
// when a shutdown begins, false when one is cancelled. It is closed when
// the bus connection closes.
func (m *Manager) SubscribePrepareForShutdown() (<-chan bool, error) {
	if err := m.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(loginPath),
		dbus.WithMatchInterface(loginInterface),
		dbus.WithMatchMember(prepareForShutdownMember),
	); err != nil {
		return nil, fmt.Errorf("match PrepareForShutdown signal: %w", err)
	}
	sigCh := make(chan *dbus.Signal, 16)
	m.conn.Signal(sigCh)
	out := make(chan bool, 16)
	go forwardSignals(sigCh, out, m.log)
	return out, nil
}

// forwardSignals translates matched bus signals into their boolean payload.
// It exits and closes out when the signal channel is closed, which the
// sequential signal handler does on connection close.
func forwardSignals(in <-chan *dbus.Signal, out chan<- bool, log zerolog.Logger) {
	defer close(out)
	for sig := range in {
		if sig.Name != prepareForShutdownSignal {
			continue
		}
		if len(sig.Body) != 1 {
			log.Warn().Str("signal", sig.Name).Int("args", len(sig.Body)).
				Msg("unexpected signal body")
			continue
		}
		active, ok := sig.Body[0].(bool)
		if !ok {
			log.Warn().Str("signal", sig.Name).Msg("unexpected signal payload type")
			continue
		}
		log.Debug().Bool("active", active).Msg("received PrepareForShutdown signal")
		out <- active
	}
}
