// Package inhibitor manages the logind shutdown inhibitor delay lock.
package inhibitor

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

const (
	inhibitWhat = "shutdown"
	inhibitWho  = "systemd-mqtt"
	inhibitWhy  = "Report shutdown via MQTT"
	inhibitMode = "delay"
)

// HostLocker takes logind inhibitor locks.
type HostLocker interface {
	Inhibit(ctx context.Context, what, who, why, mode string) (*os.File, error)
}

// Lock is a delay-mode shutdown inhibitor lock. While held, logind delays
// an impending shutdown long enough for the bridge to publish its final
// report. Acquire and Release are idempotent and safe for concurrent use.
type Lock struct {
	host HostLocker
	log  zerolog.Logger

	mu   sync.Mutex
	file *os.File
}

func New(host HostLocker, logger zerolog.Logger) *Lock {
	return &Lock{host: host, log: logger}
}

// Acquire takes the lock unless it is already held.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return nil // already held
	}
	file, err := l.host.Inhibit(ctx, inhibitWhat, inhibitWho, inhibitWhy, inhibitMode)
	if err != nil {
		return fmt.Errorf("acquire shutdown inhibitor lock: %w", err)
	}
	l.file = file
	l.log.Debug().Str("mode", inhibitMode).Msg("acquired shutdown inhibitor lock")
	return nil
}

// Release drops the lock by closing its file descriptor, letting a delayed
// shutdown proceed. Safe to call when not held.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("release shutdown inhibitor lock: %w", err)
	}
	l.log.Debug().Msg("released shutdown inhibitor lock")
	return nil
}

// Held reports whether the lock is currently held.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}
