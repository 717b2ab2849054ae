// Package logind wraps the org.freedesktop.login1 and org.freedesktop.systemd1
// D-Bus interfaces used by the bridge.
package logind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	loginService   = "org.freedesktop.login1"
	loginPath      = dbus.ObjectPath("/org/freedesktop/login1")
	loginInterface = "org.freedesktop.login1.Manager"

	systemdService   = "org.freedesktop.systemd1"
	systemdPath      = dbus.ObjectPath("/org/freedesktop/systemd1")
	systemdInterface = "org.freedesktop.systemd1.Manager"

	defaultCallTimeout = 5 * time.Second
)

// Shutdown actions accepted by ScheduleShutdown.
const (
	ShutdownPoweroff = "poweroff"
	ShutdownReboot   = "reboot"
)

// D-Bus error names raised when a call lacks polkit authorization.
const (
	errNameInteractiveAuthRequired = "org.freedesktop.DBus.Error.InteractiveAuthorizationRequired"
	errNameAccessDenied            = "org.freedesktop.DBus.Error.AccessDenied"
)

// busObject is the slice of dbus.BusObject the manager needs. Tests
// substitute a fake.
type busObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Inhibitor describes one active logind inhibitor lock.
type Inhibitor struct {
	What string
	Who  string
	Why  string
	Mode string
	UID  uint32
	PID  uint32
}

// Manager issues calls on the system bus. All methods bound a call with an
// internal timeout, so callers may pass a long-lived context.
type Manager struct {
	conn    *dbus.Conn
	login   busObject
	systemd busObject
	timeout time.Duration
	log     zerolog.Logger
}

// Connect opens the system bus. The sequential signal handler guarantees
// that subscribed signal channels are closed when the connection closes.
func Connect(logger zerolog.Logger) (*Manager, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithSignalHandler(dbus.NewSequentialSignalHandler()))
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return newManager(conn, logger), nil
}

func newManager(conn *dbus.Conn, logger zerolog.Logger) *Manager {
	return &Manager{
		conn:    conn,
		login:   conn.Object(loginService, loginPath),
		systemd: conn.Object(systemdService, systemdPath),
		timeout: defaultCallTimeout,
		log:     logger,
	}
}

// Close closes the bus connection and thereby terminates signal delivery.
func (m *Manager) Close() error {
	return m.conn.Close()
}

func (m *Manager) call(ctx context.Context, obj busObject, method string, args ...interface{}) *dbus.Call {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return obj.CallWithContext(ctx, method, 0, args...)
}

// ScheduleShutdown schedules a poweroff or reboot at the given wall-clock
// time via login1, mirroring `shutdown` and `systemctl poweroff --when`.
func (m *Manager) ScheduleShutdown(ctx context.Context, action string, at time.Time) error {
	switch action {
	case ShutdownPoweroff, ShutdownReboot:
	default:
		return fmt.Errorf("unsupported shutdown action %q", action)
	}
	call := m.call(ctx, m.login, loginInterface+".ScheduleShutdown", action, uint64(at.UnixMicro()))
	if call.Err != nil {
		return fmt.Errorf("schedule %s: %w", action, call.Err)
	}
	return nil
}

// CancelScheduledShutdown cancels a pending scheduled shutdown. The
// returned bool reports whether one was actually pending.
func (m *Manager) CancelScheduledShutdown(ctx context.Context) (bool, error) {
	call := m.call(ctx, m.login, loginInterface+".CancelScheduledShutdown")
	if call.Err != nil {
		return false, fmt.Errorf("cancel scheduled shutdown: %w", call.Err)
	}
	var cancelled bool
	if err := call.Store(&cancelled); err != nil {
		return false, fmt.Errorf("cancel scheduled shutdown: %w", err)
	}
	return cancelled, nil
}

// Suspend suspends the system immediately, without interactive
// authorization prompts.
func (m *Manager) Suspend(ctx context.Context) error {
	call := m.call(ctx, m.login, loginInterface+".Suspend", false)
	if call.Err != nil {
		return fmt.Errorf("suspend: %w", call.Err)
	}
	return nil
}

// LockAllSessions asks the session managers of all active sessions to lock
// their screens.
func (m *Manager) LockAllSessions(ctx context.Context) error {
	call := m.call(ctx, m.login, loginInterface+".LockSessions")
	if call.Err != nil {
		return fmt.Errorf("lock sessions: %w", call.Err)
	}
	return nil
}

// CanPowerOff returns login1's poweroff capability for this process, one of
// "yes", "no", "challenge" or "na".
func (m *Manager) CanPowerOff(ctx context.Context) (string, error) {
	call := m.call(ctx, m.login, loginInterface+".CanPowerOff")
	if call.Err != nil {
		return "", fmt.Errorf("query poweroff capability: %w", call.Err)
	}
	var result string
	if err := call.Store(&result); err != nil {
		return "", fmt.Errorf("query poweroff capability: %w", err)
	}
	return result, nil
}

// ListInhibitors returns all currently held inhibitor locks.
func (m *Manager) ListInhibitors(ctx context.Context) ([]Inhibitor, error) {
	call := m.call(ctx, m.login, loginInterface+".ListInhibitors")
	if call.Err != nil {
		return nil, fmt.Errorf("list inhibitors: %w", call.Err)
	}
	var inhibitors []Inhibitor
	if err := call.Store(&inhibitors); err != nil {
		return nil, fmt.Errorf("list inhibitors: %w", err)
	}
	return inhibitors, nil
}

// PreparingForShutdown reads login1's PreparingForShutdown property. It is
// true from the moment PrepareForShutdown(true) fires until the shutdown
// completes or is cancelled.
func (m *Manager) PreparingForShutdown(ctx context.Context) (bool, error) {
	call := m.call(ctx, m.login, "org.freedesktop.DBus.Properties.Get",
		loginInterface, "PreparingForShutdown")
	if call.Err != nil {
		return false, fmt.Errorf("query PreparingForShutdown: %w", call.Err)
	}
	var v dbus.Variant
	if err := call.Store(&v); err != nil {
		return false, fmt.Errorf("query PreparingForShutdown: %w", err)
	}
	preparing, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("query PreparingForShutdown: unexpected type %T", v.Value())
	}
	return preparing, nil
}

// Inhibit takes an inhibitor lock. The lock is held until the returned
// file is closed.
func (m *Manager) Inhibit(ctx context.Context, what, who, why, mode string) (*os.File, error) {
	call := m.call(ctx, m.login, loginInterface+".Inhibit", what, who, why, mode)
	if call.Err != nil {
		return nil, fmt.Errorf("inhibit %s: %w", what, call.Err)
	}
	var fd dbus.UnixFD
	if err := call.Store(&fd); err != nil {
		return nil, fmt.Errorf("inhibit %s: %w", what, err)
	}
	file := os.NewFile(uintptr(fd), "inhibitor:"+what)
	if file == nil {
		return nil, fmt.Errorf("inhibit %s: invalid file descriptor %d", what, fd)
	}
	return file, nil
}

// StartUnit enqueues a start job for the named unit, replacing any
// conflicting queued jobs.
func (m *Manager) StartUnit(ctx context.Context, name string) error {
	call := m.call(ctx, m.systemd, systemdInterface+".StartUnit", name, "replace")
	if call.Err != nil {
		return fmt.Errorf("start unit %s: %w", name, call.Err)
	}
	var job dbus.ObjectPath
	if err := call.Store(&job); err != nil {
		return fmt.Errorf("start unit %s: %w", name, err)
	}
	m.log.Debug().Str("unit", name).Str("job", string(job)).Msg("start job enqueued")
	return nil
}

// IsUnauthorized reports whether err is a D-Bus authorization failure,
// typically caused by missing polkit rules.
func IsUnauthorized(err error) bool {
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		return false
	}
	return dbusErr.Name == errNameInteractiveAuthRequired || dbusErr.Name == errNameAccessDenied
}
