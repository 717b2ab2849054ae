package logind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	method string
	args   []interface{}
}

type fakeBusObject struct {
	calls       []recordedCall
	ret         *dbus.Call
	hadDeadline bool
}

func (f *fakeBusObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	_, f.hadDeadline = ctx.Deadline()
	f.calls = append(f.calls, recordedCall{method: method, args: args})
	if f.ret != nil {
		return f.ret
	}
	return &dbus.Call{}
}

func newTestManager(login, systemd *fakeBusObject) *Manager {
	return &Manager{
		login:   login,
		systemd: systemd,
		timeout: time.Second,
		log:     zerolog.Nop(),
	}
}

func TestScheduleShutdown(t *testing.T) {
	fake := &fakeBusObject{}
	m := newTestManager(fake, nil)

	at := time.Now().Add(time.Minute)
	require.NoError(t, m.ScheduleShutdown(context.Background(), ShutdownPoweroff, at))

	require.Len(t, fake.calls, 1)
	call := fake.calls[0]
	assert.Equal(t, "org.freedesktop.login1.Manager.ScheduleShutdown", call.method)
	assert.Equal(t, []interface{}{"poweroff", uint64(at.UnixMicro())}, call.args)
	assert.True(t, fake.hadDeadline, "calls must carry a deadline")
}

func TestScheduleShutdownRejectsUnknownAction(t *testing.T) {
	fake := &fakeBusObject{}
	m := newTestManager(fake, nil)

	err := m.ScheduleShutdown(context.Background(), "halt", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported shutdown action")
	assert.Empty(t, fake.calls, "invalid actions must not reach the bus")
}

func TestScheduleShutdownError(t *testing.T) {
	fake := &fakeBusObject{ret: &dbus.Call{
		Err: dbus.Error{Name: errNameAccessDenied},
	}}
	m := newTestManager(fake, nil)

	err := m.ScheduleShutdown(context.Background(), ShutdownReboot, time.Now())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
}

func TestCancelScheduledShutdown(t *testing.T) {
	fake := &fakeBusObject{ret: &dbus.Call{Body: []interface{}{true}}}
	m := newTestManager(fake, nil)

	cancelled, err := m.CancelScheduledShutdown(context.Background())
	require.NoError(t, err)
	assert.True(t, cancelled)
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "org.freedesktop.login1.Manager.CancelScheduledShutdown", fake.calls[0].method)
}

func TestSuspend(t *testing.T) {
	fake := &fakeBusObject{}
	m := newTestManager(fake, nil)

	require.NoError(t, m.Suspend(context.Background()))
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "org.freedesktop.login1.Manager.Suspend", fake.calls[0].method)
	assert.Equal(t, []interface{}{false}, fake.calls[0].args, "no interactive authorization")
}

func TestLockAllSessions(t *testing.T) {
	fake := &fakeBusObject{}
	m := newTestManager(fake, nil)

	require.NoError(t, m.LockAllSessions(context.Background()))
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "org.freedesktop.login1.Manager.LockSessions", fake.calls[0].method)
}

func TestCanPowerOff(t *testing.T) {
	fake := &fakeBusObject{ret: &dbus.Call{Body: []interface{}{"yes"}}}
	m := newTestManager(fake, nil)

	result, err := m.CanPowerOff(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "yes", result)
}

func TestPreparingForShutdown(t *testing.T) {
	fake := &fakeBusObject{ret: &dbus.Call{Body: []interface{}{dbus.MakeVariant(true)}}}
	m := newTestManager(fake, nil)

	preparing, err := m.PreparingForShutdown(context.Background())
	require.NoError(t, err)
	assert.True(t, preparing)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, "org.freedesktop.DBus.Properties.Get", fake.calls[0].method)
	assert.Equal(t, []interface{}{"org.freedesktop.login1.Manager", "PreparingForShutdown"},
		fake.calls[0].args)
}

func TestPreparingForShutdownBadType(t *testing.T) {
	fake := &fakeBusObject{ret: &dbus.Call{Body: []interface{}{dbus.MakeVariant("yes")}}}
	m := newTestManager(fake, nil)

	_, err := m.PreparingForShutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected type")
}

func TestListInhibitors(t *testing.T) {
	fake := &fakeBusObject{ret: &dbus.Call{Body: []interface{}{
		[][]interface{}{
			{"shutdown", "systemd-mqtt", "Report shutdown via MQTT", "delay", uint32(0), uint32(1234)},
			{"handle-lid-switch", "gnome", "External monitor attached", "block", uint32(1000), uint32(987)},
		},
	}}}
	m := newTestManager(fake, nil)

	inhibitors, err := m.ListInhibitors(context.Background())
	require.NoError(t, err)
	require.Len(t, inhibitors, 2)
	assert.Equal(t, Inhibitor{
		What: "shutdown", Who: "systemd-mqtt", Why: "Report shutdown via MQTT",
		Mode: "delay", UID: 0, PID: 1234,
	}, inhibitors[0])
	assert.Equal(t, "block", inhibitors[1].Mode)
}

func TestInhibit(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	// Dup so the returned file owns its descriptor, as with a real reply.
	dupFD, err := syscall.Dup(int(r.Fd()))
	require.NoError(t, err)

	fake := &fakeBusObject{ret: &dbus.Call{Body: []interface{}{dbus.UnixFD(dupFD)}}}
	m := newTestManager(fake, nil)

	file, err := m.Inhibit(context.Background(), "shutdown", "systemd-mqtt", "Report shutdown via MQTT", "delay")
	require.NoError(t, err)
	require.NotNil(t, file)
	require.NoError(t, file.Close())

	require.Len(t, fake.calls, 1)
	assert.Equal(t, "org.freedesktop.login1.Manager.Inhibit", fake.calls[0].method)
	assert.Equal(t, []interface{}{"shutdown", "systemd-mqtt", "Report shutdown via MQTT", "delay"},
		fake.calls[0].args)
}

func TestInhibitInvalidFD(t *testing.T) {
	fake := &fakeBusObject{ret: &dbus.Call{Body: []interface{}{dbus.UnixFD(-1)}}}
	m := newTestManager(fake, nil)

	_, err := m.Inhibit(context.Background(), "shutdown", "x", "y", "delay")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid file descriptor")
}

func TestStartUnit(t *testing.T) {
	fake := &fakeBusObject{ret: &dbus.Call{Body: []interface{}{dbus.ObjectPath("/org/freedesktop/systemd1/job/42")}}}
	m := newTestManager(nil, fake)

	require.NoError(t, m.StartUnit(context.Background(), "wakeup.service"))
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "org.freedesktop.systemd1.Manager.StartUnit", fake.calls[0].method)
	assert.Equal(t, []interface{}{"wakeup.service", "replace"}, fake.calls[0].args)
}

func TestIsUnauthorized(t *testing.T) {
	interactive := dbus.Error{Name: errNameInteractiveAuthRequired}
	denied := dbus.Error{Name: errNameAccessDenied}
	other := dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownMethod"}

	assert.True(t, IsUnauthorized(interactive))
	assert.True(t, IsUnauthorized(denied))
	assert.True(t, IsUnauthorized(fmt.Errorf("schedule poweroff: %w", denied)))
	assert.False(t, IsUnauthorized(other))
	assert.False(t, IsUnauthorized(errors.New("plain error")))
	assert.False(t, IsUnauthorized(nil))
}
