package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eberhagen/systemd-mqtt/internal/logind"
)

type scheduledShutdown struct {
	action string
	at     time.Time
}

type fakeController struct {
	err error

	scheduled     []scheduledShutdown
	cancelCalls   int
	cancelPending bool
	suspendCalls  int
	lockCalls     int
	startedUnits  []string

	inhibitors    []logind.Inhibitor
	inhibitorsErr error
	listCalls     int

	order []string
}

func (f *fakeController) ScheduleShutdown(_ context.Context, action string, at time.Time) error {
	f.order = append(f.order, "schedule")
	if f.err != nil {
		return f.err
	}
	f.scheduled = append(f.scheduled, scheduledShutdown{action: action, at: at})
	return nil
}

func (f *fakeController) CancelScheduledShutdown(context.Context) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.cancelCalls++
	return f.cancelPending, nil
}

func (f *fakeController) Suspend(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.suspendCalls++
	return nil
}

func (f *fakeController) LockAllSessions(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.lockCalls++
	return nil
}

func (f *fakeController) StartUnit(_ context.Context, name string) error {
	if f.err != nil {
		return f.err
	}
	f.startedUnits = append(f.startedUnits, name)
	return nil
}

func (f *fakeController) ListInhibitors(context.Context) ([]logind.Inhibitor, error) {
	f.listCalls++
	f.order = append(f.order, "list")
	return f.inhibitors, f.inhibitorsErr
}

func invoke(t *testing.T, r *Registry, suffix string, payload string) error {
	t.Helper()
	a, ok := r.Resolve(suffix)
	require.True(t, ok, "action %q must be registered", suffix)
	return a.Invoke(context.Background(), []byte(payload))
}

func TestPoweroffSchedulesWithDelay(t *testing.T) {
	fake := &fakeController{}
	r := NewRegistry(fake, Options{ShutdownDelay: 30 * time.Second}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	require.NoError(t, invoke(t, r, "poweroff", ""))

	require.Len(t, fake.scheduled, 1)
	assert.Equal(t, "poweroff", fake.scheduled[0].action)
	assert.Equal(t, now.Add(30*time.Second), fake.scheduled[0].at)
}

func TestRebootSchedulesImmediatelyByDefault(t *testing.T) {
	fake := &fakeController{}
	r := NewRegistry(fake, Options{}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	require.NoError(t, invoke(t, r, "reboot", ""))

	require.Len(t, fake.scheduled, 1)
	assert.Equal(t, "reboot", fake.scheduled[0].action)
	assert.Equal(t, now, fake.scheduled[0].at)
}

func TestSuspend(t *testing.T) {
	fake := &fakeController{}
	r := NewRegistry(fake, Options{}, zerolog.Nop())

	require.NoError(t, invoke(t, r, "suspend", ""))
	assert.Equal(t, 1, fake.suspendCalls)
}

func TestLockAllSessions(t *testing.T) {
	fake := &fakeController{}
	r := NewRegistry(fake, Options{}, zerolog.Nop())

	require.NoError(t, invoke(t, r, "lock-all-sessions", ""))
	assert.Equal(t, 1, fake.lockCalls)
}

func TestSchedulePoweroffParsesPayload(t *testing.T) {
	fake := &fakeController{}
	r := NewRegistry(fake, Options{ShutdownDelay: time.Hour}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	require.NoError(t, invoke(t, r, "schedule-poweroff", "5m"))
	require.Len(t, fake.scheduled, 1)
	assert.Equal(t, now.Add(5*time.Minute), fake.scheduled[0].at,
		"payload delay overrides the configured one")

	require.NoError(t, invoke(t, r, "schedule-reboot", " \n"))
	require.Len(t, fake.scheduled, 2)
	assert.Equal(t, now, fake.scheduled[1].at, "blank payload means now")
}

func TestScheduleRejectsBadPayload(t *testing.T) {
	fake := &fakeController{}
	r := NewRegistry(fake, Options{}, zerolog.Nop())

	err := invoke(t, r, "schedule-poweroff", "tomorrow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse shutdown delay")

	err = invoke(t, r, "schedule-poweroff", "-5m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")

	assert.Empty(t, fake.scheduled, "invalid payloads must not schedule anything")
}

func TestCancelShutdown(t *testing.T) {
	fake := &fakeController{cancelPending: true}
	r := NewRegistry(fake, Options{}, zerolog.Nop())

	require.NoError(t, invoke(t, r, "cancel-shutdown", ""))
	assert.Equal(t, 1, fake.cancelCalls)
}

func TestStartUnitActions(t *testing.T) {
	fake := &fakeController{}
	r := NewRegistry(fake, Options{Units: []string{"wakeup.service", "backup.timer"}}, zerolog.Nop())

	require.NoError(t, invoke(t, r, "start-unit/wakeup.service", ""))
	require.NoError(t, invoke(t, r, "start-unit/backup.timer", ""))
	assert.Equal(t, []string{"wakeup.service", "backup.timer"}, fake.startedUnits)

	_, ok := r.Resolve("start-unit/other.service")
	assert.False(t, ok, "unlisted units must not be exposed")
}

func TestSuffixesSorted(t *testing.T) {
	r := NewRegistry(&fakeController{}, Options{Units: []string{"b.service", "a.service"}}, zerolog.Nop())

	assert.Equal(t, []string{
		"cancel-shutdown",
		"lock-all-sessions",
		"poweroff",
		"reboot",
		"schedule-poweroff",
		"schedule-reboot",
		"start-unit/a.service",
		"start-unit/b.service",
		"suspend",
	}, r.Suffixes())
}

func TestResolveUnknown(t *testing.T) {
	r := NewRegistry(&fakeController{}, Options{}, zerolog.Nop())
	_, ok := r.Resolve("halt")
	assert.False(t, ok)
}

func TestUnauthorizedHint(t *testing.T) {
	denied := fmt.Errorf("schedule poweroff: %w",
		dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied"})
	fake := &fakeController{err: denied}
	r := NewRegistry(fake, Options{}, zerolog.Nop())

	for _, suffix := range []string{"poweroff", "suspend", "lock-all-sessions", "cancel-shutdown"} {
		err := invoke(t, r, suffix, "")
		require.Error(t, err, suffix)
		assert.Contains(t, err.Error(), "missing polkit authorization rules", suffix)
	}

	plain := errors.New("broken pipe")
	fake.err = plain
	err := invoke(t, r, "poweroff", "")
	require.ErrorIs(t, err, plain)
	assert.NotContains(t, err.Error(), "polkit")
}

func TestShutdownInhibitorDiagnostics(t *testing.T) {
	fake := &fakeController{inhibitors: []logind.Inhibitor{
		{What: "shutdown:sleep", Who: "NetworkManager", Why: "Pending sync", Mode: "delay", UID: 0, PID: 17},
		{What: "handle-lid-switch", Who: "gnome", Why: "Docked", Mode: "block", UID: 1000, PID: 42},
	}}

	var buf bytes.Buffer
	r := NewRegistry(fake, Options{}, zerolog.New(&buf))

	require.NoError(t, invoke(t, r, "poweroff", ""))

	out := buf.String()
	assert.Contains(t, out, "detected shutdown inhibitor")
	assert.Contains(t, out, "NetworkManager")
	assert.NotContains(t, out, "gnome", "non-shutdown inhibitors are skipped")
}

func TestShutdownInhibitorDiagnosticsEmpty(t *testing.T) {
	fake := &fakeController{}
	var buf bytes.Buffer
	r := NewRegistry(fake, Options{}, zerolog.New(&buf))

	require.NoError(t, invoke(t, r, "poweroff", ""))
	assert.Contains(t, buf.String(), "no shutdown inhibitor locks found")
}

func TestShutdownInhibitorDiagnosticsFailure(t *testing.T) {
	fake := &fakeController{inhibitorsErr: errors.New("bus gone")}
	var buf bytes.Buffer
	r := NewRegistry(fake, Options{}, zerolog.New(&buf))

	require.NoError(t, invoke(t, r, "poweroff", ""))
	assert.Contains(t, buf.String(), "failed to fetch shutdown inhibitors")
}

func TestShutdownInhibitorDiagnosticsGatedByLevel(t *testing.T) {
	fake := &fakeController{}
	r := NewRegistry(fake, Options{}, zerolog.Nop().Level(zerolog.InfoLevel))

	require.NoError(t, invoke(t, r, "poweroff", ""))
	assert.Zero(t, fake.listCalls, "inhibitor listing must be skipped above debug level")
}

func TestShutdownInhibitorDiagnosticsFollowScheduling(t *testing.T) {
	fake := &fakeController{}
	var buf bytes.Buffer
	r := NewRegistry(fake, Options{}, zerolog.New(&buf))

	require.NoError(t, invoke(t, r, "poweroff", ""))
	assert.Equal(t, []string{"schedule", "list"}, fake.order,
		"the listing reflects locks delaying the shutdown just scheduled")

	fake.err = assert.AnError
	require.Error(t, invoke(t, r, "reboot", ""))
	assert.Equal(t, []string{"schedule", "list", "schedule", "list"}, fake.order,
		"diagnostics still run when scheduling fails")
}
