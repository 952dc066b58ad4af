package state_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hara602/deviceNotifier/internal/state"
	"github.com/Hara602/deviceNotifier/internal/state/statetest"
	"github.com/Hara602/deviceNotifier/pkg/event"
)

const udi = "udi-1"

var fixed = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	calls []string
}

func (r *recorder) fn(udi string) { r.calls = append(r.calls, udi) }

func newTracker(t *testing.T, probe *statetest.Probe) (*state.Tracker, *recorder) {
	t.Helper()
	tr := state.NewTracker(probe, state.WithClock(func() time.Time { return fixed }))
	rec := &recorder{}
	t.Cleanup(tr.OnStateChanged(rec.fn))
	return tr, rec
}

func mountableVolume() state.Capabilities {
	return state.Capabilities{
		StorageVolume:     true,
		AncestorDrive:     true,
		AncestorRemovable: true,
		Accessible:        true,
		CanCheck:          true,
		CanRepair:         true,
		FilePath:          "/media/user/USB",
	}
}

func assertDefaults(t *testing.T, tr *state.Tracker, id string) {
	t.Helper()
	assert.False(t, tr.IsBusy(id))
	assert.False(t, tr.IsRemovable(id))
	assert.False(t, tr.IsMounted(id))
	assert.False(t, tr.IsChecked(id))
	assert.False(t, tr.NeedsRepair(id))
	assert.Equal(t, state.NotPresent, tr.State(id))
	assert.Equal(t, event.Success, tr.LastOperationResult(id))
	assert.False(t, tr.LastOperationInfo(id).IsSet())
	assert.True(t, tr.LastUpdated(id).IsZero())
	_, ok := tr.Snapshot(id)
	assert.False(t, ok)
}

func TestTracker_UnknownDeviceDefaults(t *testing.T) {
	tr, rec := newTracker(t, statetest.NewProbe())
	assertDefaults(t, tr, "never-seen")

	tr.Unregister("never-seen")
	tr.HandleEvent(event.DeviceEvent{Kind: event.MountRequested, UDI: "never-seen"})
	assert.Empty(t, rec.calls)
}

func TestTracker_RegisterRemovableMountedVolume(t *testing.T) {
	probe := statetest.NewProbe()
	probe.Set(udi, mountableVolume())
	tr, rec := newTracker(t, probe)

	tr.Register(udi)

	assert.True(t, tr.IsRemovable(udi))
	assert.True(t, tr.IsMounted(udi))
	assert.False(t, tr.IsBusy(udi))
	assert.Equal(t, state.Idle, tr.State(udi))
	assert.Equal(t, fixed, tr.LastUpdated(udi))
	assert.Equal(t, []string{udi}, rec.calls)

	kinds, ok := probe.Subscribed(udi)
	require.True(t, ok)
	for _, k := range []event.Kind{
		event.AccessibilityChanged, event.MountRequested, event.MountDone,
		event.UnmountRequested, event.UnmountDone, event.CheckRequested,
		event.CheckDone, event.RepairRequested, event.RepairDone,
	} {
		assert.True(t, kinds.Has(k), k.String())
	}
	assert.False(t, kinds.Has(event.EjectRequested))
}

func TestTracker_RegisterIsIdempotent(t *testing.T) {
	probe := statetest.NewProbe()
	probe.Set(udi, mountableVolume())
	tr, rec := newTracker(t, probe)

	tr.Register(udi)
	probe.Emit(event.DeviceEvent{Kind: event.CheckRequested, UDI: udi})
	require.Equal(t, state.Checking, tr.State(udi))

	tr.Register(udi)
	assert.Equal(t, state.Checking, tr.State(udi), "re-register must not reset state")
	assert.Len(t, rec.calls, 2)
	assert.Equal(t, []string{udi}, tr.Devices())
}

func TestTracker_RegisterUnregisterRoundTrip(t *testing.T) {
	probe := statetest.NewProbe()
	probe.Set(udi, mountableVolume())
	tr, rec := newTracker(t, probe)

	tr.Register(udi)
	tr.Unregister(udi)

	assertDefaults(t, tr, udi)
	assert.Equal(t, []string{udi, udi}, rec.calls)
	assert.Equal(t, []string{udi}, probe.Unsubscribed)
	_, subscribed := probe.Subscribed(udi)
	assert.False(t, subscribed)
	assert.Empty(t, tr.Devices())
}

func TestTracker_ProbeUnavailable(t *testing.T) {
	tr, rec := newTracker(t, statetest.NewProbe())

	tr.Register("ghost")

	assert.Equal(t, state.Idle, tr.State("ghost"))
	assert.False(t, tr.IsRemovable("ghost"))
	assert.False(t, tr.IsMounted("ghost"))
	assert.Equal(t, []string{"ghost"}, rec.calls)
}

func TestTracker_CheckCycle(t *testing.T) {
	tests := []struct {
		name          string
		result        event.Result
		info          event.Info
		canRepair     bool
		wantNeedsRepr bool
	}{
		{"clean filesystem", event.Success, event.BoolInfo(true), true, false},
		{"problems found and repairable", event.Success, event.BoolInfo(false), true, true},
		{"problems found but not repairable", event.Success, event.BoolInfo(false), false, false},
		{"check failed", event.Failure, event.BoolInfo(false), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := statetest.NewProbe()
			caps := mountableVolume()
			caps.CanRepair = tt.canRepair
			probe.Set(udi, caps)
			tr, rec := newTracker(t, probe)
			tr.Register(udi)

			tr.HandleEvent(event.DeviceEvent{Kind: event.CheckRequested, UDI: udi})
			assert.Equal(t, state.Checking, tr.State(udi))
			assert.True(t, tr.IsBusy(udi))

			tr.HandleEvent(event.DeviceEvent{Kind: event.CheckDone, UDI: udi, Result: tt.result, Info: tt.info})
			assert.Equal(t, state.CheckDone, tr.State(udi))
			assert.False(t, tr.IsBusy(udi))
			assert.True(t, tr.IsChecked(udi))
			assert.Equal(t, tt.wantNeedsRepr, tr.NeedsRepair(udi))
			assert.Equal(t, tt.result, tr.LastOperationResult(udi))
			assert.Equal(t, tt.info, tr.LastOperationInfo(udi))
			assert.Len(t, rec.calls, 3)
		})
	}
}

func TestTracker_RepairCycle(t *testing.T) {
	probe := statetest.NewProbe()
	probe.Set(udi, mountableVolume())
	tr, _ := newTracker(t, probe)
	tr.Register(udi)

	tr.HandleEvent(event.DeviceEvent{Kind: event.RepairRequested, UDI: udi})
	assert.Equal(t, state.Repairing, tr.State(udi))
	tr.HandleEvent(event.DeviceEvent{Kind: event.RepairDone, UDI: udi, Result: event.Failure})
	assert.Equal(t, state.RepairDone, tr.State(udi))
	assert.True(t, tr.NeedsRepair(udi))

	tr.HandleEvent(event.DeviceEvent{Kind: event.RepairRequested, UDI: udi})
	tr.HandleEvent(event.DeviceEvent{Kind: event.RepairDone, UDI: udi, Result: event.Success})
	assert.False(t, tr.NeedsRepair(udi))
}

func TestTracker_MountUnmountReadsAccessibility(t *testing.T) {
	probe := statetest.NewProbe()
	caps := mountableVolume()
	caps.Accessible = false
	probe.Set(udi, caps)
	tr, _ := newTracker(t, probe)
	tr.Register(udi)
	require.False(t, tr.IsMounted(udi))

	tr.HandleEvent(event.DeviceEvent{Kind: event.MountRequested, UDI: udi})
	assert.Equal(t, state.Mounting, tr.State(udi))
	probe.SetAccessible(udi, true)
	tr.HandleEvent(event.DeviceEvent{Kind: event.MountDone, UDI: udi})
	assert.Equal(t, state.MountDone, tr.State(udi))
	assert.True(t, tr.IsMounted(udi))

	tr.HandleEvent(event.DeviceEvent{Kind: event.UnmountRequested, UDI: udi})
	assert.Equal(t, state.Unmounting, tr.State(udi))
	probe.SetAccessible(udi, false)
	tr.HandleEvent(event.DeviceEvent{Kind: event.UnmountDone, UDI: udi})
	assert.Equal(t, state.UnmountDone, tr.State(udi))
	assert.False(t, tr.IsMounted(udi))
}

func TestTracker_EjectOnOpticalDisc(t *testing.T) {
	probe := statetest.NewProbe()
	probe.Set("sr0", state.Capabilities{OpticalDisc: true})
	tr, _ := newTracker(t, probe)
	tr.Register("sr0")

	require.True(t, probe.Emit(event.DeviceEvent{Kind: event.EjectRequested, UDI: "sr0"}))
	assert.Equal(t, state.Unmounting, tr.State("sr0"))
	require.True(t, probe.Emit(event.DeviceEvent{Kind: event.EjectDone, UDI: "sr0"}))
	assert.Equal(t, state.UnmountDone, tr.State("sr0"))

	assert.False(t, probe.Emit(event.DeviceEvent{Kind: event.MountRequested, UDI: "sr0"}))
}

func TestTracker_DoneFromIdleSettlesIdle(t *testing.T) {
	probe := statetest.NewProbe()
	probe.Set(udi, mountableVolume())
	tr, rec := newTracker(t, probe)
	tr.Register(udi)

	tr.HandleEvent(event.DeviceEvent{Kind: event.MountDone, UDI: udi, Result: event.DeviceBusy})
	assert.Equal(t, state.Idle, tr.State(udi))
	assert.Equal(t, event.DeviceBusy, tr.LastOperationResult(udi))
	assert.Len(t, rec.calls, 2)
}

func TestTracker_AccessibilityChanged(t *testing.T) {
	probe := statetest.NewProbe()
	probe.Set(udi, mountableVolume())
	tr, rec := newTracker(t, probe)
	tr.Register(udi)
	rec.calls = nil

	tr.HandleEvent(event.DeviceEvent{Kind: event.AccessibilityChanged, UDI: udi, Accessible: false})
	assert.False(t, tr.IsMounted(udi))
	assert.Equal(t, state.Idle, tr.State(udi))
	assert.Len(t, rec.calls, 1)

	tr.HandleEvent(event.DeviceEvent{Kind: event.AccessibilityChanged, UDI: udi, Accessible: false})
	assert.Len(t, rec.calls, 1, "unchanged accessibility must not notify")
}

func TestTracker_StaleOperationCompletion(t *testing.T) {
	probe := statetest.NewProbe()
	probe.Set(udi, mountableVolume())
	tr, rec := newTracker(t, probe)
	tr.Register(udi)
	tr.HandleEvent(event.DeviceEvent{Kind: event.CheckRequested, UDI: udi})
	rec.calls = nil

	probe.Remove(udi)
	tr.HandleEvent(event.DeviceEvent{Kind: event.CheckDone, UDI: udi, Info: event.BoolInfo(true)})

	assert.Equal(t, state.Checking, tr.State(udi))
	assert.True(t, tr.IsBusy(udi))
	assert.False(t, tr.IsChecked(udi))
	assert.Empty(t, rec.calls)

	tr.Unregister(udi)
	tr.HandleEvent(event.DeviceEvent{Kind: event.CheckDone, UDI: udi})
	assertDefaults(t, tr, udi)
	assert.Len(t, rec.calls, 1)
}

func TestTracker_BusyInvariant(t *testing.T) {
	probe := statetest.NewProbe()
	probe.Set(udi, mountableVolume())
	tr, _ := newTracker(t, probe)
	tr.Register(udi)

	sequence := []event.Kind{
		event.MountRequested, event.MountDone,
		event.CheckRequested, event.AccessibilityChanged, event.CheckDone,
		event.UnmountRequested, event.UnmountDone,
		event.RepairRequested, event.RepairDone,
		event.MountDone, event.EjectRequested, event.CheckRequested, event.RepairDone,
	}
	for i, k := range sequence {
		tr.HandleEvent(event.DeviceEvent{Kind: k, UDI: udi, Accessible: i%2 == 0})
		rec, ok := tr.Snapshot(udi)
		require.True(t, ok)
		assert.Equal(t, rec.State.Busy(), rec.IsBusy, "after %s state=%s", k, rec.State)
	}
}

func TestTracker_ObserverMayQueryFromCallback(t *testing.T) {
	probe := statetest.NewProbe()
	probe.Set(udi, mountableVolume())
	tr := state.NewTracker(probe)

	var seen []state.State
	cancel := tr.OnStateChanged(func(id string) {
		seen = append(seen, tr.State(id))
	})

	tr.Register(udi)
	tr.HandleEvent(event.DeviceEvent{Kind: event.MountRequested, UDI: udi})
	cancel()
	tr.HandleEvent(event.DeviceEvent{Kind: event.MountDone, UDI: udi})

	assert.Equal(t, []state.State{state.Idle, state.Mounting}, seen)
}

func TestTracker_DeviceEventsRegister(t *testing.T) {
	probe := statetest.NewProbe()
	probe.Set(udi, mountableVolume())
	tr, _ := newTracker(t, probe)

	tr.HandleEvent(event.DeviceEvent{Kind: event.DeviceAdded, UDI: udi})
	assert.Equal(t, state.Idle, tr.State(udi))
	tr.HandleEvent(event.DeviceEvent{Kind: event.DeviceRemoved, UDI: udi})
	assert.Equal(t, state.NotPresent, tr.State(udi))
}
