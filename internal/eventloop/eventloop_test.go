package eventloop

import (
	"io"
	"log/slog"
	"testing"

	"github.com/frobware/devmon/internal/domain"
	"github.com/frobware/devmon/internal/reconcile"
	"github.com/frobware/devmon/internal/subscriber"
	"github.com/frobware/devmon/internal/supervisor"
	"github.com/frobware/devmon/internal/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestLoop builds a Loop with its fd-backed fields left zeroed;
// only the parts applyEvent touches (table, subs, reconciler) are
// exercised by these tests, so the loop never calls Run/buildPollSet.
func newTestLoop(t *testing.T) (*Loop, *supervisor.Fake) {
	t.Helper()
	bridge := supervisor.NewFake()
	subs := subscriber.NewTable()
	tab := table.New()
	r := reconcile.New(bridge, supervisor.Handle(1), subs, discardLogger())
	return &Loop{
		logger:     discardLogger(),
		bridge:     bridge,
		table:      tab,
		subs:       subs,
		reconciler: r,
	}, bridge
}

func TestApplyEvent_UntaggedDeviceSkipsReconciler(t *testing.T) {
	loop, bridge := newTestLoop(t)

	loop.applyEvent(domain.Event{
		Kind: domain.EventAdd, SysPath: "/sys/class/tty/ttyUSB0", Subsystem: "tty",
		Properties: map[string]string{"DEVNAME": "/dev/ttyUSB0"},
	})

	dev, ok := loop.table.Get("/sys/class/tty/ttyUSB0")
	require.True(t, ok)
	assert.False(t, dev.HasTag)
	assert.Empty(t, bridge.LoadCalls, "untagged devices must not drive the supervisor bridge")
}

func TestApplyEvent_TaggedDeviceDrivesReconciler(t *testing.T) {
	loop, bridge := newTestLoop(t)

	loop.applyEvent(domain.Event{
		Kind: domain.EventAdd, SysPath: "/sys/class/tty/ttyUSB0", Subsystem: "tty", Tagged: true,
		Properties: map[string]string{"DEVNAME": "/dev/ttyUSB0", "DINIT_WAITS_FOR": "getty"},
	})

	dev, ok := loop.table.Get("/sys/class/tty/ttyUSB0")
	require.True(t, ok)
	assert.True(t, dev.HasTag)
	assert.Contains(t, bridge.LoadCalls, "device@/sys/class/tty/ttyUSB0")
	assert.Contains(t, dev.CurrentDeps, "getty")
}

func TestDrainSupervisor_ReturnsOnceQueueIsEmpty(t *testing.T) {
	loop, bridge := newTestLoop(t)

	loop.applyEvent(domain.Event{
		Kind: domain.EventAdd, SysPath: "/sys/class/tty/ttyUSB0", Subsystem: "tty", Tagged: true,
		Properties: map[string]string{"DEVNAME": "/dev/ttyUSB0", "DINIT_WAITS_FOR": "getty"},
	})

	require.True(t, bridge.QueueEmpty(), "the Fake resolves every call inline, so nothing is ever left queued")
	assert.NoError(t, loop.DrainSupervisor())
}

func TestApplyEvent_MalformedUSBEventIsDropped(t *testing.T) {
	loop, _ := newTestLoop(t)

	loop.applyEvent(domain.Event{
		Kind: domain.EventAdd, SysPath: "/sys/usb/1-1", Subsystem: "usb",
		Properties: map[string]string{}, // missing idVendor/idProduct
	})

	_, ok := loop.table.Get("046d:c52b")
	assert.False(t, ok)
}
