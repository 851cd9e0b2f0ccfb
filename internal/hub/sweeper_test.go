package hub

import (
	"testing"
	"time"

	"github.com/roomcast/roomcast/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_EvictsOnlyStaleDevices(t *testing.T) {
	h := newTestHub()
	fresh := connectDevice(t, h, "dev-fresh", 1, "101")
	stale := connectDevice(t, h, "dev-stale", 1, "102")

	// Backdate the stale device past the timeout.
	d, _ := h.reg.GetDevice("dev-stale")
	d.lastBeat.Store(time.Now().Add(-90 * time.Second).UnixNano())

	sw := NewSweeper(zerolog.Nop(), h.reg, 30*time.Second, 60*time.Second)
	evicted := sw.sweep(time.Now())

	assert.Equal(t, 1, evicted)
	assert.True(t, stale.closed(), "stale transport should be force-closed")
	assert.False(t, fresh.closed())
}

func TestSweeper_HeartbeatResetsEvictionClock(t *testing.T) {
	h := newTestHub()
	dev := connectDevice(t, h, "dev-1", 1, "101")
	sw := NewSweeper(zerolog.Nop(), h.reg, 30*time.Second, 60*time.Second)

	// Simulate a device beating every 20 units across 120 units of sweeps:
	// backdate by 20 before each sweep, as TouchHeartbeat would leave it.
	d, _ := h.reg.GetDevice("dev-1")
	now := time.Now()
	for i := 0; i < 4; i++ {
		now = now.Add(30 * time.Second)
		d.lastBeat.Store(now.Add(-20 * time.Second).UnixNano())
		assert.Zero(t, sw.sweep(now), "sweep %d should evict nothing", i)
	}
	assert.False(t, dev.closed())

	// Silence past the timeout: evicted on the next sweep.
	now = now.Add(61 * time.Second)
	assert.Equal(t, 1, sw.sweep(now))
	assert.True(t, dev.closed())
}

func TestSweeper_EvictionNoticeReachesScopedDashboardsOnce(t *testing.T) {
	h := newTestHub()
	scoped := connectClient(t, h, "cli-1", 7, 1)
	other := connectClient(t, h, "cli-2", 8, 2)
	unscoped := connectClient(t, h, "cli-3", 0, 0)

	dev := connectDevice(t, h, "dev-1", 1, "204")
	recvEnvelope(t, scoped)   // device_connected
	recvEnvelope(t, unscoped) // device_connected

	d, _ := h.reg.GetDevice("dev-1")
	d.lastBeat.Store(time.Now().Add(-2 * time.Minute).UnixNano())

	sw := NewSweeper(zerolog.Nop(), h.reg, 30*time.Second, 60*time.Second)
	require.Equal(t, 1, sw.sweep(time.Now()))
	require.True(t, dev.closed())

	// The forced close drives the read pump into the ordinary unregister
	// path; eviction itself broadcasts nothing extra.
	assertNoEnvelope(t, scoped)
	h.handleUnregister(dev)

	for _, c := range []*session{scoped, unscoped} {
		env := recvEnvelope(t, c)
		assert.Equal(t, protocol.TypeDeviceDisconnected, env.Type)
		var p protocol.PresencePayload
		require.NoError(t, env.ParsePayload(&p))
		assert.Equal(t, "dev-1", p.DeviceID)
		assertNoEnvelope(t, c)
	}
	assertNoEnvelope(t, other)

	// A later sweep finds nothing: the record is gone.
	assert.Zero(t, sw.sweep(time.Now()))
}
