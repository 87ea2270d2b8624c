package ble

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func powerOn(t *testing.T, mt *mockTransport, c *Central) {
	t.Helper()
	mt.SimulateEvent(t, PowerChanged{State: PowerOn})
	ev := nextEvent(t, c)
	require.Equal(t, PowerStateChanged{State: PowerOn}, ev)
}

func requireScanResult(t *testing.T, ev Event) ScanResult {
	t.Helper()
	res, ok := ev.(ScanResult)
	require.Truef(t, ok, "got %s, want ScanResult", describe(ev))
	return res
}

func TestScanTimeoutWithoutDiscoveries(t *testing.T) {
	mt := newMockTransport()
	opts := testOptions()
	opts.ScanTimeout = 50 * time.Millisecond
	c := startCentral(t, mt, opts)
	powerOn(t, mt, c)

	require.NoError(t, c.StartScan(0))
	assert.True(t, c.Status().Scanning)
	assert.False(t, c.Status().Deadline.IsZero())

	res := requireScanResult(t, nextEvent(t, c))
	assert.Empty(t, res.Devices)
	assert.Empty(t, res.Targets)
	assert.NoError(t, res.Err)
	assert.False(t, c.Status().Scanning)
	assert.Equal(t, 1, mt.count("stopscan"))

	expectNoEvent(t, c, 100*time.Millisecond)
}

func TestStartScanWhileScanning(t *testing.T) {
	mt := newMockTransport()
	c := startCentral(t, mt, testOptions())
	powerOn(t, mt, c)

	require.NoError(t, c.StartScan(0))
	err := c.StartScan(0)
	assert.ErrorIs(t, err, ErrAlreadyScanning)
	assert.Equal(t, 1, mt.count("scan"))
}

func TestStopScanWhenIdleIsNoop(t *testing.T) {
	mt := newMockTransport()
	c := startCentral(t, mt, testOptions())
	powerOn(t, mt, c)

	require.NoError(t, c.StopScan())
	require.NoError(t, c.StopScan())
	expectNoEvent(t, c, 50*time.Millisecond)
	assert.Zero(t, mt.count("stopscan"))
}

func TestStopScanFlushesDiscoveriesInFirstSeenOrder(t *testing.T) {
	mt := newMockTransport()
	c := startCentral(t, mt, testOptions())
	powerOn(t, mt, c)

	require.NoError(t, c.StartScan(0))
	tag := mt.tag("scan")
	mt.SimulateEvent(t, PeripheralDiscovered{Tag: tag, Peripheral: Peripheral{ID: "b", Name: "Kettle", RSSI: -70}})
	mt.SimulateEvent(t, PeripheralDiscovered{Tag: tag, Peripheral: Peripheral{ID: "a", Name: "BonsaiPeripheral", RSSI: -60}})
	mt.SimulateEvent(t, PeripheralDiscovered{Tag: tag, Peripheral: Peripheral{ID: "b", RSSI: -40}})
	mt.SimulateEvent(t, PeripheralDiscovered{Tag: tag, Peripheral: Peripheral{ID: "c"}})

	require.NoError(t, c.StopScan())
	res := requireScanResult(t, nextEvent(t, c))

	require.Len(t, res.Devices, 3)
	assert.Equal(t, []string{"b", "a", "c"}, ids(res.Devices))
	assert.Equal(t, Peripheral{ID: "b", Name: "Kettle", RSSI: -40}, res.Devices[0])
	assert.Equal(t, []bool{false, true, false}, res.Targets)

	target, ok := res.FirstTarget()
	require.True(t, ok)
	assert.Equal(t, "a", target.ID)

	// The registry survives the session until the next scan starts.
	assert.Len(t, c.Status().Devices, 3)
}

func TestNewScanDropsPreviousDiscoveries(t *testing.T) {
	mt := newMockTransport()
	c := startCentral(t, mt, testOptions())
	powerOn(t, mt, c)

	require.NoError(t, c.StartScan(0))
	first := mt.tag("scan")
	mt.SimulateEvent(t, PeripheralDiscovered{Tag: first, Peripheral: Peripheral{ID: "a"}})
	require.NoError(t, c.StopScan())
	requireScanResult(t, nextEvent(t, c))

	require.NoError(t, c.StartScan(0))
	// A late advertisement from the first session must not leak into the second.
	mt.SimulateEvent(t, PeripheralDiscovered{Tag: first, Peripheral: Peripheral{ID: "stale"}})
	mt.SimulateEvent(t, PeripheralDiscovered{Tag: mt.tag("scan"), Peripheral: Peripheral{ID: "fresh"}})
	require.NoError(t, c.StopScan())

	res := requireScanResult(t, nextEvent(t, c))
	assert.Equal(t, []string{"fresh"}, ids(res.Devices))
}

func TestDiscoveryAfterStopIgnored(t *testing.T) {
	mt := newMockTransport()
	c := startCentral(t, mt, testOptions())
	powerOn(t, mt, c)

	require.NoError(t, c.StartScan(0))
	tag := mt.tag("scan")
	require.NoError(t, c.StopScan())
	requireScanResult(t, nextEvent(t, c))

	mt.SimulateEvent(t, PeripheralDiscovered{Tag: tag, Peripheral: Peripheral{ID: "late"}})
	barrier(t, c)
	assert.Empty(t, c.Status().Devices)
	expectNoEvent(t, c, 50*time.Millisecond)
}

func TestScanQueuedUntilPowerOn(t *testing.T) {
	mt := newMockTransport()
	c := startCentral(t, mt, testOptions())

	require.NoError(t, c.StartScan(0))
	assert.True(t, c.Status().Scanning)
	assert.Zero(t, mt.count("scan"))
	assert.ErrorIs(t, c.StartScan(0), ErrAlreadyScanning)

	powerOn(t, mt, c)
	barrier(t, c)
	assert.Equal(t, 1, mt.count("scan"))
	assert.True(t, c.Status().Scanning)
}

func TestQueuedScanDiscardedWhenRadioOff(t *testing.T) {
	mt := newMockTransport()
	c := startCentral(t, mt, testOptions())

	require.NoError(t, c.StartScan(0))
	mt.SimulateEvent(t, PowerChanged{State: PowerOff})

	require.Equal(t, PowerStateChanged{State: PowerOff}, nextEvent(t, c))
	res := requireScanResult(t, nextEvent(t, c))
	assert.ErrorIs(t, res.Err, ErrTransportUnavailable)
	assert.Empty(t, res.Devices)
	assert.False(t, c.Status().Scanning)

	// Not retried when the radio comes back.
	powerOn(t, mt, c)
	barrier(t, c)
	assert.Zero(t, mt.count("scan"))
}

func TestStartScanRejectedWhenRadioUnavailable(t *testing.T) {
	for _, state := range []PowerState{PowerOff, PowerUnauthorized, PowerUnsupported} {
		t.Run(state.String(), func(t *testing.T) {
			mt := newMockTransport()
			opts := testOptions()
			opts.ScanTimeout = 50 * time.Millisecond
			c := startCentral(t, mt, opts)
			mt.SimulateEvent(t, PowerChanged{State: state})
			require.Equal(t, PowerStateChanged{State: state}, nextEvent(t, c))

			assert.ErrorIs(t, c.StartScan(0), ErrTransportUnavailable)
			assert.False(t, c.Status().Scanning)
			assert.Zero(t, mt.count("scan"))
			expectNoEvent(t, c, 100*time.Millisecond)
		})
	}
}

func TestScanQueuedWhileResetting(t *testing.T) {
	mt := newMockTransport()
	c := startCentral(t, mt, testOptions())
	mt.SimulateEvent(t, PowerChanged{State: PowerResetting})
	require.Equal(t, PowerStateChanged{State: PowerResetting}, nextEvent(t, c))

	require.NoError(t, c.StartScan(0))
	assert.True(t, c.Status().Scanning)
	powerOn(t, mt, c)
	barrier(t, c)
	assert.Equal(t, 1, mt.count("scan"))
}

func TestStopCancelsQueuedScan(t *testing.T) {
	mt := newMockTransport()
	c := startCentral(t, mt, testOptions())

	require.NoError(t, c.StartScan(0))
	require.NoError(t, c.StopScan())
	res := requireScanResult(t, nextEvent(t, c))
	assert.NoError(t, res.Err)
	assert.False(t, c.Status().Scanning)
}

func TestActiveScanTornDownWhenRadioOff(t *testing.T) {
	mt := newMockTransport()
	c := startCentral(t, mt, testOptions())
	powerOn(t, mt, c)

	require.NoError(t, c.StartScan(0))
	mt.SimulateEvent(t, PeripheralDiscovered{Tag: mt.tag("scan"), Peripheral: Peripheral{ID: "a"}})
	mt.SimulateEvent(t, PowerChanged{State: PowerUnauthorized})

	require.Equal(t, PowerStateChanged{State: PowerUnauthorized}, nextEvent(t, c))
	res := requireScanResult(t, nextEvent(t, c))
	assert.ErrorIs(t, res.Err, ErrTransportUnavailable)
	assert.Equal(t, []string{"a"}, ids(res.Devices))
}

// lockedBuffer lets the test read log output while the control loop writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFailedStopLoggedOnRadioOff(t *testing.T) {
	var logs lockedBuffer
	mt := newMockTransport()
	mt.stopScanErr = errors.New("adapter gone")
	opts := testOptions()
	opts.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	c := startCentral(t, mt, opts)
	powerOn(t, mt, c)

	require.NoError(t, c.StartScan(0))
	mt.SimulateEvent(t, PowerChanged{State: PowerOff})
	require.Equal(t, PowerStateChanged{State: PowerOff}, nextEvent(t, c))
	res := requireScanResult(t, nextEvent(t, c))
	assert.ErrorIs(t, res.Err, ErrTransportUnavailable)
	assert.False(t, c.Status().Scanning)
	assert.Contains(t, logs.String(), "[SCAN] stop scan failed")
	assert.Contains(t, logs.String(), "adapter gone")
}

func TestTransportEndsScan(t *testing.T) {
	mt := newMockTransport()
	c := startCentral(t, mt, testOptions())
	powerOn(t, mt, c)

	require.NoError(t, c.StartScan(0))
	cause := errors.New("adapter busy")
	mt.SimulateEvent(t, ScanStopped{Tag: mt.tag("scan"), Err: cause})

	res := requireScanResult(t, nextEvent(t, c))
	assert.ErrorIs(t, res.Err, ErrTransportUnavailable)
	assert.ErrorIs(t, res.Err, cause)
	assert.False(t, c.Status().Scanning)
}

func TestStopOnTarget(t *testing.T) {
	mt := newMockTransport()
	opts := testOptions()
	opts.StopOnTarget = true
	c := startCentral(t, mt, opts)
	powerOn(t, mt, c)

	require.NoError(t, c.StartScan(0))
	tag := mt.tag("scan")
	mt.SimulateEvent(t, PeripheralDiscovered{Tag: tag, Peripheral: Peripheral{ID: "x", Name: "Speaker"}})
	mt.SimulateEvent(t, PeripheralDiscovered{Tag: tag, Peripheral: Peripheral{ID: "s", Name: "my BONSAI sensor"}})

	res := requireScanResult(t, nextEvent(t, c))
	assert.Equal(t, []bool{false, true}, res.Targets)
	assert.Equal(t, 1, mt.count("stopscan"))
	assert.False(t, c.Status().Scanning)
}

func ids(ps []Peripheral) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
