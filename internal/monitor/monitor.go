// Package monitor keeps a bonsai sensor connected and polled. It scans for
// a target, connects to the first match, reads the moisture characteristic
// periodically and hands every reading to its sinks. Failures and link
// loss lead to a rescan after exponential backoff.
package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/chaz8081/bonsense/internal/ble"
)

// Central is the part of *ble.Central the monitor drives.
type Central interface {
	Events() <-chan ble.Event
	StartScan(timeout time.Duration) error
	Connect(target ble.Peripheral) error
	ReadValue() error
	Disconnect() error
}

var _ Central = (*ble.Central)(nil)

// Options configures a Monitor.
type Options struct {
	AutoConnect     bool          // connect to the first classified target
	PollInterval    time.Duration // time between reads once connected
	BackoffBase     time.Duration // first retry delay, doubled per attempt
	ReconnectMax    time.Duration // backoff cap
	MaxReadFailures int           // consecutive failed reads before reconnecting
	BreakerFailures uint32        // consecutive failed connects before pausing
	BreakerCooldown time.Duration // pause once the breaker has tripped
	Logger          *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		AutoConnect:     true,
		PollInterval:    5 * time.Second,
		BackoffBase:     time.Second,
		ReconnectMax:    30 * time.Second,
		MaxReadFailures: 3,
		BreakerFailures: 5,
		BreakerCooldown: 2 * time.Minute,
	}
}

type phase int

const (
	phaseIdle phase = iota
	phaseScanning
	phaseConnecting
	phaseConnected
	phaseWaiting
)

func (p phase) String() string {
	switch p {
	case phaseScanning:
		return "scanning"
	case phaseConnecting:
		return "connecting"
	case phaseConnected:
		return "connected"
	case phaseWaiting:
		return "waiting"
	default:
		return "idle"
	}
}

// Monitor drives a central through scan, connect and periodic reads.
// All of its state is owned by the Run goroutine.
type Monitor struct {
	central Central
	sinks   []Sink
	opts    Options
	log     *slog.Logger
	limiter *rate.Limiter
	breaker *gobreaker.TwoStepCircuitBreaker[struct{}]
	entropy io.Reader
	now     func() time.Time

	phase       phase
	attempt     int
	failures    int
	retry       *time.Timer
	connectDone func(success bool) // settles the breaker for the attempt in flight
}

// New creates a Monitor. Panics if central is nil (programmer error).
func New(central Central, opts Options, sinks ...Sink) *Monitor {
	if central == nil {
		panic("monitor: New called with nil central")
	}
	defaults := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaults.BackoffBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaults.ReconnectMax
	}
	if opts.MaxReadFailures <= 0 {
		opts.MaxReadFailures = defaults.MaxReadFailures
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = defaults.BreakerFailures
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = defaults.BreakerCooldown
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger
	breaker := gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "sensor-connect",
		MaxRequests: 1, // one probe connect in half-open state
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[MONITOR] connect breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	now := time.Now()
	// Ticks can be delivered late; leave slack so a late tick is not refused.
	limit := rate.Every(opts.PollInterval * 9 / 10)
	return &Monitor{
		central: central,
		sinks:   sinks,
		opts:    opts,
		log:     opts.Logger,
		limiter: rate.NewLimiter(limit, 1),
		breaker: breaker,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
		now:     time.Now,
	}
}

// Run consumes the central's events until ctx is cancelled or the event
// channel is closed. The central must already be running.
func (m *Monitor) Run(ctx context.Context) error {
	events := m.central.Events()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	defer m.cancelRetry()

	m.log.Info("[MONITOR] started", "auto_connect", m.opts.AutoConnect, "poll_interval", m.opts.PollInterval)
	m.startScan()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("[MONITOR] stopped")
			return nil

		case ev, ok := <-events:
			if !ok {
				m.log.Info("[MONITOR] central closed")
				return nil
			}
			m.handle(ev)

		case <-ticker.C:
			if m.phase == phaseConnected {
				m.read()
			}

		case <-m.retryC():
			m.retry = nil
			m.startScan()
		}
	}
}

func (m *Monitor) handle(ev ble.Event) {
	switch ev := ev.(type) {
	case ble.PowerStateChanged:
		m.log.Info("[MONITOR] radio", "power", ev.State)

	case ble.ScanResult:
		m.onScanResult(ev)

	case ble.ConnectionReady:
		if m.phase != phaseConnecting {
			return
		}
		m.log.Info("[MONITOR] sensor ready", "device", ev.Peripheral.DisplayName())
		m.settle(true)
		m.phase = phaseConnected
		m.attempt = 0
		m.failures = 0
		m.read()

	case ble.ConnectionFailed:
		if m.phase != phaseConnecting {
			return
		}
		m.log.Warn("[MONITOR] connection failed", "device", ev.Peripheral.DisplayName(), "error", ev.Err)
		m.settle(false)
		m.scheduleRetry()

	case ble.Disconnected:
		if m.phase != phaseConnecting && m.phase != phaseConnected {
			return
		}
		m.log.Warn("[MONITOR] sensor disconnected", "device", ev.Peripheral.DisplayName(), "error", ev.Err)
		m.settle(false)
		m.scheduleRetry()

	case ble.DataReceived:
		m.failures = 0
		at := m.now()
		m.report(Reading{
			ID:         ulid.MustNew(ulid.Timestamp(at), m.entropy).String(),
			Peripheral: ev.Peripheral,
			Sample:     ev.Sample,
			At:         at,
			Notified:   ev.Notified,
		})

	case ble.ReadFailed:
		m.failures++
		m.log.Warn("[MONITOR] read failed", "error", ev.Err, "consecutive", m.failures)
		if m.phase == phaseConnected && m.failures >= m.opts.MaxReadFailures {
			m.log.Warn("[MONITOR] too many failed reads, reconnecting")
			if err := m.central.Disconnect(); err != nil {
				m.log.Warn("[MONITOR] disconnect", "error", err)
			}
		}
	}
}

func (m *Monitor) onScanResult(res ble.ScanResult) {
	if m.phase != phaseScanning {
		return
	}
	if res.Err != nil {
		m.log.Warn("[MONITOR] scan failed", "error", res.Err)
		m.scheduleRetry()
		return
	}

	target, ok := res.FirstTarget()
	if !ok {
		m.log.Info("[MONITOR] no sensor found", "devices", len(res.Devices))
		m.scheduleRetry()
		return
	}
	if !m.opts.AutoConnect {
		m.log.Info("[MONITOR] sensor found, auto-connect disabled", "device", target.DisplayName(), "rssi", target.RSSI)
		m.schedule(m.opts.PollInterval)
		return
	}

	done, err := m.breaker.Allow()
	if err != nil {
		m.log.Warn("[MONITOR] too many failed connects, pausing", "cooldown", m.opts.BreakerCooldown, "error", err)
		m.schedule(m.opts.BreakerCooldown)
		return
	}

	m.log.Info("[MONITOR] connecting", "device", target.DisplayName(), "rssi", target.RSSI)
	if err := m.central.Connect(target); err != nil && !errors.Is(err, ble.ErrAlreadyConnecting) {
		m.log.Warn("[MONITOR] connect rejected", "error", err)
		done(false)
		m.scheduleRetry()
		return
	}
	m.phase = phaseConnecting
	m.connectDone = done
}

// settle records the outcome of the connect attempt in flight.
func (m *Monitor) settle(success bool) {
	if m.connectDone != nil {
		m.connectDone(success)
		m.connectDone = nil
	}
}

func (m *Monitor) startScan() {
	err := m.central.StartScan(0)
	switch {
	case err == nil, errors.Is(err, ble.ErrAlreadyScanning):
		m.phase = phaseScanning
	case errors.Is(err, ble.ErrClosed):
		m.phase = phaseIdle
	default:
		m.log.Warn("[MONITOR] scan rejected", "error", err)
		m.scheduleRetry()
	}
}

func (m *Monitor) read() {
	if !m.limiter.Allow() {
		return
	}
	if err := m.central.ReadValue(); err != nil {
		// A read still in flight shows up as not ready.
		m.log.Debug("[MONITOR] read skipped", "error", err)
	}
}

func (m *Monitor) report(r Reading) {
	for _, s := range m.sinks {
		if err := s.Report(r); err != nil {
			m.log.Warn("[MONITOR] sink failed", "error", err)
		}
	}
}

// scheduleRetry waits out the next backoff step and then rescans.
func (m *Monitor) scheduleRetry() {
	delay := backoffDelay(m.attempt, m.opts.BackoffBase, m.opts.ReconnectMax)
	m.attempt++
	m.log.Info("[MONITOR] retry backoff", "attempt", m.attempt, "delay", delay)
	m.schedule(delay)
}

func (m *Monitor) schedule(delay time.Duration) {
	m.cancelRetry()
	m.phase = phaseWaiting
	m.retry = time.NewTimer(delay)
}

func (m *Monitor) cancelRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Monitor) retryC() <-chan time.Time {
	if m.retry == nil {
		return nil
	}
	return m.retry.C
}

// backoffDelay returns the retry delay for attempt n: base doubled n times,
// capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
