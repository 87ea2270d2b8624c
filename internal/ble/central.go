package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Options configures the central.
type Options struct {
	Names             []string      // target name allow-list, case-insensitive substring
	ServiceUUID       string        // required GATT service
	CharUUID          string        // moisture characteristic
	ScanTimeout       time.Duration // default scan session length
	StopOnTarget      bool          // end a scan as soon as a target is seen
	ConnectTimeout    time.Duration // bound on connect + discovery
	ReadTimeout       time.Duration // bound on one characteristic read
	DisconnectTimeout time.Duration // forced local cleanup if the link never confirms
	Notify            bool          // subscribe to notifications once ready
	Logger            *slog.Logger
}

// DefaultOptions returns sensible defaults for the bonsai sensor.
func DefaultOptions() Options {
	return Options{
		Names:             []string{DefaultDeviceName},
		ServiceUUID:       MoistureServiceUUID,
		CharUUID:          MoistureCharUUID,
		ScanTimeout:       10 * time.Second,
		ConnectTimeout:    10 * time.Second,
		ReadTimeout:       5 * time.Second,
		DisconnectTimeout: 3 * time.Second,
	}
}

// Status is a read-only projection of the central's state.
type Status struct {
	Power     PowerState
	State     ConnectionState
	Target    Peripheral // zero when idle
	Scanning  bool       // a scan is running or queued
	Deadline  time.Time  // end of the running scan, zero otherwise
	Devices   []Peripheral
	LastError error
}

type command struct {
	run   func() error
	reply chan error // nil for internal posts
}

// Central owns one scan session and one connection session and serializes
// every command, transport event and timer expiry on a single control loop.
// Commands validate synchronously and return; outcomes arrive on Events().
type Central struct {
	transport  Transport
	opts       Options
	log        *slog.Logger
	dispatcher *Dispatcher

	cmds    chan command
	done    chan struct{}
	running atomic.Bool
	status  atomic.Pointer[Status]

	// Owned by the control loop.
	power   PowerState
	lastTag Tag
	scan    *scanner
	conn    *connection
	outbox  []Event
}

// NewCentral creates a central driving the given transport. Call Run to
// start its control loop.
func NewCentral(transport Transport, opts Options) (*Central, error) {
	if transport == nil {
		return nil, errors.New("ble: nil transport")
	}
	defaults := DefaultOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = defaults.ServiceUUID
	}
	if opts.CharUUID == "" {
		opts.CharUUID = defaults.CharUUID
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = defaults.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = defaults.DisconnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Central{
		transport:  transport,
		opts:       opts,
		log:        opts.Logger,
		dispatcher: NewDispatcher(),
		cmds:       make(chan command),
		done:       make(chan struct{}),
	}
	c.scan = newScanner(c)
	c.conn = newConnection(c)
	c.publishStatus()
	return c, nil
}

// Events returns the outcome stream. Every event is delivered exactly once,
// in order, on this one channel. It is closed after Run returns.
func (c *Central) Events() <-chan Event { return c.dispatcher.Events() }

// Status returns the state as of the last completed control-loop step.
func (c *Central) Status() Status { return *c.status.Load() }

// Run drives the control loop until ctx is cancelled. On exit any scan is
// stopped, any session is disconnected and reported, and the event channel
// is closed once drained.
func (c *Central) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("ble: central already running")
	}
	defer func() {
		close(c.done)
		c.dispatcher.Close()
	}()

	events := c.transport.Events()
	c.log.Info("[BLE] central started", "service", c.opts.ServiceUUID, "characteristic", c.opts.CharUUID)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.flush()
			c.log.Info("[BLE] central stopped")
			return nil

		case cmd := <-c.cmds:
			err := cmd.run()
			c.flush()
			if cmd.reply != nil {
				cmd.reply <- err
			}

		case ev, ok := <-events:
			if !ok {
				c.log.Warn("[BLE] transport event stream closed")
				events = nil
				c.onPower(PowerOff)
			} else {
				c.handle(ev)
			}
			c.flush()
		}
	}
}

// StartScan begins a scan session lasting timeout (the configured default if
// zero). While the radio state is unknown or resetting the request is queued
// until it powers on; an off, unauthorized or unsupported radio returns
// ErrTransportUnavailable. Returns ErrAlreadyScanning if a scan is running
// or queued.
func (c *Central) StartScan(timeout time.Duration) error {
	return c.do(func() error { return c.scan.start(timeout) })
}

// StopScan ends the scan session and reports what was found so far.
// Stopping when not scanning is a no-op.
func (c *Central) StopScan() error {
	return c.do(func() error {
		c.scan.stop()
		return nil
	})
}

// Connect starts a connection to target. Any running scan is stopped first.
// Returns ErrAlreadyConnecting while a session exists; call Disconnect first.
func (c *Central) Connect(target Peripheral) error {
	return c.do(func() error { return c.conn.connect(target) })
}

// ReadValue requests one moisture reading. Only legal when ready; a read
// already in flight makes this return ErrNotReady.
func (c *Central) ReadValue() error {
	return c.do(c.conn.read)
}

// Disconnect ends the current session from any state. Disconnecting when
// idle is a no-op.
func (c *Central) Disconnect() error {
	return c.do(func() error {
		c.conn.disconnect()
		return nil
	})
}

func (c *Central) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.cmds <- command{run: fn, reply: reply}:
	case <-c.done:
		return ErrClosed
	}
	return <-reply
}

// post schedules fn on the control loop. Dropped once the loop has exited.
func (c *Central) post(fn func()) {
	select {
	case c.cmds <- command{run: func() error { fn(); return nil }}:
	case <-c.done:
	}
}

// after runs fn on the control loop once d has elapsed.
func (c *Central) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { c.post(fn) })
}

func (c *Central) newTag() Tag {
	c.lastTag++
	return c.lastTag
}

func (c *Central) emit(ev Event) {
	c.outbox = append(c.outbox, ev)
}

// flush publishes the status projection before the step's events so a
// consumer reacting to an event never observes an older status.
func (c *Central) flush() {
	c.publishStatus()
	if len(c.outbox) == 0 {
		return
	}
	c.dispatcher.Publish(c.outbox...)
	c.outbox = nil
}

func (c *Central) publishStatus() {
	st := &Status{
		Power:     c.power,
		State:     c.conn.state(),
		Scanning:  c.scan.busy(),
		Devices:   c.scan.registry.Snapshot(),
		LastError: c.conn.lastError,
	}
	if c.scan.active {
		st.Deadline = c.scan.deadline
	}
	if c.conn.sess != nil {
		st.Target = c.conn.sess.target
	}
	c.status.Store(st)
}

func (c *Central) handle(ev TransportEvent) {
	switch ev := ev.(type) {
	case PowerChanged:
		c.onPower(ev.State)
	case PeripheralDiscovered:
		c.scan.onDiscovered(ev)
	case ScanStopped:
		c.scan.onStopped(ev)
	case Connected:
		c.conn.onConnected(ev)
	case ServicesDiscovered:
		c.conn.onServices(ev)
	case CharacteristicsDiscovered:
		c.conn.onCharacteristics(ev)
	case ValueUpdated:
		c.conn.onValue(ev)
	case LinkLost:
		c.conn.onLinkLost(ev)
	default:
		c.log.Warn("[BLE] unknown transport event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Central) onPower(state PowerState) {
	if state == c.power {
		return
	}
	c.log.Info("[BLE] power state changed", "from", c.power, "to", state)
	c.power = state
	c.emit(PowerStateChanged{State: state})
	c.conn.onPower(state)
	c.scan.onPower(state)
}

func (c *Central) shutdown() {
	c.scan.stop()
	c.conn.close()
}
