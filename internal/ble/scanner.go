package ble

import (
	"fmt"
	"time"
)

// scanner is the scan session controller. At most one session is active
// or queued at a time; every accepted start produces exactly one ScanResult.
type scanner struct {
	c        *Central
	registry *Registry

	active   bool
	tag      Tag
	deadline time.Time
	timer    *time.Timer

	pending        bool
	pendingTimeout time.Duration
}

func newScanner(c *Central) *scanner {
	return &scanner{c: c, registry: NewRegistry()}
}

// busy reports whether a session is running or waiting for the radio.
func (s *scanner) busy() bool { return s.active || s.pending }

func (s *scanner) start(timeout time.Duration) error {
	if s.busy() {
		return ErrAlreadyScanning
	}
	if timeout <= 0 {
		timeout = s.c.opts.ScanTimeout
	}
	if s.c.power.unavailable() {
		return newError(KindTransportUnavailable, fmt.Errorf("radio %s", s.c.power))
	}
	if !s.c.power.Ready() {
		s.c.log.Info("[SCAN] radio not ready, scan queued", "power", s.c.power)
		s.pending = true
		s.pendingTimeout = timeout
		return nil
	}
	return s.begin(timeout)
}

func (s *scanner) begin(timeout time.Duration) error {
	tag := s.c.newTag()
	s.registry.Reset()
	if err := s.c.transport.StartScan(tag); err != nil {
		return newError(KindTransportUnavailable, fmt.Errorf("start scan: %w", err))
	}
	s.active = true
	s.tag = tag
	s.deadline = time.Now().Add(timeout)
	s.timer = s.c.after(timeout, func() { s.onTimeout(tag) })
	s.c.log.Info("[SCAN] started", "timeout", timeout)
	return nil
}

// stop ends a running or queued session and reports the snapshot.
func (s *scanner) stop() {
	if s.pending {
		s.pending = false
		s.c.log.Info("[SCAN] queued scan cancelled")
		s.c.emit(ScanResult{Devices: []Peripheral{}, Targets: []bool{}})
		return
	}
	if !s.active {
		return
	}
	if err := s.c.transport.StopScan(); err != nil {
		s.c.log.Warn("[SCAN] stop scan failed", "error", err)
	}
	s.finish(nil)
}

func (s *scanner) finish(err error) {
	s.active = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	devices := s.registry.Snapshot()
	targets := ClassifyAll(devices, s.c.opts.Names)
	s.c.log.Info("[SCAN] finished", "devices", len(devices), "error", err)
	s.c.emit(ScanResult{Devices: devices, Targets: targets, Err: err})
}

func (s *scanner) onDiscovered(ev PeripheralDiscovered) {
	if !s.active || ev.Tag != s.tag {
		return
	}
	if !s.registry.Add(ev.Peripheral) {
		return
	}
	target := Classify(ev.Peripheral, s.c.opts.Names)
	s.c.log.Debug("[SCAN] discovered", "id", ev.Peripheral.ID, "name", ev.Peripheral.Name, "rssi", ev.Peripheral.RSSI, "target", target)
	if target && s.c.opts.StopOnTarget {
		s.c.log.Info("[SCAN] target found, stopping scan", "name", ev.Peripheral.Name)
		s.stop()
	}
}

func (s *scanner) onStopped(ev ScanStopped) {
	if !s.active || ev.Tag != s.tag {
		return
	}
	var err error
	if ev.Err != nil {
		err = newError(KindTransportUnavailable, ev.Err)
	}
	s.finish(err)
}

func (s *scanner) onTimeout(tag Tag) {
	if !s.active || tag != s.tag {
		return
	}
	s.c.log.Info("[SCAN] timed out")
	if err := s.c.transport.StopScan(); err != nil {
		s.c.log.Warn("[SCAN] stop scan failed", "error", err)
	}
	s.finish(nil)
}

func (s *scanner) onPower(state PowerState) {
	switch {
	case state.Ready() && s.pending:
		s.pending = false
		if err := s.begin(s.pendingTimeout); err != nil {
			s.c.log.Warn("[SCAN] queued scan failed to start", "error", err)
			s.c.emit(ScanResult{Devices: []Peripheral{}, Targets: []bool{}, Err: err})
		}
	case state.unavailable():
		err := newError(KindTransportUnavailable, fmt.Errorf("radio %s", state))
		if s.pending {
			s.pending = false
			s.c.log.Warn("[SCAN] queued scan discarded", "power", state)
			s.c.emit(ScanResult{Devices: []Peripheral{}, Targets: []bool{}, Err: err})
		}
		if s.active {
			if serr := s.c.transport.StopScan(); serr != nil {
				s.c.log.Warn("[SCAN] stop scan failed", "error", serr)
			}
			s.finish(err)
		}
	}
}
