package ble

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionState is the state of the connection session.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateServiceDiscovery
	StateCharacteristicDiscovery
	StateReady
	StateReading
	StateDisconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateServiceDiscovery:
		return "service-discovery"
	case StateCharacteristicDiscovery:
		return "characteristic-discovery"
	case StateReady:
		return "ready"
	case StateReading:
		return "reading"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

func (s ConnectionState) settingUp() bool {
	return s == StateConnecting || s == StateServiceDiscovery || s == StateCharacteristicDiscovery
}

// session is the single connection attempt. Events whose tag does not match
// belong to a superseded session and are dropped.
type session struct {
	tag    Tag
	target Peripheral
	state  ConnectionState

	readTag Tag
	ready   bool

	setupTimer      *time.Timer
	readTimer       *time.Timer
	disconnectTimer *time.Timer
	disconnectCause error
}

func (s *session) stopTimers() {
	for _, t := range []*time.Timer{s.setupTimer, s.readTimer, s.disconnectTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.setupTimer, s.readTimer, s.disconnectTimer = nil, nil, nil
}

// connection is the connection state machine. A nil sess means Idle.
type connection struct {
	c         *Central
	sess      *session
	lastError error
}

func newConnection(c *Central) *connection {
	return &connection{c: c}
}

func (m *connection) state() ConnectionState {
	if m.sess == nil {
		return StateIdle
	}
	return m.sess.state
}

// current returns the session tagged tag, or nil if it was superseded.
func (m *connection) current(tag Tag) *session {
	if m.sess == nil || m.sess.tag != tag {
		return nil
	}
	return m.sess
}

func (m *connection) connect(target Peripheral) error {
	if target.ID == "" {
		return newError(KindConnectFailed, errors.New("empty peripheral id"))
	}
	if m.sess != nil {
		return ErrAlreadyConnecting
	}
	if !m.c.power.Ready() {
		return newError(KindTransportUnavailable, fmt.Errorf("radio %s", m.c.power))
	}
	if known, ok := m.c.scan.registry.Lookup(target.ID); ok && target.Name == "" {
		target = known
	}

	tag := m.c.newTag()
	if err := m.c.transport.Connect(tag, target.ID); err != nil {
		return newError(KindConnectFailed, err)
	}
	m.c.scan.stop()
	m.lastError = nil
	s := &session{tag: tag, target: target, state: StateConnecting}
	s.setupTimer = m.c.after(m.c.opts.ConnectTimeout, func() { m.onSetupTimeout(tag) })
	m.sess = s
	m.c.log.Info("[BLE] connecting", "id", target.ID, "name", target.Name)
	return nil
}

func (m *connection) onConnected(ev Connected) {
	s := m.current(ev.Tag)
	if s == nil || s.state != StateConnecting {
		return
	}
	if ev.Err != nil {
		m.fail(KindConnectFailed, ev.Err, false)
		return
	}
	s.state = StateServiceDiscovery
	m.c.log.Info("[BLE] connected, discovering service", "id", s.target.ID)
	if err := m.c.transport.DiscoverService(s.tag, m.c.opts.ServiceUUID); err != nil {
		m.fail(KindServiceNotFound, err, true)
	}
}

func (m *connection) onServices(ev ServicesDiscovered) {
	s := m.current(ev.Tag)
	if s == nil || s.state != StateServiceDiscovery {
		return
	}
	if ev.Err != nil || !ev.Found {
		m.fail(KindServiceNotFound, notFound("service", m.c.opts.ServiceUUID, ev.Err), true)
		return
	}
	s.state = StateCharacteristicDiscovery
	if err := m.c.transport.DiscoverCharacteristic(s.tag, m.c.opts.ServiceUUID, m.c.opts.CharUUID); err != nil {
		m.fail(KindCharacteristicNotFound, err, true)
	}
}

func (m *connection) onCharacteristics(ev CharacteristicsDiscovered) {
	s := m.current(ev.Tag)
	if s == nil || s.state != StateCharacteristicDiscovery {
		return
	}
	if ev.Err != nil || !ev.Found {
		m.fail(KindCharacteristicNotFound, notFound("characteristic", m.c.opts.CharUUID, ev.Err), true)
		return
	}
	if s.setupTimer != nil {
		s.setupTimer.Stop()
		s.setupTimer = nil
	}
	s.state = StateReady
	if !s.ready {
		s.ready = true
		m.c.log.Info("[BLE] connection ready", "id", s.target.ID)
		m.c.emit(ConnectionReady{Peripheral: s.target})
	}
	if m.c.opts.Notify {
		if err := m.c.transport.Subscribe(s.tag); err != nil {
			m.c.log.Warn("[BLE] subscribe failed, continuing with reads only", "error", err)
		}
	}
}

func (m *connection) onSetupTimeout(tag Tag) {
	s := m.current(tag)
	if s == nil || !s.state.settingUp() {
		return
	}
	m.fail(KindTimeout, fmt.Errorf("no response within %s while %s", m.c.opts.ConnectTimeout, s.state), true)
}

// fail reports a setup failure and returns to Idle. With hangUp set the
// transport link is torn down first so no half-open connection remains.
func (m *connection) fail(kind ErrorKind, cause error, hangUp bool) {
	s := m.sess
	s.stopTimers()
	s.state = StateFailed
	err := newError(kind, cause)
	m.lastError = err
	m.c.log.Warn("[BLE] connection failed", "id", s.target.ID, "error", err)
	if hangUp {
		if derr := m.c.transport.Disconnect(s.tag, s.target.ID); derr != nil {
			m.c.log.Warn("[BLE] disconnect after failure", "error", derr)
		}
	}
	m.c.emit(ConnectionFailed{Peripheral: s.target, Err: err})
	m.sess = nil
}

func (m *connection) read() error {
	s := m.sess
	if s == nil || s.state != StateReady {
		return newError(KindNotReady, fmt.Errorf("connection %s", m.state()))
	}
	tag := m.c.newTag()
	if err := m.c.transport.Read(tag); err != nil {
		return newError(KindReadFailed, err)
	}
	s.state = StateReading
	s.readTag = tag
	s.readTimer = m.c.after(m.c.opts.ReadTimeout, func() { m.onReadTimeout(tag) })
	return nil
}

func (m *connection) onValue(ev ValueUpdated) {
	s := m.sess
	if s == nil {
		return
	}
	if ev.Notify {
		if ev.Tag != s.tag || (s.state != StateReady && s.state != StateReading) {
			return
		}
		m.deliver(s, ev)
		return
	}
	if s.state != StateReading || ev.Tag != s.readTag {
		return
	}
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	s.state = StateReady
	s.readTag = 0
	m.deliver(s, ev)
}

func (m *connection) deliver(s *session, ev ValueUpdated) {
	if ev.Err != nil {
		m.readFailed(newError(KindReadFailed, ev.Err))
		return
	}
	sample, err := ParseMoisture(ev.Data)
	if err != nil {
		m.readFailed(err)
		return
	}
	m.c.emit(DataReceived{Peripheral: s.target, Sample: sample, Notified: ev.Notify})
}

func (m *connection) readFailed(err error) {
	m.lastError = err
	m.c.log.Warn("[BLE] read failed", "error", err)
	m.c.emit(ReadFailed{Err: err})
}

func (m *connection) onReadTimeout(tag Tag) {
	s := m.sess
	if s == nil || s.state != StateReading || s.readTag != tag {
		return
	}
	s.readTimer = nil
	s.state = StateReady
	s.readTag = 0
	m.readFailed(newError(KindTimeout, fmt.Errorf("no value within %s", m.c.opts.ReadTimeout)))
}

func (m *connection) disconnect() {
	s := m.sess
	if s == nil || s.state == StateDisconnecting {
		return
	}
	m.beginDisconnect(nil)
}

func (m *connection) beginDisconnect(cause error) {
	s := m.sess
	s.stopTimers()
	s.state = StateDisconnecting
	s.readTag = 0
	s.disconnectCause = cause
	m.c.log.Info("[BLE] disconnecting", "id", s.target.ID)
	if err := m.c.transport.Disconnect(s.tag, s.target.ID); err != nil {
		m.c.log.Warn("[BLE] disconnect request failed, cleaning up locally", "error", err)
		m.finish(cause)
		return
	}
	tag := s.tag
	s.disconnectTimer = m.c.after(m.c.opts.DisconnectTimeout, func() { m.onDisconnectTimeout(tag) })
}

func (m *connection) onDisconnectTimeout(tag Tag) {
	s := m.current(tag)
	if s == nil || s.state != StateDisconnecting {
		return
	}
	m.c.log.Warn("[BLE] no disconnect confirmation, cleaning up locally", "id", s.target.ID)
	m.finish(s.disconnectCause)
}

func (m *connection) onLinkLost(ev LinkLost) {
	s := m.sess
	if s == nil {
		return
	}
	if ev.Tag != s.tag {
		return
	}
	if s.state == StateDisconnecting {
		m.finish(s.disconnectCause)
		return
	}
	m.c.log.Warn("[BLE] link lost", "id", s.target.ID, "state", s.state, "error", ev.Err)
	m.finish(newError(KindDisconnected, ev.Err))
}

// finish ends the session and reports Disconnected once.
func (m *connection) finish(err error) {
	s := m.sess
	s.stopTimers()
	m.sess = nil
	if err != nil {
		m.lastError = err
	}
	m.c.log.Info("[BLE] disconnected", "id", s.target.ID, "error", err)
	m.c.emit(Disconnected{Peripheral: s.target, Err: err})
}

func (m *connection) onPower(state PowerState) {
	s := m.sess
	if s == nil || !state.unavailable() {
		return
	}
	cause := fmt.Errorf("radio %s", state)
	if s.state.settingUp() {
		m.fail(KindTransportUnavailable, cause, false)
		return
	}
	m.finish(newError(KindTransportUnavailable, cause))
}

// close tears down any session on shutdown.
func (m *connection) close() {
	s := m.sess
	if s == nil {
		return
	}
	if err := m.c.transport.Disconnect(s.tag, s.target.ID); err != nil {
		m.c.log.Warn("[BLE] disconnect on close", "error", err)
	}
	m.finish(ErrClosed)
}

func notFound(what, uuid string, cause error) error {
	if cause != nil {
		return fmt.Errorf("discover %s %s: %w", what, uuid, cause)
	}
	return fmt.Errorf("%s %s not found", what, uuid)
}
