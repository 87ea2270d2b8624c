package ble

// Event is one outcome reported by the central. Use a type switch over the
// concrete types below.
type Event interface {
	event()
}

// PowerStateChanged reports a new radio power state.
type PowerStateChanged struct {
	State PowerState
}

// ScanResult ends a scan session. Devices are in first-seen order and
// Targets[i] reports whether Devices[i] matched the configured names.
// Err is set when the session ended because the transport failed.
type ScanResult struct {
	Devices []Peripheral
	Targets []bool
	Err     error
}

// FirstTarget returns the first classified target, if any.
func (r ScanResult) FirstTarget() (Peripheral, bool) {
	for i, ok := range r.Targets {
		if ok && i < len(r.Devices) {
			return r.Devices[i], true
		}
	}
	return Peripheral{}, false
}

// ConnectionReady reports that the required characteristic was found and
// reads may be issued. Sent once per successful connection.
type ConnectionReady struct {
	Peripheral Peripheral
}

// ConnectionFailed reports that a connection attempt did not reach Ready.
// Err is a *Error.
type ConnectionFailed struct {
	Peripheral Peripheral
	Err        error
}

// Disconnected reports that a session ended. Err is nil for a requested
// disconnect and a *Error otherwise.
type Disconnected struct {
	Peripheral Peripheral
	Err        error
}

// DataReceived carries a decoded characteristic value.
type DataReceived struct {
	Peripheral Peripheral
	Sample     MoistureSample
	Notified   bool
}

// ReadFailed reports a failed read. Err is a *Error.
type ReadFailed struct {
	Err error
}

func (PowerStateChanged) event() {}
func (ScanResult) event()        {}
func (ConnectionReady) event()   {}
func (ConnectionFailed) event()  {}
func (Disconnected) event()      {}
func (DataReceived) event()      {}
func (ReadFailed) event()        {}
