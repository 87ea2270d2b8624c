// Package ble provides the BLE central for a bonsai soil-moisture sensor.
// It discovers the sensor peripheral, drives one connection at a time
// through service and characteristic discovery, reads moisture values and
// reports every outcome as an Event on a single channel.
package ble

// Bonsai sensor GATT contract. Must match the peripheral firmware.
const (
	MoistureServiceUUID = "12345678-1234-5678-1234-56789abcdef0"
	MoistureCharUUID    = "12345678-1234-5678-1234-56789abcdef1"
	DefaultDeviceName   = "BonsaiPeripheral"
)

// Peripheral identifies a discovered radio device.
type Peripheral struct {
	ID   string // platform identifier (MAC on Linux, CoreBluetooth UUID on macOS)
	Name string // advertised local name, may be empty
	RSSI int    // last seen signal strength, 0 if unknown
}

// DisplayName returns the advertised name, or the ID when none was advertised.
func (p Peripheral) DisplayName() string {
	if p.Name == "" {
		return p.ID
	}
	return p.Name
}

// PowerState is the radio state reported by the transport.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerResetting
	PowerUnsupported
	PowerUnauthorized
	PowerOff
	PowerOn
)

func (s PowerState) String() string {
	switch s {
	case PowerResetting:
		return "resetting"
	case PowerUnsupported:
		return "unsupported"
	case PowerUnauthorized:
		return "unauthorized"
	case PowerOff:
		return "powered-off"
	case PowerOn:
		return "powered-on"
	default:
		return "unknown"
	}
}

// Ready reports whether scans and connections can make progress.
func (s PowerState) Ready() bool { return s == PowerOn }

// unavailable reports whether the state guarantees no further progress.
// Unknown and resetting are transient and are not treated as a loss.
func (s PowerState) unavailable() bool {
	switch s {
	case PowerOff, PowerUnauthorized, PowerUnsupported:
		return true
	}
	return false
}

// Tag correlates a transport request with the events it produces.
// The central hands out a fresh tag per scan session, connection session
// and characteristic read; a transport echoes it back unchanged.
type Tag uint64

// Transport abstracts the platform BLE central stack.
//
// Every request method must return promptly; outcomes are delivered later
// on Events(). A returned error means the request was not issued and no
// completion event will follow.
type Transport interface {
	// Events returns the stream of inbound radio events.
	Events() <-chan TransportEvent
	// StartScan begins discovery. Results carry tag.
	StartScan(tag Tag) error
	// StopScan ends discovery.
	StopScan() error
	// Connect requests a link to the peripheral with the given ID.
	Connect(tag Tag, id string) error
	// Disconnect tears down the link to the peripheral with the given ID.
	Disconnect(tag Tag, id string) error
	// DiscoverService looks up one service on the connected peripheral.
	DiscoverService(tag Tag, serviceUUID string) error
	// DiscoverCharacteristic looks up one characteristic in the discovered service.
	DiscoverCharacteristic(tag Tag, serviceUUID, charUUID string) error
	// Read requests the current value of the discovered characteristic.
	Read(tag Tag) error
	// Subscribe enables notifications on the discovered characteristic.
	// Notified values arrive as ValueUpdated events with Notify set.
	Subscribe(tag Tag) error
}

// TransportEvent is one of the inbound radio events below.
type TransportEvent interface {
	transportEvent()
}

// PowerChanged reports a new radio power state.
type PowerChanged struct {
	State PowerState
}

// PeripheralDiscovered reports an advertisement seen during a scan.
type PeripheralDiscovered struct {
	Tag        Tag
	Peripheral Peripheral
}

// ScanStopped reports that the transport ended a scan on its own.
type ScanStopped struct {
	Tag Tag
	Err error
}

// Connected reports the outcome of a Connect request.
type Connected struct {
	Tag Tag
	ID  string
	Err error
}

// ServicesDiscovered reports the outcome of a DiscoverService request.
type ServicesDiscovered struct {
	Tag   Tag
	Found bool
	Err   error
}

// CharacteristicsDiscovered reports the outcome of a DiscoverCharacteristic request.
type CharacteristicsDiscovered struct {
	Tag   Tag
	Found bool
	Err   error
}

// ValueUpdated carries a characteristic value from a read or a notification.
type ValueUpdated struct {
	Tag    Tag
	Data   []byte
	Notify bool
	Err    error
}

// LinkLost reports that the link went down, requested or not. Tag must be
// the connection session's tag; untagged reports are dropped.
type LinkLost struct {
	Tag Tag
	ID  string
	Err error
}

func (PowerChanged) transportEvent()              {}
func (PeripheralDiscovered) transportEvent()      {}
func (ScanStopped) transportEvent()               {}
func (Connected) transportEvent()                 {}
func (ServicesDiscovered) transportEvent()        {}
func (CharacteristicsDiscovered) transportEvent() {}
func (ValueUpdated) transportEvent()              {}
func (LinkLost) transportEvent()                  {}
