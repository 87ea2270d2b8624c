package ble

import (
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

var errNoLink = errors.New("ble: no active link")

// TinyGoTransport implements Transport on top of tinygo-org/bluetooth
// (CoreBluetooth on macOS, BlueZ on Linux). tinygo's calls block, so each
// request runs on its own goroutine and reports back through Events().
//
// On macOS peripheral IDs are CoreBluetooth UUIDs rather than MAC addresses.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter
	events  chan TransportEvent
	closed  chan struct{}
	once    sync.Once

	// mu protects link and connecting.
	mu         sync.Mutex
	link       *tinygoLink
	connecting Tag
}

// tinygoLink is the single connected peripheral and what was discovered on it.
type tinygoLink struct {
	tag     Tag
	id      string
	device  *bluetooth.Device
	service *bluetooth.DeviceService
	char    *bluetooth.DeviceCharacteristic
}

// NewTinyGoTransport wraps the platform default adapter.
func NewTinyGoTransport() *TinyGoTransport {
	return &TinyGoTransport{
		adapter: bluetooth.DefaultAdapter,
		events:  make(chan TransportEvent, 64),
		closed:  make(chan struct{}),
	}
}

// Open powers on the adapter and reports the resulting power state.
// tinygo has no power-state callbacks, so this is the only report.
func (t *TinyGoTransport) Open() error {
	if err := t.adapter.Enable(); err != nil {
		t.emit(PowerChanged{State: PowerUnsupported})
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// Fires with connected=false when the peripheral drops or after Disconnect.
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		t.mu.Lock()
		link := t.link
		if link == nil || link.id != id {
			// Already released by Disconnect, which reported it.
			t.mu.Unlock()
			return
		}
		t.link = nil
		t.mu.Unlock()
		t.emit(LinkLost{Tag: link.tag, ID: id})
	})

	t.emit(PowerChanged{State: PowerOn})
	return nil
}

// Close stops event delivery. Pending goroutines drop their results.
func (t *TinyGoTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *TinyGoTransport) Events() <-chan TransportEvent { return t.events }

func (t *TinyGoTransport) StartScan(tag Tag) error {
	go func() {
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			t.emit(PeripheralDiscovered{Tag: tag, Peripheral: Peripheral{
				ID:   result.Address.String(),
				Name: result.LocalName(),
				RSSI: int(result.RSSI),
			}})
		})
		if err != nil {
			err = fmt.Errorf("ble: scan: %w", err)
		}
		t.emit(ScanStopped{Tag: tag, Err: err})
	}()
	return nil
}

func (t *TinyGoTransport) StopScan() error {
	return t.adapter.StopScan()
}

func (t *TinyGoTransport) Connect(tag Tag, id string) error {
	var addr bluetooth.Address
	addr.Set(id)

	t.mu.Lock()
	t.connecting = tag
	t.mu.Unlock()

	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		t.mu.Lock()
		abandoned := t.connecting != tag
		if t.connecting == tag {
			t.connecting = 0
		}
		if err == nil && !abandoned {
			t.link = &tinygoLink{tag: tag, id: id, device: &device}
		}
		t.mu.Unlock()

		switch {
		case err != nil:
			t.emit(Connected{Tag: tag, ID: id, Err: fmt.Errorf("ble: connect to %s: %w", id, err)})
		case abandoned:
			// Disconnect arrived while connecting; drop the late link.
			_ = device.Disconnect()
		default:
			t.emit(Connected{Tag: tag, ID: id})
		}
	}()
	return nil
}

func (t *TinyGoTransport) Disconnect(tag Tag, id string) error {
	t.mu.Lock()
	link := t.link
	if link != nil && link.tag == tag {
		t.link = nil
	}
	if t.connecting == tag {
		t.connecting = 0
	}
	t.mu.Unlock()

	if link == nil || link.tag != tag {
		// Nothing connected under this tag (connect still pending or already gone).
		t.emit(LinkLost{Tag: tag, ID: id})
		return nil
	}
	go func() {
		err := link.device.Disconnect()
		if err != nil {
			err = fmt.Errorf("ble: disconnect %s: %w", id, err)
		}
		t.emit(LinkLost{Tag: tag, ID: id, Err: err})
	}()
	return nil
}

func (t *TinyGoTransport) DiscoverService(tag Tag, serviceUUID string) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	link := t.current(tag)
	if link == nil {
		return errNoLink
	}

	go func() {
		svcs, err := link.device.DiscoverServices([]bluetooth.UUID{uuid})
		if err != nil {
			t.emit(ServicesDiscovered{Tag: tag, Err: fmt.Errorf("ble: discover services: %w", err)})
			return
		}
		if len(svcs) == 0 {
			t.emit(ServicesDiscovered{Tag: tag})
			return
		}
		t.mu.Lock()
		link.service = &svcs[0]
		t.mu.Unlock()
		t.emit(ServicesDiscovered{Tag: tag, Found: true})
	}()
	return nil
}

func (t *TinyGoTransport) DiscoverCharacteristic(tag Tag, _, charUUID string) error {
	uuid, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}
	link := t.current(tag)
	if link == nil {
		return errNoLink
	}
	t.mu.Lock()
	svc := link.service
	t.mu.Unlock()
	if svc == nil {
		return errors.New("ble: service not discovered")
	}

	go func() {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{uuid})
		if err != nil {
			t.emit(CharacteristicsDiscovered{Tag: tag, Err: fmt.Errorf("ble: discover characteristics: %w", err)})
			return
		}
		if len(chars) == 0 {
			t.emit(CharacteristicsDiscovered{Tag: tag})
			return
		}
		t.mu.Lock()
		link.char = &chars[0]
		t.mu.Unlock()
		t.emit(CharacteristicsDiscovered{Tag: tag, Found: true})
	}()
	return nil
}

func (t *TinyGoTransport) Read(tag Tag) error {
	char, err := t.characteristic()
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 512)
		n, err := char.Read(buf)
		if err != nil {
			t.emit(ValueUpdated{Tag: tag, Err: fmt.Errorf("ble: read characteristic: %w", err)})
			return
		}
		t.emit(ValueUpdated{Tag: tag, Data: buf[:n]})
	}()
	return nil
}

func (t *TinyGoTransport) Subscribe(tag Tag) error {
	char, err := t.characteristic()
	if err != nil {
		return err
	}
	return char.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		t.emit(ValueUpdated{Tag: tag, Data: data, Notify: true})
	})
}

// Compile-time check that TinyGoTransport implements Transport.
var _ Transport = (*TinyGoTransport)(nil)

func (t *TinyGoTransport) current(tag Tag) *tinygoLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link == nil || t.link.tag != tag {
		return nil
	}
	return t.link
}

func (t *TinyGoTransport) characteristic() (*bluetooth.DeviceCharacteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link == nil || t.link.char == nil {
		return nil, errNoLink
	}
	return t.link.char, nil
}

func (t *TinyGoTransport) emit(ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}
