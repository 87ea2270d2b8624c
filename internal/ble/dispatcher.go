package ble

import "sync"

// Dispatcher delivers events in publish order on a single channel.
// Publishing never blocks: events are queued until the consumer takes them,
// so a slow consumer cannot stall the central's control loop.
type Dispatcher struct {
	mu     sync.Mutex
	queue  []Event
	closed bool

	wake chan struct{}
	out  chan Event
	done chan struct{}
}

// NewDispatcher starts a dispatcher. Call Close to release it.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// Events returns the delivery channel. It is closed after Close once every
// queued event has been received.
func (d *Dispatcher) Events() <-chan Event { return d.out }

// Publish queues events for delivery. Events published after Close are dropped.
func (d *Dispatcher) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, events...)
	d.mu.Unlock()
	d.signal()
}

// Close stops accepting events. Already queued events are still delivered.
// Close is idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

// Done is closed when the delivery goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer close(d.out)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				closed := d.closed
				d.mu.Unlock()
				if closed {
					return
				}
				break
			}
			batch := d.queue
			d.queue = nil
			d.mu.Unlock()

			for _, ev := range batch {
				d.out <- ev
			}
		}
	}
}
