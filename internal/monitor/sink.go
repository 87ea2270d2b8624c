package monitor

import (
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/bonsense/internal/ble"
)

// Reading is one moisture sample as reported to sinks.
type Reading struct {
	ID         string // ULID, sortable by collection time
	Peripheral ble.Peripheral
	Sample     ble.MoistureSample
	At         time.Time
	Notified   bool
}

// Sink receives every reading the monitor collects.
type Sink interface {
	Report(r Reading) error
}

// LogSink writes readings to a structured logger.
type LogSink struct {
	log *slog.Logger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger}
}

func (s *LogSink) Report(r Reading) error {
	s.log.Info("[MONITOR] moisture",
		"id", r.ID,
		"percent", r.Sample.Percentage,
		"raw", hex.EncodeToString(r.Sample.Raw),
		"device", r.Peripheral.DisplayName(),
		"notified", r.Notified,
	)
	return nil
}

// History keeps the most recent readings in a bounded FIFO. When full the
// oldest reading is dropped. Safe for concurrent use.
type History struct {
	mu    sync.Mutex
	buf   []Reading
	start int
	n     int
}

var _ Sink = (*History)(nil)

// NewHistory creates a History holding up to size readings.
// Panics if size is not positive (programmer error).
func NewHistory(size int) *History {
	if size <= 0 {
		panic("monitor: NewHistory called with non-positive size")
	}
	return &History{buf: make([]Reading, size)}
}

func (h *History) Report(r Reading) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = r
		h.n++
		return nil
	}
	h.buf[h.start] = r
	h.start = (h.start + 1) % len(h.buf)
	return nil
}

// Len returns the number of readings held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// Snapshot returns the held readings, oldest first.
func (h *History) Snapshot() []Reading {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Reading, h.n)
	for i := range out {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Latest returns the most recent reading.
func (h *History) Latest() (Reading, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return Reading{}, false
	}
	return h.buf[(h.start+h.n-1)%len(h.buf)], true
}

// Average returns the mean percentage of the held readings.
func (h *History) Average() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return 0, false
	}
	var sum float64
	for i := 0; i < h.n; i++ {
		sum += h.buf[(h.start+i)%len(h.buf)].Sample.Percentage
	}
	return sum / float64(h.n), true
}
