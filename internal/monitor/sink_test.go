package monitor

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/chaz8081/bonsense/internal/ble"
)

func reading(pct float64) Reading {
	return Reading{Sample: ble.MoistureSample{Percentage: pct}}
}

func TestHistoryDropsOldest(t *testing.T) {
	h := NewHistory(3)
	for _, pct := range []float64{10, 20, 30, 40, 50} {
		if err := h.Report(reading(pct)); err != nil {
			t.Fatalf("Report() error = %v", err)
		}
	}

	if h.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", h.Len())
	}
	got := h.Snapshot()
	want := []float64{30, 40, 50}
	for i, pct := range want {
		if got[i].Sample.Percentage != pct {
			t.Errorf("Snapshot()[%d] = %v, want %v", i, got[i].Sample.Percentage, pct)
		}
	}

	latest, ok := h.Latest()
	if !ok || latest.Sample.Percentage != 50 {
		t.Errorf("Latest() = %v, %v, want 50", latest.Sample.Percentage, ok)
	}
	avg, ok := h.Average()
	if !ok || avg != 40 {
		t.Errorf("Average() = %v, %v, want 40", avg, ok)
	}
}

func TestHistoryEmpty(t *testing.T) {
	h := NewHistory(2)
	if _, ok := h.Latest(); ok {
		t.Error("Latest() on empty history should report false")
	}
	if _, ok := h.Average(); ok {
		t.Error("Average() on empty history should report false")
	}
	if s := h.Snapshot(); len(s) != 0 {
		t.Errorf("Snapshot() = %v, want empty", s)
	}
}

func TestHistoryPartiallyFilled(t *testing.T) {
	h := NewHistory(5)
	_ = h.Report(reading(1))
	_ = h.Report(reading(2))
	got := h.Snapshot()
	if len(got) != 2 || got[0].Sample.Percentage != 1 || got[1].Sample.Percentage != 2 {
		t.Errorf("Snapshot() = %v, want [1 2]", got)
	}
}

func TestNewHistoryPanicsOnZeroSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewHistory(0) should panic")
		}
	}()
	NewHistory(0)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sink := NewLogSink(logger)

	err := sink.Report(Reading{
		Peripheral: ble.Peripheral{ID: "AA:BB", Name: "BonsaiPeripheral"},
		Sample:     ble.MoistureSample{Raw: []byte("42"), Percentage: 42},
	})
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"[MONITOR] moisture", "percent=42", "raw=3432", "device=BonsaiPeripheral"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}
