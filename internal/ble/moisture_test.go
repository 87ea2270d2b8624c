package ble

import (
	"errors"
	"testing"
)

func TestParseMoisture(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want float64
	}{
		{"integer text", []byte("42"), 42},
		{"decimal text", []byte("37.50"), 37.5},
		{"percent suffix", []byte("42%"), 42},
		{"surrounding whitespace", []byte(" 61\n"), 61},
		{"nul padded", []byte("55\x00\x00"), 55},
		{"text above range", []byte("150"), 100},
		{"negative text", []byte("-3"), 0},
		{"zero", []byte("0"), 0},
		{"single byte", []byte{0x2A}, 42},
		{"single byte above range", []byte{0xFF}, 100},
		{"binary payload uses first byte", []byte{0x10, 0xC3, 0x28}, 16},
		{"non-numeric text uses first byte", []byte("A"), 65},
		{"NaN text uses first byte", []byte("NaN"), 78},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMoisture(tt.data)
			if err != nil {
				t.Fatalf("ParseMoisture(%q) error = %v", tt.data, err)
			}
			if got.Percentage != tt.want {
				t.Errorf("ParseMoisture(%q) = %v, want %v", tt.data, got.Percentage, tt.want)
			}
			if string(got.Raw) != string(tt.data) {
				t.Errorf("Raw = %q, want %q", got.Raw, tt.data)
			}
		})
	}
}

func TestParseMoistureEmpty(t *testing.T) {
	for _, data := range [][]byte{nil, {}} {
		_, err := ParseMoisture(data)
		if !errors.Is(err, ErrUnparseableData) {
			t.Errorf("ParseMoisture(%v) error = %v, want ErrUnparseableData", data, err)
		}
	}
}

func TestParseMoistureDeterministic(t *testing.T) {
	data := []byte("73.25")
	first, err := ParseMoisture(data)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		got, _ := ParseMoisture(data)
		if got.Percentage != first.Percentage {
			t.Fatalf("run %d: %v != %v", i, got.Percentage, first.Percentage)
		}
	}
}

func TestParseMoistureCopiesInput(t *testing.T) {
	data := []byte("42")
	got, err := ParseMoisture(data)
	if err != nil {
		t.Fatal(err)
	}
	data[0] = '9'
	if string(got.Raw) != "42" {
		t.Errorf("Raw aliased caller buffer: %q", got.Raw)
	}
}
