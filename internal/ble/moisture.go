package ble

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MoistureSample is one decoded characteristic value.
type MoistureSample struct {
	Raw        []byte
	Percentage float64 // always within [0, 100]
}

var errEmptyPayload = errors.New("empty payload")

// ParseMoisture decodes a moisture characteristic value.
//
// The firmware sends either a UTF-8 decimal string ("42", "37.50") or a
// single unsigned byte. Text is tried first; if it is not valid UTF-8 or not
// a finite number, the first byte is used as the percentage. Values are
// clamped to [0, 100]. An empty payload is an error, never a default reading.
func ParseMoisture(data []byte) (MoistureSample, error) {
	if len(data) == 0 {
		return MoistureSample{}, newError(KindUnparseableData, errEmptyPayload)
	}

	raw := make([]byte, len(data))
	copy(raw, data)

	if v, ok := parseDecimal(data); ok {
		return MoistureSample{Raw: raw, Percentage: clampPercent(v)}, nil
	}
	return MoistureSample{Raw: raw, Percentage: clampPercent(float64(data[0]))}, nil
}

// parseDecimal accepts surrounding whitespace, NUL padding and a trailing '%'.
func parseDecimal(data []byte) (float64, bool) {
	if !utf8.Valid(data) {
		return 0, false
	}
	s := strings.TrimSpace(strings.Trim(string(data), "\x00"))
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
