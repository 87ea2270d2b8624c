package ble

import (
	"context"
	"fmt"
	"time"
)

// ScanOnceOptions configures ScanOnce.
type ScanOnceOptions struct {
	Timeout time.Duration // zero uses the central's scan timeout
}

// ScanOnce runs a single scan session on a running central and returns its
// result. It consumes c.Events() until the ScanResult arrives, so it must
// not be combined with another event consumer.
func ScanOnce(ctx context.Context, c *Central, opts ScanOnceOptions) (ScanResult, error) {
	if err := c.StartScan(opts.Timeout); err != nil {
		return ScanResult{}, fmt.Errorf("ble: start scan: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			_ = c.StopScan()
			return ScanResult{}, ctx.Err()
		case ev, ok := <-c.Events():
			if !ok {
				return ScanResult{}, ErrClosed
			}
			if res, ok := ev.(ScanResult); ok {
				return res, res.Err
			}
		}
	}
}

// ReadOnce connects to target, takes one reading and disconnects. The
// Disconnected event for the teardown is left on c.Events().
func ReadOnce(ctx context.Context, c *Central, target Peripheral) (MoistureSample, error) {
	if err := c.Connect(target); err != nil {
		return MoistureSample{}, fmt.Errorf("ble: connect: %w", err)
	}
	defer func() { _ = c.Disconnect() }()

	for {
		select {
		case <-ctx.Done():
			return MoistureSample{}, ctx.Err()
		case ev, ok := <-c.Events():
			if !ok {
				return MoistureSample{}, ErrClosed
			}
			switch ev := ev.(type) {
			case ConnectionReady:
				if err := c.ReadValue(); err != nil {
					return MoistureSample{}, fmt.Errorf("ble: read: %w", err)
				}
			case ConnectionFailed:
				return MoistureSample{}, ev.Err
			case Disconnected:
				if ev.Err == nil {
					return MoistureSample{}, ErrDisconnected
				}
				return MoistureSample{}, ev.Err
			case ReadFailed:
				return MoistureSample{}, ev.Err
			case DataReceived:
				return ev.Sample, nil
			}
		}
	}
}
