// Command bonsense-scan is a manual tool for finding the bonsai sensor.
// It runs one scan session and prints every peripheral seen, marking the
// ones that match the target names. With --read it also connects to the
// first match and takes one moisture reading.
//
// Usage:
//
//	go run ./cmd/bonsense-scan [--timeout 10s] [--name BonsaiPeripheral] [--read]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/bonsense/internal/ble"
)

func main() {
	timeout := flag.Duration("timeout", 10*time.Second, "scan duration")
	name := flag.String("name", ble.DefaultDeviceName, "target name (case-insensitive substring)")
	read := flag.Bool("read", false, "connect to the first match and read moisture once")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := ble.NewTinyGoTransport()
	if err := transport.Open(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer transport.Close()

	opts := ble.DefaultOptions()
	opts.Names = []string{*name}
	opts.Logger = logger
	central, err := ble.NewCentral(transport, opts)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	go func() { _ = central.Run(ctx) }()

	fmt.Printf("Scanning for %s...\n", *timeout)
	res, err := ble.ScanOnce(ctx, central, ble.ScanOnceOptions{Timeout: *timeout})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nFound %d device(s):\n", len(res.Devices))
	for i, p := range res.Devices {
		marker := " "
		if res.Targets[i] {
			marker = "*"
		}
		fmt.Printf("  %s %-20s %-40s %4d dBm\n", marker, p.DisplayName(), p.ID, p.RSSI)
	}

	target, ok := res.FirstTarget()
	if !ok {
		fmt.Println("\nNo sensor found.")
		return
	}
	fmt.Printf("\nSensor: %s (%s)\n", target.DisplayName(), target.ID)

	if !*read {
		return
	}
	readCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout+opts.ReadTimeout)
	defer cancel()
	sample, err := ble.ReadOnce(readCtx, central, target)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Moisture: %.1f%% (raw %q)\n", sample.Percentage, sample.Raw)
}
