package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/bonsense/internal/ble"
	"github.com/chaz8081/bonsense/internal/config"
	"github.com/chaz8081/bonsense/internal/monitor"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bonsense/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	printBanner(cfg)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := ble.NewTinyGoTransport()
	if err := transport.Open(); err != nil {
		log.Fatalf("Failed to enable Bluetooth: %v\n\nOn macOS grant Bluetooth access in System Settings > Privacy & Security > Bluetooth.\nOn Linux make sure bluetoothd is running.", err)
	}
	defer transport.Close()

	central, err := ble.NewCentral(transport, cfg.CentralOptions(logger))
	if err != nil {
		log.Fatalf("ble: %v", err)
	}

	centralDone := make(chan error, 1)
	go func() { centralDone <- central.Run(ctx) }()

	history := monitor.NewHistory(cfg.Monitor.HistorySize)
	mon := monitor.New(central, cfg.MonitorOptions(logger), monitor.NewLogSink(logger), history)

	log.Println("Ready! Looking for", strings.Join(cfg.Device.Names, ", "), "- Ctrl+C to quit.")

	if err := mon.Run(ctx); err != nil {
		log.Printf("ERROR: monitor: %v", err)
	}

	log.Println("Shutting down...")
	// Drain what the central reports while it tears the session down.
	for ev := range central.Events() {
		if d, ok := ev.(ble.Disconnected); ok {
			log.Printf("Disconnected from %s", d.Peripheral.DisplayName())
		}
	}
	if err := <-centralDone; err != nil {
		log.Printf("ERROR: central: %v", err)
	}

	if avg, ok := history.Average(); ok {
		log.Printf("Average moisture over last %d readings: %.1f%%", history.Len(), avg)
	}
	log.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== bonsense ===")
	fmt.Printf("  Devices:  %s\n", strings.Join(cfg.Device.Names, ", "))
	fmt.Printf("  Service:  %s\n", cfg.Device.ServiceUUID)
	fmt.Printf("  Char:     %s\n", cfg.Device.CharacteristicUUID)
	fmt.Printf("  Scan:     %s (stop on target: %v)\n", cfg.Scan.Timeout, cfg.Scan.StopOnTarget)
	fmt.Printf("  Poll:     every %s (auto-connect: %v)\n", cfg.Monitor.PollInterval, cfg.Monitor.AutoConnect)
	fmt.Printf("  Notify:   %v\n", cfg.Connection.Notify)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("================")
}
