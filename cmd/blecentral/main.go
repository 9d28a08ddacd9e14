// Command blecentral scans for BLE peripherals, lists them, and optionally
// connects to one to browse its services and read, write or subscribe to
// characteristics.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/central"
	"github.com/chaz8081/blecentral/internal/config"
	"github.com/chaz8081/blecentral/internal/tracing"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to config file (default: ~/.config/blecentral/config.yaml)")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	scanFor := flag.DurationP("scan", "s", 5*time.Second, "how long to scan before listing or giving up on --connect")
	target := flag.String("connect", "", "peripheral to connect to, by id, address or name")
	reads := flag.StringArray("read", nil, "characteristic to read, as service/characteristic (repeatable)")
	writes := flag.StringArray("write", nil, "write as service/characteristic=hex; append ! for write without response (repeatable)")
	notifies := flag.StringArray("notify", nil, "characteristic to subscribe to, as service/characteristic (repeatable)")
	asJSON := flag.Bool("json", false, "print events as JSON lines")
	showAll := flag.BoolP("all", "a", false, "include devices that advertise no name")
	traceOn := flag.Bool("trace", false, "export connect and GATT operation spans to stderr")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
		} else {
			log.Printf("Wrote default config to %s", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	if *traceOn {
		cfg.Trace.Enabled = true
	}

	plan, err := parsePlan(*reads, *writes, *notifies)
	if err != nil {
		log.Fatalf("arguments: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.Setup(cfg.Trace, os.Stderr)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	engine, err := central.New(ble.NewTinyGoRadio(), cfg.EngineOptions(logger))
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	defer func() {
		engine.Close()
		if n := engine.DroppedEvents(); n > 0 {
			slog.Warn("events dropped by a slow subscriber", "count", n)
		}
	}()

	printer := newPrinter(os.Stdout, *asJSON)
	engine.SubscribeAll(printer.Event)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(); err != nil {
		log.Fatalf("Failed to enable Bluetooth: %v\n\nCheck that Bluetooth is on and this process is allowed to use it.", err)
	}
	if !cfg.Scan.AutoStart {
		if err := engine.Scan(true); err != nil {
			log.Fatalf("scan: %v", err)
		}
	}

	if *target == "" {
		select {
		case <-time.After(*scanFor):
		case <-ctx.Done():
		}
		printer.Devices(engine.ListDevices(), *showAll)
		return
	}

	if err := run(ctx, engine, printer, *target, *scanFor, plan); err != nil {
		log.Printf("ERROR: %v", err)
		engine.Close()
		os.Exit(1)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	return config.Default(), nil
}
