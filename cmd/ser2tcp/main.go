// Command ser2tcp bridges a serial device to TCP clients.
//
// Every byte read from the serial device is forwarded to all connected
// TCP clients, and bytes received from any client are written to the
// serial device. The payload is passed through untouched in both
// directions.
//
// Configuration comes from flags, optionally seeded from a YAML file
// given with --config; explicitly set flags override file values.
//
// Exit status is non-zero when the serial device cannot be opened or the
// listener cannot bind, and zero on shutdown via SIGINT/SIGTERM/SIGHUP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/ser2tcp/ser2tcp/bridge"
	"github.com/ser2tcp/ser2tcp/logger"
)

// fileConfig mirrors the flag set for YAML config files. Durations are
// strings in time.ParseDuration format, e.g. "5s".
type fileConfig struct {
	Device            string `yaml:"device"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Baud              int    `yaml:"baud"`
	Reconnect         bool   `yaml:"reconnect"`
	ReconnectInterval string `yaml:"reconnectInterval"`
	LogLevel          string `yaml:"logLevel"`
}

func main() {
	var (
		device            = pflag.String("device", bridge.DefaultDevice, "serial device path")
		host              = pflag.String("host", "", "TCP bind address (default: all interfaces)")
		port              = pflag.Int("port", bridge.DefaultPort, "TCP bind port")
		baud              = pflag.Int("baud", bridge.DefaultBaudRate, "serial baud rate")
		reconnect         = pflag.Bool("reconnect", false, "reopen the serial device after a runtime failure")
		reconnectInterval = pflag.Duration("reconnect-interval", bridge.DefaultReconnectInterval, "delay between serial reopen attempts")
		logLevel          = pflag.String("log-level", "info", "log level: debug, info, warn, error")
		configPath        = pflag.String("config", "", "YAML config file (flags override file values)")
	)

	pflag.Parse()

	if *configPath != "" {
		if err := applyConfigFile(*configPath, device, host, port, baud, reconnect, reconnectInterval, logLevel); err != nil {
			fmt.Fprintf(os.Stderr, "ser2tcp: %v\n", err)
			os.Exit(1)
		}
	}

	log := logger.NewSlog(parseLogLevel(*logLevel), false)

	log.Info("starting ser2tcp",
		"device", *device,
		"host", *host,
		"port", *port,
		"baudRate", *baud,
		"reconnect", *reconnect)

	cfg, err := bridge.NewConfig(*host, *port,
		bridge.WithDevice(*device),
		bridge.WithBaudRate(*baud),
		bridge.WithSerialReconnect(*reconnect),
		bridge.WithReconnectInterval(*reconnectInterval),
		bridge.WithLogger(log),
	)
	if err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := bridge.New(ctx, cfg)
	if err != nil {
		log.Fatal("failed to create bridge", "error", err)
	}

	if err := b.Open(); err != nil {
		log.Fatal("failed to start bridge", "error", err)
	}

	exitSig := make(chan os.Signal, 1)
	signal.Notify(exitSig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	<-exitSig
	log.Info("exit signal received")

	// A second signal during teardown is harmless; Close is idempotent.
	go func() {
		<-exitSig
		_ = b.Close()
	}()

	if err := b.Close(); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}

	cancel()
}

// applyConfigFile loads path and copies its values into any flag that
// was not explicitly set on the command line.
func applyConfigFile(path string, device, host *string, port, baud *int, reconnect *bool, reconnectInterval *time.Duration, logLevel *string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	set := func(name string) bool { return pflag.CommandLine.Changed(name) }

	if !set("device") && fc.Device != "" {
		*device = fc.Device
	}
	if !set("host") && fc.Host != "" {
		*host = fc.Host
	}
	if !set("port") && fc.Port != 0 {
		*port = fc.Port
	}
	if !set("baud") && fc.Baud != 0 {
		*baud = fc.Baud
	}
	if !set("reconnect") && fc.Reconnect {
		*reconnect = true
	}
	if !set("reconnect-interval") && fc.ReconnectInterval != "" {
		d, err := time.ParseDuration(fc.ReconnectInterval)
		if err != nil {
			return fmt.Errorf("config file %s: invalid reconnectInterval: %w", path, err)
		}
		*reconnectInterval = d
	}
	if !set("log-level") && fc.LogLevel != "" {
		*logLevel = fc.LogLevel
	}

	return nil
}

func parseLogLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.DebugLevel
	case "warn":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}
