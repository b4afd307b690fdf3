package bridge

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ser2tcp/ser2tcp/logger"
	"github.com/ser2tcp/ser2tcp/serial"
)

// Defaults for bridge configuration.
const (
	DefaultDevice   = "/dev/ttyUSB0"
	DefaultHost     = "0.0.0.0"
	DefaultPort     = 5000
	DefaultBaudRate = serial.DefaultBaudRate

	// DefaultWriteTimeout bounds a single fan-out write to one client.
	// A client that can't take a chunk within this window is dead.
	DefaultWriteTimeout = 5 * time.Second

	// DefaultAcceptTimeout is the accept deadline per iteration of the
	// accept loop, so shutdown is noticed promptly.
	DefaultAcceptTimeout = time.Second

	// DefaultCloseTimeout bounds how long Close waits for tasks to stop.
	DefaultCloseTimeout = 3 * time.Second

	// DefaultReconnectInterval is the delay between serial reopen
	// attempts when reconnect mode is enabled.
	DefaultReconnectInterval = 5 * time.Second
)

// Config holds all configuration for a Bridge.
type Config struct {
	host string
	port int

	device   string
	baudRate int

	writeTimeout      time.Duration
	acceptTimeout     time.Duration
	closeTimeout      time.Duration
	serialReconnect   bool
	reconnectInterval time.Duration

	logger logger.Logger
}

// NewConfig creates a bridge configuration for binding host:port.
//
// host is the TCP bind address, port the TCP port. opts are functional
// options applied in order; see the With* functions.
func NewConfig(host string, port int, opts ...Option) (*Config, error) {
	cfg := &Config{
		device:            DefaultDevice,
		baudRate:          DefaultBaudRate,
		writeTimeout:      DefaultWriteTimeout,
		acceptTimeout:     DefaultAcceptTimeout,
		closeTimeout:      DefaultCloseTimeout,
		reconnectInterval: DefaultReconnectInterval,
		logger:            logger.GetLogger(),
	}

	if err := cfg.setHost(host); err != nil {
		return nil, err
	}
	if err := cfg.setPort(port); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (cfg *Config) setHost(host string) error {
	if host == "" {
		// Empty host binds all interfaces.
		cfg.host = ""
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		cfg.host = host
		return nil
	}

	host = strings.TrimPrefix(host, ".")
	host = strings.TrimSuffix(host, ".")
	if _, err := net.LookupHost(host); err == nil {
		cfg.host = host
		return nil
	}

	return fmt.Errorf("bridge: invalid host %q", host)
}

func (cfg *Config) setPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("bridge: port %d out of range [0, 65535]", port)
	}
	cfg.port = port

	return nil
}

// --- Getters ---

// Host returns the TCP bind address. Empty means all interfaces.
func (cfg *Config) Host() string { return cfg.host }

// Port returns the TCP port.
func (cfg *Config) Port() int { return cfg.port }

// Addr returns the bind address in "host:port" form.
func (cfg *Config) Addr() string { return net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port)) }

// Device returns the serial device path.
func (cfg *Config) Device() string { return cfg.device }

// BaudRate returns the serial baud rate.
func (cfg *Config) BaudRate() int { return cfg.baudRate }

// WriteTimeout returns the per-client fan-out write deadline.
func (cfg *Config) WriteTimeout() time.Duration { return cfg.writeTimeout }

// AcceptTimeout returns the per-iteration accept deadline.
func (cfg *Config) AcceptTimeout() time.Duration { return cfg.acceptTimeout }

// CloseTimeout returns the shutdown wait bound.
func (cfg *Config) CloseTimeout() time.Duration { return cfg.closeTimeout }

// SerialReconnect returns whether the bridge reopens the serial device
// after a runtime failure.
func (cfg *Config) SerialReconnect() bool { return cfg.serialReconnect }

// ReconnectInterval returns the delay between serial reopen attempts.
func (cfg *Config) ReconnectInterval() time.Duration { return cfg.reconnectInterval }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- Option ---

// Option is a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithDevice sets the serial device path.
func WithDevice(path string) Option {
	return optFunc(func(cfg *Config) error {
		if path == "" {
			return errors.New("bridge: device path must not be empty")
		}
		cfg.device = path

		return nil
	})
}

// WithBaudRate sets the serial baud rate. Must be one of the standard
// rates supported by the serial package.
func WithBaudRate(rate int) Option {
	return optFunc(func(cfg *Config) error {
		if !serial.SupportedBaudRate(rate) {
			return fmt.Errorf("bridge: unsupported baud rate %d", rate)
		}
		cfg.baudRate = rate

		return nil
	})
}

// WithWriteTimeout sets the per-client fan-out write deadline. A client
// that misses the deadline is treated as dead and removed.
func WithWriteTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("bridge: write timeout must be positive")
		}
		cfg.writeTimeout = d

		return nil
	})
}

// WithAcceptTimeout sets the accept deadline per accept-loop iteration.
func WithAcceptTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("bridge: accept timeout must be positive")
		}
		cfg.acceptTimeout = d

		return nil
	})
}

// WithCloseTimeout sets how long Close waits for tasks to terminate.
func WithCloseTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("bridge: close timeout must be positive")
		}
		cfg.closeTimeout = d

		return nil
	})
}

// WithSerialReconnect enables or disables reopening the serial device
// after a runtime failure. Disabled by default: the historical behavior
// is that a lost serial device stays lost until the process restarts.
func WithSerialReconnect(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.serialReconnect = enabled

		return nil
	})
}

// WithReconnectInterval sets the delay between serial reopen attempts.
// Only meaningful together with WithSerialReconnect.
func WithReconnectInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("bridge: reconnect interval must be positive")
		}
		cfg.reconnectInterval = d

		return nil
	})
}

// WithLogger sets the logger for the bridge.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("bridge: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
