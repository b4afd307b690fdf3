package serial

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ser2tcp/ser2tcp/logger"
)

// readBufferSize is the size of the kernel read buffer per ReadLoop call.
// Chunks delivered to the data handler are at most this large.
const readBufferSize = 4096

var (
	// ErrUnsupportedBaudRate indicates the configured baud rate is not in
	// the standard rate table.
	ErrUnsupportedBaudRate = errors.New("serial: unsupported baud rate")
)

// Config holds the parameters for opening a serial port.
type Config struct {
	// Device is the serial device path, e.g. /dev/ttyUSB0.
	Device string
	// BaudRate must be one of the standard rates; see SupportedBaudRate.
	// Zero selects DefaultBaudRate.
	BaudRate int
	// Logger receives warnings for dropped and failed writes. When nil,
	// the package default logger is used.
	Logger logger.Logger
}

// Port is an open serial device.
//
// Port is safe for concurrent use: one goroutine may run ReadLoop while
// others call Write and Close.
type Port struct {
	fd        int
	file      *os.File
	cfg       Config
	logger    logger.Logger
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	pipeR     int // self-pipe read fd, polled alongside the port fd
	pipeW     int // self-pipe write fd, written by Close to wake ReadLoop
}

// Open opens the device in raw 8N1 mode at the configured baud rate.
func Open(cfg Config) (*Port, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}

	baud, ok := baudRates[cfg.BaudRate]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBaudRate, cfg.BaudRate)
	}

	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0o666)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	// Raw mode: no input translation, no output processing, no echo or
	// signal handling, 8 data bits, no parity.
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8

	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud

	// VMIN=1, VTIME=0: reads return as soon as at least one byte is
	// available, preserving the device's natural chunking.
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}

	// Configuration is done; switch back to blocking mode for I/O.
	if err := syscall.SetNonblock(fd, false); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("serial: set blocking mode: %w", err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("serial: create self-pipe: %w", err)
	}

	return &Port{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), cfg.Device),
		cfg:    cfg,
		logger: cfg.Logger,
		done:   make(chan struct{}),
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
	}, nil
}

// Name returns the device path the port was opened with.
func (s *Port) Name() string {
	return s.cfg.Device
}

// BaudRate returns the configured baud rate.
func (s *Port) BaudRate() int {
	return s.cfg.BaudRate
}

// IsOpen reports whether the port has not been closed.
func (s *Port) IsOpen() bool {
	return !s.closed.Load()
}

// ReadLoop reads byte chunks from the port and invokes onData for each
// one until the port is closed or a read error occurs.
//
// The slice passed to onData is only valid for the duration of the call.
// onError is invoked for runtime read errors and for unsolicited device
// closure; it is not invoked when the loop exits because of Close.
func (s *Port) ReadLoop(onData func(chunk []byte), onError func(err error)) {
	buf := make([]byte, readBufferSize)

	for {
		pfd := []unix.PollFd{
			{Fd: int32(s.fd), Events: unix.POLLIN},
			{Fd: int32(s.pipeR), Events: unix.POLLIN},
		}

		if _, err := unix.Poll(pfd, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if s.closed.Load() {
				return
			}
			onError(fmt.Errorf("serial: poll: %w", err))
			return
		}

		select {
		case <-s.done:
			return
		default:
		}

		if pfd[1].Revents&unix.POLLIN != 0 {
			// Woken by Close via the self-pipe.
			var b [1]byte
			_, _ = unix.Read(s.pipeR, b[:])
			return
		}

		if pfd[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			n, err := s.file.Read(buf)
			if n > 0 {
				onData(buf[:n])
			}
			if err != nil {
				if s.closed.Load() {
					return
				}
				onError(fmt.Errorf("serial: read %s: %w", s.cfg.Device, err))
				return
			}
		}
	}
}

// Write writes b to the port, best-effort.
//
// When the port is closed the data is dropped with a warning; write
// failures are likewise reported but never returned, because callers
// (TCP clients pushing bytes toward the device) must not be torn down
// by a degraded serial side.
func (s *Port) Write(b []byte) {
	if s.closed.Load() {
		s.logger.Warn("serial: write dropped, port closed",
			"device", s.cfg.Device,
			"bytes", len(b))

		return
	}

	if _, err := s.file.Write(b); err != nil {
		s.logger.Warn("serial: write failed",
			"device", s.cfg.Device,
			"bytes", len(b),
			"error", err)
	}
}

// Close closes the port and wakes any blocked ReadLoop.
//
// Close is idempotent; calls after the first are no-ops.
func (s *Port) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)

		// Wake poll via the self-pipe before tearing down fds.
		_, _ = unix.Write(s.pipeW, []byte{1})

		err = s.file.Close()

		_ = unix.Close(s.pipeR)
		_ = unix.Close(s.pipeW)
	})

	return err
}
