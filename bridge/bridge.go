package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ser2tcp/ser2tcp/internal/pool"
	"github.com/ser2tcp/ser2tcp/internal/task"
	"github.com/ser2tcp/ser2tcp/logger"
	"github.com/ser2tcp/ser2tcp/serial"
)

// clientReadBufferSize is the per-client read buffer toward the serial
// device.
const clientReadBufferSize = 4096

var (
	// ErrAlreadyOpen is returned by Open on a bridge that is already running.
	ErrAlreadyOpen = errors.New("bridge: already open")
	// ErrCloseTimeout is returned by Close when tasks don't terminate in time.
	ErrCloseTimeout = errors.New("bridge: close timeout")
)

// Bridge relays bytes between one serial device and a set of TCP clients.
//
// Create it with New, start it with Open, stop it with Close. Close is
// idempotent and safe to call from signal handlers multiple times.
type Bridge struct {
	pctx      context.Context
	ctx       context.Context
	ctxCancel context.CancelFunc
	cfg       *Config
	logger    logger.Logger

	// Serial endpoint. Guarded because reconnect mode swaps the port.
	portMu sync.RWMutex
	port   *serial.Port

	listenerMu sync.Mutex
	listener   net.Listener

	// Live client registry, keyed by stable client ID.
	clients      *xsync.MapOf[uint64, *client]
	nextClientID atomic.Uint64

	taskMgr  *task.Manager
	opened   atomic.Bool
	shutdown atomic.Bool

	metrics Metrics
}

// New creates a Bridge with the given parent context and configuration.
func New(ctx context.Context, cfg *Config) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.New("bridge: config is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b := &Bridge{
		pctx:    ctx,
		cfg:     cfg,
		logger:  cfg.logger,
		clients: xsync.NewMapOf[uint64, *client](),
		taskMgr: task.NewManager(ctx, cfg.logger),
	}
	b.ctx, b.ctxCancel = context.WithCancel(ctx)

	return b, nil
}

// Open opens the serial device, binds the TCP listener, and starts the
// accept loop and the serial fan-out loop.
//
// Both the serial open and the bind are fatal on failure: the bridge
// cannot operate without either side, so the error is returned and
// nothing is left running.
func (b *Bridge) Open() error {
	if !b.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}

	b.shutdown.Store(false)
	b.ctx, b.ctxCancel = context.WithCancel(b.pctx)

	port, err := serial.Open(serial.Config{
		Device:   b.cfg.device,
		BaudRate: b.cfg.baudRate,
		Logger:   b.logger,
	})
	if err != nil {
		b.opened.Store(false)
		return fmt.Errorf("bridge: open serial device: %w", err)
	}

	b.setPort(port)
	b.logger.Info("serial port opened",
		"device", b.cfg.device,
		"baudRate", b.cfg.baudRate)

	var lc net.ListenConfig

	listener, err := lc.Listen(b.ctx, "tcp", b.cfg.Addr())
	if err != nil {
		_ = port.Close()
		b.setPort(nil)
		b.opened.Store(false)

		return fmt.Errorf("bridge: listen on %s: %w", b.cfg.Addr(), err)
	}

	b.listenerMu.Lock()
	b.listener = listener
	b.listenerMu.Unlock()

	b.logger.Info("listening", "address", listener.Addr().String())

	if err := b.taskMgr.Start("acceptLoop", b.acceptIteration); err != nil {
		_ = b.Close()
		return err
	}

	if err := b.taskMgr.Start("serialReader", b.serialReaderTask); err != nil {
		_ = b.Close()
		return err
	}

	return nil
}

// Close shuts the bridge down: serial port, every client socket, and the
// listener are closed (client close errors swallowed), then all tasks
// are stopped and awaited.
//
// Close is idempotent; repeated calls return nil immediately.
func (b *Bridge) Close() error {
	if !b.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	b.logger.Info("shutting down")

	if port := b.getPort(); port != nil {
		if err := port.Close(); err != nil {
			b.logger.Debug("serial close error", "error", err)
		}
		b.setPort(nil)
		b.logger.Info("serial port closed", "device", b.cfg.device)
	}

	// Force-close every client. This also unblocks their reader tasks.
	b.clients.Range(func(_ uint64, c *client) bool {
		b.removeClient(c)
		return true
	})

	b.listenerMu.Lock()
	if b.listener != nil {
		if err := b.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			b.logger.Error("listener close error", "error", err)
		}
		b.listener = nil
	}
	b.listenerMu.Unlock()

	b.ctxCancel()
	b.taskMgr.Stop()

	waited := make(chan struct{})
	go func() {
		b.taskMgr.Wait()
		close(waited)
	}()

	closeTimer := pool.GetTimer(b.cfg.closeTimeout)
	defer pool.PutTimer(closeTimer)

	select {
	case <-waited:
	case <-closeTimer.C:
		b.logger.Error("close timeout waiting for tasks",
			"timeout", b.cfg.closeTimeout,
			"taskCount", b.taskMgr.Count())
		b.opened.Store(false)

		return ErrCloseTimeout
	}

	b.opened.Store(false)
	b.logger.Info("shutdown complete")

	return nil
}

// IsOpen reports whether the bridge is running.
func (b *Bridge) IsOpen() bool {
	return b.opened.Load() && !b.shutdown.Load()
}

// ClientCount returns the number of live clients.
func (b *Bridge) ClientCount() int {
	return b.clients.Size()
}

// Metrics returns the bridge's metric counters.
func (b *Bridge) Metrics() *Metrics {
	return &b.metrics
}

// --- Serial endpoint ---

func (b *Bridge) setPort(port *serial.Port) {
	b.portMu.Lock()
	defer b.portMu.Unlock()

	b.port = port
}

func (b *Bridge) getPort() *serial.Port {
	b.portMu.RLock()
	defer b.portMu.RUnlock()

	return b.port
}

// writeSerial forwards client bytes to the serial device, best-effort.
// A missing or closed port drops the data with a warning; the sending
// client is never affected.
func (b *Bridge) writeSerial(p []byte) {
	port := b.getPort()
	if port == nil {
		b.logger.Warn("serial write dropped, device not open",
			"device", b.cfg.device,
			"bytes", len(p))

		return
	}

	port.Write(p)
	b.metrics.addSerialTxBytes(len(p))
}

// serialReaderTask runs the serial read loop. One iteration covers the
// lifetime of one open port: the loop returns on close or read error.
// With reconnect enabled a new port is opened and the task continues;
// otherwise the serial side stays down until the process restarts.
func (b *Bridge) serialReaderTask() bool {
	port := b.getPort()
	if port == nil {
		return false
	}

	var readErr error

	port.ReadLoop(b.fanOut, func(err error) {
		readErr = err
	})

	if b.shutdown.Load() {
		return false
	}

	if readErr != nil {
		b.logger.Error("serial read failed",
			"device", b.cfg.device,
			"error", readErr)
	}

	_ = port.Close()
	b.setPort(nil)

	if !b.cfg.serialReconnect {
		b.logger.Warn("serial device lost, not reconnecting; client writes will be dropped",
			"device", b.cfg.device)

		return false
	}

	return b.reopenSerial()
}

// reopenSerial attempts to reopen the serial device at the configured
// interval until it succeeds or the bridge shuts down. Returns true when
// a new port is installed so the reader task continues.
func (b *Bridge) reopenSerial() bool {
	for {
		if b.shutdown.Load() {
			return false
		}

		port, err := serial.Open(serial.Config{
			Device:   b.cfg.device,
			BaudRate: b.cfg.baudRate,
			Logger:   b.logger,
		})
		if err == nil {
			b.setPort(port)
			b.metrics.incSerialReopenCount()
			b.logger.Info("serial port reopened",
				"device", b.cfg.device,
				"baudRate", b.cfg.baudRate)

			return true
		}

		b.logger.Warn("serial reopen failed",
			"device", b.cfg.device,
			"retryIn", b.cfg.reconnectInterval,
			"error", err)

		retryTimer := pool.GetTimer(b.cfg.reconnectInterval)

		select {
		case <-b.ctx.Done():
			pool.PutTimer(retryTimer)
			return false
		case <-retryTimer.C:
			pool.PutTimer(retryTimer)
		}
	}
}

// --- Fan-out ---

// fanOut delivers one serial chunk to every live client.
//
// It runs on the single serial reader goroutine, so each client observes
// chunks in serial arrival order. The registry is iterated via Range,
// which tolerates concurrent insertion and removal; clients that fail
// the write (or were already marked dead) are collected and removed
// after the pass so removal can't disturb the iteration.
func (b *Bridge) fanOut(chunk []byte) {
	b.metrics.addSerialRxBytes(len(chunk))

	if b.clients.Size() == 0 {
		// No consumers: the chunk is discarded, never buffered.
		b.metrics.incDiscardedChunkCount()
		return
	}

	var dead []*client

	b.clients.Range(func(_ uint64, c *client) bool {
		if c.isDead() {
			dead = append(dead, c)
			return true
		}

		if err := c.write(chunk, b.cfg.writeTimeout); err != nil {
			b.metrics.incClientErrCount()
			b.logger.Error("client write failed",
				"remoteAddr", c.remoteAddr,
				"clientID", c.id,
				"error", err)
			dead = append(dead, c)

			return true
		}

		b.metrics.addFanOutBytes(len(chunk))

		return true
	})

	for _, c := range dead {
		b.removeClient(c)
	}
}

// --- TCP listener ---

// acceptIteration performs one accept with a deadline so shutdown is
// noticed within the accept timeout.
func (b *Bridge) acceptIteration() bool {
	listener := b.tcpListener()
	if listener == nil || b.shutdown.Load() {
		return false
	}

	conn, err := listener.Accept()
	if err != nil {
		return b.handleAcceptError(err)
	}

	b.addClient(conn)

	return true
}

// tcpListener retrieves the listener and arms the accept deadline.
func (b *Bridge) tcpListener() *net.TCPListener {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()

	if b.listener == nil {
		return nil
	}

	tcpListener, ok := b.listener.(*net.TCPListener)
	if !ok {
		return nil
	}

	if err := tcpListener.SetDeadline(time.Now().Add(b.cfg.acceptTimeout)); err != nil {
		b.logger.Error("failed to set accept deadline", "error", err)

		return nil
	}

	return tcpListener
}

// handleAcceptError decides whether the accept loop continues after an
// Accept failure.
func (b *Bridge) handleAcceptError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return !b.shutdown.Load()
	}

	if b.shutdown.Load() || errors.Is(err, net.ErrClosed) {
		return false
	}

	b.logger.Error("accept failed", "error", err)

	return true
}

// addClient registers an accepted connection and starts its reader task.
func (b *Bridge) addClient(conn net.Conn) {
	id := b.nextClientID.Add(1)
	c := newClient(id, conn)

	b.clients.Store(id, c)
	b.metrics.incClientConnectCount()
	b.logger.Info("client connected",
		"remoteAddr", c.remoteAddr,
		"clientID", id,
		"clients", b.clients.Size())

	buf := make([]byte, clientReadBufferSize)

	err := b.taskMgr.StartWithCancel(
		fmt.Sprintf("clientReader-%d", id),
		func() bool { return b.clientReadIteration(c, buf) },
		func() { b.removeClient(c) },
	)
	if err != nil {
		b.logger.Error("failed to start client reader",
			"remoteAddr", c.remoteAddr,
			"error", err)
		b.removeClient(c)
	}
}

// clientReadIteration reads one chunk from the client and forwards it to
// the serial device. Read errors end the task; the cancel func removes
// the client.
func (b *Bridge) clientReadIteration(c *client, buf []byte) bool {
	n, err := c.conn.Read(buf)
	if n > 0 {
		b.writeSerial(buf[:n])
	}

	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			b.metrics.incClientErrCount()
			b.logger.Error("client read failed",
				"remoteAddr", c.remoteAddr,
				"clientID", c.id,
				"error", err)
		}

		return false
	}

	return !c.isDead()
}

// removeClient takes the client out of the registry and force-closes its
// connection, swallowing close errors. Safe to call more than once per
// client; the disconnect is logged and counted only on the first call.
func (b *Bridge) removeClient(c *client) {
	if _, loaded := b.clients.LoadAndDelete(c.id); loaded {
		b.metrics.incClientDisconnectCount()
		b.logger.Info("client disconnected",
			"remoteAddr", c.remoteAddr,
			"clientID", c.id,
			"clients", b.clients.Size())
	}

	c.close()
}
