package bridge

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ser2tcp/ser2tcp/logger"
)

func testLogger() logger.Logger {
	return logger.NewSlog(logger.ErrorLevel, false)
}

// newTestBridge starts a bridge against the slave end of a fresh PTY
// pair on an ephemeral loopback port. The returned master file plays the
// role of the serial device.
func newTestBridge(t *testing.T, opts ...Option) (*Bridge, *os.File) {
	t.Helper()

	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	base := []Option{
		WithDevice(slave.Name()),
		WithLogger(testLogger()),
	}

	cfg, err := NewConfig("127.0.0.1", 0, append(base, opts...)...)
	require.NoError(t, err)

	b, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, b.Open())
	t.Cleanup(func() { _ = b.Close() })

	return b, master
}

func bridgeAddr(b *Bridge) string {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()

	return b.listener.Addr().String()
}

// dialClient connects a TCP client and waits until the bridge has
// registered it, so subsequent serial injections reach it.
func dialClient(t *testing.T, b *Bridge, wantCount int) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", bridgeAddr(b))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return b.ClientCount() == wantCount
	}, 3*time.Second, 10*time.Millisecond, "client not registered")

	return conn
}

// readExactly reads exactly n bytes from conn or fails the test.
func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := conn.Read(buf[got:])
		require.NoError(t, err)
		got += m
	}

	return buf
}

func TestBridge_FanOutPreservesOrder(t *testing.T) {
	b, master := newTestBridge(t)
	conn := dialClient(t, b, 1)

	// Inject chunks with pauses so they arrive as separate reads.
	for _, chunk := range [][]byte{{0x01}, {0x02, 0x03}, {0x04}} {
		_, err := master.Write(chunk)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	got := readExactly(t, conn, 4)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, got)
}

func TestBridge_TwoClientScenario(t *testing.T) {
	b, master := newTestBridge(t)
	conn1 := dialClient(t, b, 1)
	conn2 := dialClient(t, b, 2)

	// Serial injection reaches both clients.
	_, err := master.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	assert.Equal(t, []byte{0x01, 0x02, 0x03}, readExactly(t, conn1, 3))
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, readExactly(t, conn2, 3))

	// Client bytes reach the serial device.
	_, err = conn1.Write([]byte{0x10, 0x20})
	require.NoError(t, err)

	devBuf := make([]byte, 2)
	for got := 0; got < len(devBuf); {
		n, err := master.Read(devBuf[got:])
		require.NoError(t, err)
		got += n
	}
	assert.Equal(t, []byte{0x10, 0x20}, devBuf)

	// After client 1 disconnects, injections reach only client 2.
	require.NoError(t, conn1.Close())
	require.Eventually(t, func() bool {
		return b.ClientCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	_, err = master.Write([]byte{0xFF})
	require.NoError(t, err)

	assert.Equal(t, []byte{0xFF}, readExactly(t, conn2, 1))
}

func TestBridge_EmptySetDiscardsChunks(t *testing.T) {
	b, master := newTestBridge(t)

	_, err := master.Write([]byte{0xAA})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Metrics().DiscardedChunkCount.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond, "chunk not discarded")

	// A client connecting afterwards must not see the discarded chunk.
	conn := dialClient(t, b, 1)

	_, err = master.Write([]byte{0xBB})
	require.NoError(t, err)

	got := readExactly(t, conn, 1)
	assert.Equal(t, []byte{0xBB}, got)
}

func TestBridge_DeadClientIsolation(t *testing.T) {
	cfg, err := NewConfig("127.0.0.1", 0,
		WithLogger(testLogger()),
		WithWriteTimeout(time.Second),
	)
	require.NoError(t, err)

	b, err := New(context.Background(), cfg)
	require.NoError(t, err)

	// Client A: both pipe ends closed, so writes fail immediately.
	aBridge, aRemote := net.Pipe()
	aBridge.Close()
	aRemote.Close()
	clientA := newClient(1, aBridge)
	b.clients.Store(clientA.id, clientA)

	// Client B: healthy, with a reader draining its remote end.
	bBridge, bRemote := net.Pipe()
	defer bRemote.Close()
	clientB := newClient(2, bBridge)
	b.clients.Store(clientB.id, clientB)

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := bRemote.Read(buf)
		if err == nil {
			received <- buf[:n]
		}
	}()

	b.fanOut([]byte{0x42, 0x43})

	// B received the chunk in the same pass despite A's failure.
	select {
	case got := <-received:
		assert.Equal(t, []byte{0x42, 0x43}, got)
	case <-time.After(3 * time.Second):
		t.Fatal("healthy client did not receive chunk")
	}

	// A is gone, B is still registered.
	_, aLive := b.clients.Load(clientA.id)
	assert.False(t, aLive)
	_, bLive := b.clients.Load(clientB.id)
	assert.True(t, bLive)
	assert.Equal(t, uint64(1), b.Metrics().ClientErrCount.Load())
}

func TestBridge_SerialClosedWritesDropped(t *testing.T) {
	b, _ := newTestBridge(t)
	conn := dialClient(t, b, 1)

	// Kill the serial side out from under the bridge. Without reconnect
	// the reader task releases the port.
	require.NoError(t, b.getPort().Close())
	require.Eventually(t, func() bool {
		return b.getPort() == nil
	}, 3*time.Second, 10*time.Millisecond, "port not released")

	// A client pushing bytes at a dead serial side must survive.
	_, err := conn.Write([]byte{0x99})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, b.ClientCount(), "client must not be torn down by a serial-side drop")
}

func TestBridge_CloseIsIdempotent(t *testing.T) {
	b, _ := newTestBridge(t)
	_ = dialClient(t, b, 1)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.False(t, b.IsOpen())
}

func TestBridge_OpenFailsOnMissingDevice(t *testing.T) {
	cfg, err := NewConfig("127.0.0.1", 0,
		WithDevice("/dev/does-not-exist"),
		WithLogger(testLogger()),
	)
	require.NoError(t, err)

	b, err := New(context.Background(), cfg)
	require.NoError(t, err)

	require.Error(t, b.Open())
	assert.False(t, b.IsOpen())
}

func TestBridge_DoubleOpen(t *testing.T) {
	b, _ := newTestBridge(t)

	err := b.Open()
	require.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestBridge_ReopenSerial(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	cfg, err := NewConfig("127.0.0.1", 0,
		WithDevice(slave.Name()),
		WithSerialReconnect(true),
		WithReconnectInterval(10*time.Millisecond),
		WithLogger(testLogger()),
	)
	require.NoError(t, err)

	b, err := New(context.Background(), cfg)
	require.NoError(t, err)

	require.True(t, b.reopenSerial())
	assert.NotNil(t, b.getPort())
	assert.Equal(t, uint32(1), b.Metrics().SerialReopenCount.Load())
	require.NoError(t, b.getPort().Close())

	// During shutdown, reopen attempts stop immediately.
	b.shutdown.Store(true)
	assert.False(t, b.reopenSerial())
}
