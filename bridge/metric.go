package bridge

import (
	"sync/atomic"
)

// Metrics contains atomic counters for a running bridge.
// They can back a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// SerialRxByteCount is the number of bytes read from the serial device.
	SerialRxByteCount atomic.Uint64
	// SerialTxByteCount is the number of bytes written to the serial device.
	SerialTxByteCount atomic.Uint64
	// FanOutByteCount is the number of bytes delivered to clients,
	// summed over all clients.
	FanOutByteCount atomic.Uint64
	// DiscardedChunkCount is the number of serial chunks discarded
	// because no client was connected.
	DiscardedChunkCount atomic.Uint64

	// ClientConnectCount is the number of accepted client connections.
	ClientConnectCount atomic.Uint64
	// ClientDisconnectCount is the number of removed client connections,
	// for any reason.
	ClientDisconnectCount atomic.Uint64
	// ClientErrCount is the number of client read/write failures.
	ClientErrCount atomic.Uint64

	// SerialReopenCount is the number of successful serial reopens
	// (reconnect mode only).
	SerialReopenCount atomic.Uint32
}

func (m *Metrics) addSerialRxBytes(n int) {
	m.SerialRxByteCount.Add(uint64(n))
}

func (m *Metrics) addSerialTxBytes(n int) {
	m.SerialTxByteCount.Add(uint64(n))
}

func (m *Metrics) addFanOutBytes(n int) {
	m.FanOutByteCount.Add(uint64(n))
}

func (m *Metrics) incDiscardedChunkCount() {
	m.DiscardedChunkCount.Add(1)
}

func (m *Metrics) incClientConnectCount() {
	m.ClientConnectCount.Add(1)
}

func (m *Metrics) incClientDisconnectCount() {
	m.ClientDisconnectCount.Add(1)
}

func (m *Metrics) incClientErrCount() {
	m.ClientErrCount.Add(1)
}

func (m *Metrics) incSerialReopenCount() {
	m.SerialReopenCount.Add(1)
}
