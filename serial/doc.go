// Package serial provides raw byte-stream access to a Linux serial port.
//
// The port is configured for raw 8N1 operation with no line discipline,
// so chunk boundaries observed by ReadLoop are determined by the kernel
// and the device, not by any framing. This matches the bridge's
// passthrough contract: bytes in, bytes out, no interpretation.
//
// Reads block in poll(2) on the port fd and a self-pipe, so a blocked
// ReadLoop can be woken immediately by Close from another goroutine.
//
// Writes are best-effort: writing to a closed port logs a warning and
// drops the data rather than returning an error, because the bridge
// treats the serial side as degraded-but-tolerated once it goes away.
//
// This package is Linux-only.
package serial
