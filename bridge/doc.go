// Package bridge relays raw bytes between one serial device and any
// number of concurrent TCP clients.
//
// Bytes read from the serial device fan out verbatim to every connected
// client; bytes received from any client are written to the serial
// device. There is no framing, no protocol interpretation, and no
// buffering beyond what the kernel provides: clients that are not
// connected when a chunk arrives never see it.
//
// One goroutine reads the serial device and performs each fan-out pass,
// so a given client observes serial chunks in arrival order. Client
// writes toward the serial device interleave at chunk granularity with
// no arbitration between clients.
//
// Error policy is log-and-continue: a failing client is removed and
// force-closed (close errors swallowed) without affecting other clients,
// and a degraded serial side drops writes with a warning instead of
// propagating errors to clients. Only startup failures (serial open,
// listener bind) are fatal.
package bridge
