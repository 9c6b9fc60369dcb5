// Package transport holds the per-device wire clients: a Modbus/TCP register
// reader for counter modules and a raw byte-stream client for TCP-attached
// serial scales. Each client is owned by exactly one device worker.
package transport

import (
	"net"
	"time"
)

// DefaultCooldown bounds how often a client touches the socket after a
// failed connect. Repeated Connect calls inside the window return the cached
// outcome.
const DefaultCooldown = 5 * time.Second

const keepAlivePeriod = 30 * time.Second

// tuneConn applies the socket options used for field devices: keep-alive
// probes to detect half-open links, Nagle off for request/response traffic,
// and kernel buffer sizes when configured (0 keeps the OS default).
func tuneConn(conn net.Conn, recvBuffer, sendBuffer int) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(keepAlivePeriod)
	_ = tc.SetNoDelay(true)
	if recvBuffer > 0 {
		_ = tc.SetReadBuffer(recvBuffer)
	}
	if sendBuffer > 0 {
		_ = tc.SetWriteBuffer(sendBuffer)
	}
}

// ReadResult reports a register read with its total elapsed time across
// retries.
type ReadResult struct {
	Words    []uint16
	Duration time.Duration
}
