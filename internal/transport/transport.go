// Package transport provides the relay's socket layer.
//
// The relay side works on raw non-blocking file descriptors so a single
// goroutine can drive every connection from one readiness loop:
// Listener accepts, Conn carries one client, and ReadAvailable and
// WriteAll move bytes.  ReadAvailable never blocks.  WriteAll blocks
// only while a recipient's send buffer is full, and for at most the
// stall it is given (DefaultWriteStall, --write-timeout), after which
// the recipient is reported as ErrWriteStalled and the loop moves on.
// The relay drops a recipient whose write failed, so a peer that stops
// reading holds up the loop for at most one stall.  The client side
// keeps the ordinary net.Conn world behind the Dialer interface.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer.
	// Stateless dialers return nil.
	Close() error
}

// TCPDialer establishes plain TCP connections, optionally binding to a
// specific source port.
type TCPDialer struct {
	Timeout   time.Duration
	LocalPort int // optional source-port binding (0 = ephemeral)
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}

	if d.LocalPort > 0 {
		a, err := net.ResolveTCPAddr(network, fmt.Sprintf(":%d", d.LocalPort))
		if err != nil {
			return nil, fmt.Errorf("resolve local addr: %w", err)
		}
		dialer.LocalAddr = a
	}

	return dialer.DialContext(ctx, network, address)
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }
