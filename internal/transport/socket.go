//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package transport

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	relayerr "chatrelay/internal/errors"
	"chatrelay/util"
)

// DefaultWriteStall bounds how long one WriteAll call may block on a
// recipient that is not reading.
const DefaultWriteStall = 2 * time.Second

// Listener is a non-blocking IPv4 listening socket.
type Listener struct {
	fd     int
	addr   *net.TCPAddr
	closed atomic.Bool
}

// Listen binds a non-blocking listening socket on host:port with
// SO_REUSEADDR.  Port 0 picks an ephemeral port; Addr reports the one
// actually bound.  Every failure is a KindBind NetError.
func Listen(host string, port int) (*Listener, error) {
	where := util.FormatAddr(host, port)
	if port < 0 || port > 65535 {
		return nil, relayerr.Wrap(relayerr.KindBind, where, fmt.Errorf("port out of range"))
	}

	ip, err := resolveIPv4(host)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindBind, where, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindBind, where, fmt.Errorf("socket: %w", err))
	}
	unix.CloseOnExec(fd)

	fail := func(op string, err error) (*Listener, error) {
		unix.Close(fd)
		return nil, relayerr.Wrap(relayerr.KindBind, where, fmt.Errorf("%s: %w", op, err))
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("nonblock", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail("listen", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	return &Listener{fd: fd, addr: tcpAddr(bound)}, nil
}

func resolveIPv4(host string) (net.IP, error) {
	if host == "" {
		return net.IPv4zero.To4(), nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%s is not an IPv4 address", host)
	}
	a, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	return a.IP.To4(), nil
}

// Fd returns the listening descriptor.
func (l *Listener) Fd() int { return l.fd }

// Addr returns the bound local address.
func (l *Listener) Addr() *net.TCPAddr { return l.addr }

// Accept takes one pending connection and makes it non-blocking.  It
// returns ErrWouldBlock when nothing is pending, which also covers a
// client that reset before we got to it.
func (l *Listener) Accept() (*Conn, error) {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN, unix.ECONNABORTED:
			return nil, relayerr.ErrWouldBlock
		default:
			return nil, relayerr.Wrap(relayerr.KindAccept, l.addr.String(), err)
		}

		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			return nil, relayerr.Wrap(relayerr.KindAccept, l.addr.String(), err)
		}
		c := &Conn{fd: nfd}
		if ta := tcpAddr(sa); ta != nil {
			c.remote = ta
		}
		return c, nil
	}
}

// Close closes the listening socket.  It is safe to call more than once.
func (l *Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return unix.Close(l.fd)
}

// Conn is one accepted, non-blocking client socket.
type Conn struct {
	fd     int
	remote *net.TCPAddr
	closed atomic.Bool
}

// Fd returns the connection's descriptor.
func (c *Conn) Fd() int { return c.fd }

// RemoteAddr returns the peer address cached at accept time, or nil if
// the kernel did not report one.
func (c *Conn) RemoteAddr() net.Addr {
	if c.remote == nil {
		return nil
	}
	return c.remote
}

func (c *Conn) addrString() string {
	if c.remote == nil {
		return fmt.Sprintf("fd %d", c.fd)
	}
	return c.remote.String()
}

// Close closes the socket.  It is safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return unix.Close(c.fd)
}

// ReadAvailable drains what the kernel has buffered for c into buf,
// stopping at EAGAIN or when buf is full.  Bytes left behind stay in
// the kernel and make the socket readable again on the next cycle.
//
// It returns io.EOF only when the peer closed before any byte was read
// in this call, and ErrWouldBlock when nothing at all was available.
// If a failure follows some data, the data is returned and the failure
// is reported by the next call.
func ReadAvailable(c *Conn, buf []byte) ([]byte, error) {
	n := 0
	for n < len(buf) {
		m, err := unix.Read(c.fd, buf[n:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if n == 0 {
				return nil, relayerr.ErrWouldBlock
			}
			return buf[:n], nil
		case err != nil:
			if n > 0 {
				return buf[:n], nil
			}
			return nil, relayerr.Wrap(relayerr.KindRead, c.addrString(), err)
		case m == 0:
			if n == 0 {
				return nil, io.EOF
			}
			return buf[:n], nil
		}
		n += m
	}
	return buf[:n], nil
}

// WriteAll writes every byte of p to c.  When the send buffer is full
// it polls for the socket to become writable again.  The whole call is
// bounded by stall: once it has run that long, WriteAll gives up with
// ErrWriteStalled even if the peer is still draining slowly.  A stall
// of zero means DefaultWriteStall.
func WriteAll(c *Conn, p []byte, stall time.Duration) error {
	if stall <= 0 {
		stall = DefaultWriteStall
	}
	deadline := time.Now().Add(stall)
	for len(p) > 0 {
		n, err := unix.Write(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if err := waitWritable(c.fd, deadline); err != nil {
				return relayerr.Wrap(relayerr.KindWrite, c.addrString(), err)
			}
			continue
		case err != nil:
			return relayerr.Wrap(relayerr.KindWrite, c.addrString(), err)
		}
		if n > 0 {
			p = p[n:]
		}
	}
	return nil
}

func waitWritable(fd int, deadline time.Time) error {
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return relayerr.ErrWriteStalled
		}
		ms := int(left / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfd, ms)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return fmt.Errorf("poll: %w", err)
		case n == 0:
			return relayerr.ErrWriteStalled
		}
		// POLLERR or POLLHUP falls through to the next write, which
		// reports the real error.
		return nil
	}
}

func tcpAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, a.Addr[:])
		return &net.TCPAddr{IP: ip, Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		return &net.TCPAddr{IP: ip, Port: a.Port}
	}
	return nil
}
