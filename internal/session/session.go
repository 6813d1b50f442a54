// Package session names relay participants and binds an interactive
// client connection to its terminal streams.
package session

import (
	"fmt"
	"io"
	"net"

	"chatrelay/util"
)

// Peer is anything that knows the address of the far end.  Both the
// relay's accepted sockets and net.Conn satisfy it.
type Peer interface {
	RemoteAddr() net.Addr
}

// Identify returns the display name of the participant behind p:
// "client[<port>]", or "client[?]" when the port is unknown.  The name
// depends only on the remote endpoint, so it is stable for the whole
// life of the connection.
func Identify(p Peer) string {
	if p == nil {
		return "client[?]"
	}
	addr := p.RemoteAddr()
	if addr == nil {
		return "client[?]"
	}
	if ta, ok := addr.(*net.TCPAddr); ok && ta == nil {
		return "client[?]"
	}
	port := util.PortOf(addr)
	if port < 0 {
		return "client[?]"
	}
	return fmt.Sprintf("client[%d]", port)
}

// Session is one interactive line-client run: the relay connection and
// the terminal it is piped to.
type Session struct {
	Conn   net.Conn
	Stdin  io.Reader
	Stdout io.Writer
	Logger *util.Logger
}

// New creates a Session bound to the given connection and I/O pair.
func New(conn net.Conn, stdin io.Reader, stdout io.Writer, logger *util.Logger) *Session {
	return &Session{
		Conn:   conn,
		Stdin:  stdin,
		Stdout: stdout,
		Logger: logger,
	}
}

// Name is the name the relay will show for this session's lines.  The
// relay sees our local port as its remote port.
func (s *Session) Name() string {
	if s.Conn == nil {
		return "client[?]"
	}
	port := util.PortOf(s.Conn.LocalAddr())
	if port < 0 {
		return "client[?]"
	}
	return fmt.Sprintf("client[%d]", port)
}
