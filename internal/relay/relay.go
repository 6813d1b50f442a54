// Package relay runs the chat relay's event loop.
//
// One goroutine owns the listening socket, every client socket, the
// registry and the router.  It waits on the multiplexer, accepts or
// reads whatever is ready, broadcasts each non-blank message to every
// other client, sweeps cancelled connections, and goes back to
// waiting.  Nothing in the loop blocks on a single peer except a
// bounded write stall.
package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	relayerr "chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/mux"
	"chatrelay/internal/poller"
	"chatrelay/internal/registry"
	"chatrelay/internal/router"
	"chatrelay/internal/session"
	"chatrelay/internal/transport"
	"chatrelay/util"
)

// QuitCommand is the line that makes the relay drop its sender after
// broadcasting it.
const QuitCommand = "quit"

// DefaultBufferSize is the size of the inbound buffer.
const DefaultBufferSize = 1024

// State is the loop's lifecycle position.
type State int32

const (
	Idle State = iota
	Dispatching
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dispatching:
		return "dispatching"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// Options configures a Server.
type Options struct {
	Host         string
	Port         int           // 0 picks an ephemeral port
	BufferSize   int           // inbound buffer, DefaultBufferSize if zero
	WriteTimeout time.Duration // per-recipient write stall bound
	Announce     bool          // send join / leave notices
	Logger       *util.Logger
	Metrics      *metrics.Collector
}

// Server is a chat relay bound to one listening socket.
type Server struct {
	opts    Options
	log     *util.Logger
	metrics *metrics.Collector

	ln     *transport.Listener
	reg    *registry.Registry
	mux    atomic.Pointer[mux.Multiplexer]
	router *router.Router
	buf    []byte

	state   atomic.Int32
	stopReq atomic.Bool
}

// New returns an unstarted server.
func New(opts Options) *Server {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = transport.DefaultWriteStall
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	return &Server{
		opts:    opts,
		log:     opts.Logger.Named("relay"),
		metrics: opts.Metrics,
		buf:     make([]byte, opts.BufferSize),
	}
}

// Listen binds the listening socket and builds the loop's machinery.
// A bind failure is returned as a fatal NetError.
func (s *Server) Listen() error {
	ln, err := transport.Listen(s.opts.Host, s.opts.Port)
	if err != nil {
		return err
	}

	p, err := poller.New()
	if err != nil {
		ln.Close()
		return relayerr.Wrap(relayerr.KindMultiplexer, "", err)
	}

	reg := registry.New(p)
	if _, err := reg.Register(ln, registry.Accept); err != nil {
		ln.Close()
		p.Close()
		return relayerr.Wrap(relayerr.KindMultiplexer, ln.Addr().String(), err)
	}

	s.ln = ln
	s.reg = reg
	s.router = router.New(reg, s.write, s.opts.Logger.Named("router"), s.metrics)
	s.mux.Store(mux.New(p, reg))

	s.log.Info("listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() *net.TCPAddr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// State reports where the loop is.  Safe from any goroutine.
func (s *Server) State() State { return State(s.state.Load()) }

// Stop asks the loop to shut down.  Safe from any goroutine; Serve
// returns once the current pass finishes.
func (s *Server) Stop() {
	s.stopReq.Store(true)
	if m := s.mux.Load(); m != nil {
		m.Shutdown()
	}
}

// Run is Listen followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the loop until ctx is cancelled or Stop is called, then
// closes every connection and returns nil.  A multiplexer failure also
// ends the loop and is returned.
func (s *Server) Serve(ctx context.Context) error {
	m := s.mux.Load()
	if m == nil {
		return fmt.Errorf("relay: Serve called before Listen")
	}
	if s.stopReq.Load() {
		m.Shutdown()
	}
	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()
	defer s.shutdown(m)

	for {
		s.state.Store(int32(Idle))
		ready, err := m.Wait()
		if relayerr.Is(err, relayerr.ErrShutdown) {
			return nil
		}
		if err != nil {
			s.log.Error("%v", err)
			s.metrics.RecordError(err.Error())
			return err
		}

		s.state.Store(int32(Dispatching))
		for _, r := range ready {
			// An earlier event in this pass may have cancelled it.
			if !r.Entry.Live() {
				continue
			}
			switch r.Kind {
			case mux.Acceptable:
				s.accept()
			case mux.Readable:
				s.read(r.Entry)
			}
		}
		s.metrics.ConnectionsClosed(s.reg.Sweep())
	}
}

func (s *Server) shutdown(m *mux.Multiplexer) {
	s.state.Store(int32(ShuttingDown))

	clients := 0
	for e := range s.reg.All() {
		if e.Interest == registry.Read {
			clients++
		}
	}
	s.reg.Close() //nolint:errcheck
	s.metrics.ConnectionsClosed(clients)
	m.Close() //nolint:errcheck

	s.log.Info("relay stopped, closed %d connection(s)", clients)
}

func (s *Server) accept() {
	c, err := s.ln.Accept()
	if relayerr.Is(err, relayerr.ErrWouldBlock) {
		return
	}
	if err != nil {
		s.log.Warn("%v", err)
		s.metrics.RecordError(err.Error())
		return
	}

	name := session.Identify(c)
	e, err := s.reg.Register(c, registry.Read)
	if err != nil {
		c.Close()
		s.log.Warn("%s: %v", name, err)
		s.metrics.RecordError(err.Error())
		return
	}

	s.metrics.ConnectionOpened()
	s.log.Info("%s connected", name)
	s.log.Debug("%s is fd %d, entry %s", name, c.Fd(), e.ID)

	if s.opts.Announce {
		s.router.Announce(e, name+" joined")
	}
}

func (s *Server) read(e *registry.Entry) {
	c, ok := e.Handle.(*transport.Conn)
	if !ok {
		s.reg.Cancel(e)
		return
	}
	name := session.Identify(c)

	data, err := transport.ReadAvailable(c, s.buf)
	switch {
	case relayerr.Is(err, relayerr.ErrWouldBlock):
		return
	case err == io.EOF:
		s.log.Info("%s disconnected", name)
		s.drop(e, name)
		return
	case err != nil:
		s.log.Warn("%s: %v", name, err)
		s.metrics.RecordError(err.Error())
		s.drop(e, name)
		return
	}
	s.metrics.BytesReceived(int64(len(data)))

	text := strings.ToValidUTF8(string(data), "\uFFFD")
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	s.log.Verbose("%s: %s", name, trimmed)
	res := s.router.Broadcast(e, name, text)
	s.log.Debug("%s delivered to %d, %d failed", name, res.Delivered, res.Failed)

	if trimmed == QuitCommand {
		s.log.Info("%s quit", name)
		s.drop(e, name)
	}
}

func (s *Server) drop(e *registry.Entry, name string) {
	if !s.reg.Cancel(e) {
		return
	}
	if s.opts.Announce {
		s.router.Announce(e, name+" left")
	}
}

func (s *Server) write(h registry.Handle, p []byte) error {
	c, ok := h.(*transport.Conn)
	if !ok {
		return fmt.Errorf("fd %d is not a client connection", h.Fd())
	}
	return transport.WriteAll(c, p, s.opts.WriteTimeout)
}
