// Package wsgate lets browsers join the relay.  Each WebSocket is
// bridged to its own TCP connection to the relay, so the relay sees an
// ordinary line client: text frames go out as lines and every relay
// line comes back as one text frame.
package wsgate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/metrics"
	"chatrelay/internal/retry"
	"chatrelay/internal/transport"
	"chatrelay/util"
)

const (
	defaultMaxMessage = 4096
	writeWait         = 10 * time.Second
	dialTimeout       = 5 * time.Second
)

// Config configures a Gateway.
type Config struct {
	// RelayAddr is the relay's host:port.
	RelayAddr string
	// MaxMessageSize bounds an inbound frame (default 4096 bytes).
	MaxMessageSize int64
	// CheckOrigin overrides the upgrader's origin check.  Nil accepts
	// every origin.
	CheckOrigin func(r *http.Request) bool

	Dialer  transport.Dialer
	Breaker *retry.Breaker
	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Gateway is an http.Handler serving /ws, /healthz and /stats.
type Gateway struct {
	cfg      Config
	log      *util.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New returns a gateway for cfg.
func New(cfg Config) *Gateway {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessage
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.TCPDialer{Timeout: dialTimeout}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = retry.NewBreaker(5, 10*time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = util.NewLogger(0)
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	g := &Gateway{
		cfg: cfg,
		log: cfg.Logger.Named("wsgate"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		mux: http.NewServeMux(),
	}
	g.mux.HandleFunc("/ws", g.handleWS)
	g.mux.HandleFunc("/healthz", g.handleHealth)
	g.mux.HandleFunc("/stats", g.handleStats)
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// Run listens on address and serves until ctx ends.
func (g *Gateway) Run(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts the HTTP server down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.log.Info("websocket gateway on %s, relay %s", ln.Addr(), g.cfg.RelayAddr)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx) //nolint:errcheck
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "ok\n") //nolint:errcheck
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, g.cfg.Metrics.JSON()) //nolint:errcheck
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "websocket endpoint only accepts GET", http.StatusMethodNotAllowed)
		return
	}

	var upstream net.Conn
	err := g.cfg.Breaker.Do(func() error {
		c, err := g.cfg.Dialer.Dial(r.Context(), "tcp", g.cfg.RelayAddr)
		upstream = c
		return err
	})
	switch {
	case errors.Is(err, retry.ErrOpen):
		g.log.Verbose("%s: %v", r.RemoteAddr, err)
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	case err != nil:
		g.log.Warn("dial relay %s: %v", g.cfg.RelayAddr, err)
		g.cfg.Metrics.RecordError(err.Error())
		http.Error(w, "relay unreachable", http.StatusBadGateway)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		upstream.Close()
		g.log.Verbose("upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(g.cfg.MaxMessageSize)

	g.log.Info("%s joined via %s", r.RemoteAddr, upstream.LocalAddr())
	g.bridge(ws, upstream)
	g.log.Info("%s left", r.RemoteAddr)
}

// bridge pumps frames to lines and lines to frames until either side
// closes.
func (g *Gateway) bridge(ws *websocket.Conn, upstream net.Conn) {
	defer ws.Close()
	defer upstream.Close()

	down := make(chan struct{})
	go func() {
		defer close(down)
		g.relayToSocket(ws, upstream)
	}()

	g.socketToRelay(ws, upstream)
	upstream.Close()
	<-down
}

func (g *Gateway) socketToRelay(ws *websocket.Conn, upstream net.Conn) {
	for {
		kind, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!util.IsHarmless(err) {
				g.log.Verbose("websocket read: %v", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		line := strings.TrimRight(string(msg), "\r\n") + "\n"
		if _, err := io.WriteString(upstream, line); err != nil {
			g.log.Verbose("relay write: %v", err)
			return
		}
	}
}

func (g *Gateway) relayToSocket(ws *websocket.Conn, upstream net.Conn) {
	r := bufio.NewReader(upstream)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if werr := ws.WriteMessage(websocket.TextMessage, []byte(strings.TrimRight(line, "\n"))); werr != nil {
				return
			}
		}
		if err != nil {
			// The relay hung up (quit, shutdown) or the browser side
			// already closed upstream.
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "relay closed")
			ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)) //nolint:errcheck
			ws.Close()
			return
		}
	}
}
