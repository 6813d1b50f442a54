// Package tunnel exposes the relay on a remote SSH gateway, the way
// `ssh -R` does: the gateway listens on a port, and every connection
// that arrives there is carried back over SSH and bridged to the
// relay's local address.  A dropped SSH link is re-established with
// backoff until the tunnel is closed.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"chatrelay/internal/metrics"
	"chatrelay/internal/retry"
	"chatrelay/internal/transport"
	"chatrelay/util"
)

// Config describes the gateway and what to expose on it.
type Config struct {
	// Gateway login.
	User          string
	Host          string
	Port          int // default 22
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration // default 15s

	// RemoteBind and RemotePort are what the gateway listens on.
	// RemoteBind defaults to "localhost"; whether other addresses are
	// honoured depends on the gateway's GatewayPorts setting.
	RemoteBind string
	RemotePort int

	// LocalAddr is the relay's host:port.
	LocalAddr string

	// KeepAlive is the interval between keepalive probes; 0 disables
	// them.
	KeepAlive time.Duration

	// Reconnect is the policy for re-establishing a lost link.  Nil
	// uses retry.ReconnectBackoff.
	Reconnect *retry.Backoff

	// Prompt reads passwords and key passphrases.  Nil reads from the
	// terminal.
	Prompt Prompter
}

func (c *Config) gateway() string { return util.FormatAddr(c.Host, c.Port) }

func (c *Config) remote() string { return util.FormatAddr(c.RemoteBind, c.RemotePort) }

// Tunnel is one reverse forward.  It is not reusable after Close.
type Tunnel struct {
	cfg     Config
	log     *util.Logger
	metrics *metrics.Collector
	dialer  transport.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	mu     sync.Mutex
	client *ssh.Client
	ln     net.Listener

	forwards sync.WaitGroup
}

// New returns a tunnel ready to Start.  m may be nil.
func New(cfg Config, log *util.Logger, m *metrics.Collector) *Tunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 15 * time.Second
	}
	if cfg.RemoteBind == "" {
		cfg.RemoteBind = "localhost"
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = retry.ReconnectBackoff()
	}
	if log == nil {
		log = util.NewLogger(0)
	}
	return &Tunnel{
		cfg:     cfg,
		log:     log.Named("tunnel"),
		metrics: m,
		dialer:  &transport.TCPDialer{Timeout: cfg.ConnTimeout},
		done:    make(chan struct{}),
	}
}

// Start opens the first SSH link and the remote listener, then forwards
// in the background.  Failing to establish the first link is returned
// directly; later failures trigger reconnection.
func (t *Tunnel) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)
	if err := t.connect(); err != nil {
		t.cancel()
		close(t.done)
		return err
	}
	context.AfterFunc(t.ctx, t.teardown)
	go t.run()
	return nil
}

// Wait blocks until the tunnel stops and every forward has finished.
// It returns an error only when reconnection gave up.
func (t *Tunnel) Wait() error {
	<-t.done
	t.forwards.Wait()
	return t.err
}

// Close stops the tunnel and waits up to five seconds for active
// forwards to drain.
func (t *Tunnel) Close() error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	t.teardown()
	<-t.done

	drained := make(chan struct{})
	go func() {
		t.forwards.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("tunnel: timed out waiting for forwards to finish")
	}
}

// RemoteAddr is the address the gateway is listening on, or nil when
// the link is down.
func (t *Tunnel) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *Tunnel) dial() (*ssh.Client, error) {
	auth, err := BuildAuthMethods(&t.cfg)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("auth: %w", err))
	}
	hk, err := hostKeyCallback(&t.cfg)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("host key: %w", err))
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         t.cfg.ConnTimeout,
		// Public tunnel services print the assigned URL in the banner.
		BannerCallback: func(msg string) error {
			t.log.Info("%s", msg)
			return nil
		},
	}

	addr := t.cfg.gateway()
	t.log.Debug("dialing %s as %s", addr, t.cfg.User)
	conn, err := t.dialer.Dial(t.ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	return ssh.NewClient(sc, chans, reqs), nil
}

func (t *Tunnel) connect() error {
	client, err := t.dial()
	if err != nil {
		return err
	}
	ln, err := client.Listen("tcp", t.cfg.remote())
	if err != nil {
		client.Close()
		return fmt.Errorf("remote listen on %s: %w", t.cfg.remote(), err)
	}

	t.mu.Lock()
	t.client, t.ln = client, ln
	t.mu.Unlock()

	t.log.Info("relay %s exposed on %s via %s", t.cfg.LocalAddr, ln.Addr(), t.cfg.gateway())
	if t.cfg.KeepAlive > 0 {
		go t.keepalive(client)
	}
	return nil
}

// teardown drops the current link.  Accept then fails, which sends
// run into reconnection unless the tunnel is closing.
func (t *Tunnel) teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		t.ln.Close()
		t.ln = nil
	}
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
}

func (t *Tunnel) run() {
	defer close(t.done)
	for {
		t.mu.Lock()
		ln := t.ln
		t.mu.Unlock()

		var err error
		if ln != nil {
			err = t.serve(ln)
		}
		t.teardown()
		if t.ctx.Err() != nil {
			return
		}

		t.log.Warn("link to %s lost: %v", t.cfg.gateway(), err)
		t.metrics.TunnelReconnect()

		b := *t.cfg.Reconnect
		b.OnRetry = func(attempt int, err error, wait time.Duration) {
			t.log.Verbose("reconnect attempt %d: %v (next in %v)", attempt, err, wait.Round(time.Millisecond))
			t.metrics.RecordError(err.Error())
		}
		if err := b.Do(t.ctx, func(int) error { return t.connect() }); err != nil {
			if t.ctx.Err() == nil {
				t.log.Error("giving up on %s: %v", t.cfg.gateway(), err)
				t.err = err
			}
			return
		}
		if t.ctx.Err() != nil {
			t.teardown()
			return
		}
	}
}

func (t *Tunnel) serve(ln net.Listener) error {
	for {
		remote, err := ln.Accept()
		if err != nil {
			return err
		}
		t.forwards.Add(1)
		go t.forward(remote)
	}
}

func (t *Tunnel) forward(remote net.Conn) {
	defer t.forwards.Done()
	defer remote.Close()

	local, err := t.dialer.Dial(t.ctx, "tcp", t.cfg.LocalAddr)
	if err != nil {
		t.log.Warn("relay %s unreachable: %v", t.cfg.LocalAddr, err)
		t.metrics.RecordError(err.Error())
		return
	}
	defer local.Close()

	t.log.Verbose("forwarding %s to %s", remote.RemoteAddr(), local.LocalAddr())
	in, out := util.Bridge(t.ctx, remote, local)
	t.log.Verbose("forward from %s closed (%d bytes in, %d out)", remote.RemoteAddr(), in, out)
}

// keepalive probes client until it fails, then drops the link so run
// can reconnect.
func (t *Tunnel) keepalive(client *ssh.Client) {
	tick := time.NewTicker(t.cfg.KeepAlive)
	defer tick.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-tick.C:
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			t.log.Warn("keepalive to %s failed: %v", t.cfg.gateway(), err)
			t.mu.Lock()
			current := t.client == client
			t.mu.Unlock()
			if current {
				t.teardown()
			}
			return
		}
		t.log.Debug("keepalive ok")
	}
}
