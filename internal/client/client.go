// Package client is a line-oriented relay client, used both for the
// interactive connect mode and to drive the relay from tests.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"chatrelay/internal/retry"
	"chatrelay/internal/session"
	"chatrelay/internal/transport"
	"chatrelay/util"
)

// DefaultDialTimeout bounds each connection attempt.
const DefaultDialTimeout = 5 * time.Second

// Options controls how a Client connects.  Zero values pick defaults.
type Options struct {
	Dialer  transport.Dialer
	Backoff *retry.Backoff
	Logger  *util.Logger
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = &transport.TCPDialer{Timeout: DefaultDialTimeout}
	}
	if o.Backoff == nil {
		o.Backoff = retry.DialBackoff()
	}
	if o.Logger == nil {
		o.Logger = util.NewLogger(0)
	}
	return o
}

// Client is one connection to a relay.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the relay at address, retrying refused or timed-out
// attempts according to opts.Backoff.
func Dial(ctx context.Context, address string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	log := opts.Logger.Named("client")

	b := *opts.Backoff
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Verbose("attempt %d to %s failed: %v (retrying in %v)", attempt, address, err, wait.Round(time.Millisecond))
	}

	var conn net.Conn
	err := b.Do(ctx, func(int) error {
		c, err := opts.Dialer.Dial(ctx, "tcp", address)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}

	log.Verbose("connected to %s", conn.RemoteAddr())
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Conn returns the underlying connection.
func (c *Client) Conn() net.Conn { return c.conn }

// Name is how the relay labels this client's lines.
func (c *Client) Name() string {
	return session.New(c.conn, nil, nil, nil).Name()
}

// Send writes one line, adding the trailing newline if it is missing.
func (c *Client) Send(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err := io.WriteString(c.conn, line)
	return err
}

// Receive reads the next line from the relay without its newline.  It
// gives up when ctx ends.
func (c *Client) Receive(ctx context.Context) (string, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl) //nolint:errcheck
	}
	defer c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	line, err := c.r.ReadString('\n')
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Exchange sends line and returns the next line the relay delivers.
// The relay never echoes a sender's own line, so the reply is whatever
// another participant (or an echoing peer) sends next.
func (c *Client) Exchange(ctx context.Context, line string) (string, error) {
	if err := c.Send(line); err != nil {
		return "", err
	}
	return c.Receive(ctx)
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Interactive pipes a terminal to a relay: stdin lines go out, relay
// lines come back on stdout.  It returns when either side closes.
type Interactive struct {
	Address string
	Options Options

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	Stdin  io.Reader
	Stdout io.Writer
}

func (m *Interactive) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *Interactive) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run connects and copies until EOF on either side or ctx ends.
func (m *Interactive) Run(ctx context.Context) error {
	opts := m.Options.withDefaults()
	defer opts.Dialer.Close()

	c, err := Dial(ctx, m.Address, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	sess := session.New(c.conn, m.stdin(), m.stdout(), opts.Logger)
	sess.Logger.Info("connected to %s as %s", m.Address, sess.Name())
	return util.BidirectionalCopy(ctx, sess.Conn, sess.Stdin, sess.Stdout)
}
