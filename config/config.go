// Package config defines the runtime configuration for chatrelay and
// provides helpers for parsing tunnel specifications and ports.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	relayerr "chatrelay/internal/errors"
)

// Config holds every tuneable for one chatrelay process.  In listen
// mode Host and Port are the relay's bind address; otherwise they name
// the relay the line client connects to.
type Config struct {
	// ── Relay ────────────────────────────────────────────────────────
	Listen        bool          `yaml:"listen"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	BufferSize    int           `yaml:"buffer_size"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	Announce      bool          `yaml:"announce"`
	StatsInterval time.Duration `yaml:"stats_interval"`

	// ── Web front ends ───────────────────────────────────────────────
	WebRoot string `yaml:"web_root"` // static responder document root
	WebPort int    `yaml:"web_port"` // 0 disables the static responder
	WSPort  int    `yaml:"ws_port"`  // 0 disables the WebSocket gateway

	// ── Reverse SSH tunnel ───────────────────────────────────────────
	ReverseTunnelSpec string        `yaml:"reverse_tunnel"` // [user@]host[:port]
	RemotePort        int           `yaml:"remote_port"`
	RemoteBind        string        `yaml:"remote_bind"`
	SSHKeyPath        string        `yaml:"ssh_key"`
	SSHPassword       bool          `yaml:"ssh_password"` // prompt interactively
	UseSSHAgent       bool          `yaml:"ssh_agent"`
	StrictHostKey     bool          `yaml:"strict_hostkey"`
	KnownHostsPath    string        `yaml:"known_hosts"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	ConnTimeout       time.Duration `yaml:"conn_timeout"`

	// Filled in by ParseTunnel.
	TunnelUser string `yaml:"-"`
	TunnelHost string `yaml:"-"`
	TunnelPort int    `yaml:"-"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose int  `yaml:"verbose"`
	DryRun  bool `yaml:"-"`
}

// TunnelEnabled reports whether a reverse tunnel was requested.
func (c *Config) TunnelEnabled() bool { return c.ReverseTunnelSpec != "" }

// ParsePort accepts a decimal port in 1-65535.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q, expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ParseTunnel splits ReverseTunnelSpec into TunnelUser, TunnelHost and
// TunnelPort.  It is a no-op without a spec.
func (c *Config) ParseTunnel() error {
	if !c.TunnelEnabled() {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.ReverseTunnelSpec)
	if err != nil {
		return &relayerr.ConfigError{
			Field: "reverse-tunnel", Value: c.ReverseTunnelSpec,
			Message: err.Error(),
			Hint:    "example: --reverse-tunnel relay@gateway.example.com:22",
		}
	}
	c.TunnelUser, c.TunnelHost, c.TunnelPort = user, host, port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.  The
// first problem found is returned as a *relayerr.ConfigError.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return &relayerr.ConfigError{Field: "port", Value: c.Port,
			Message: "out of range 0-65535"}
	}
	if c.BufferSize < 1 {
		return &relayerr.ConfigError{Field: "buffer-size", Value: c.BufferSize,
			Message: "must be positive",
			Hint:    fmt.Sprintf("the default is %d bytes", DefaultBufferSize)}
	}
	if c.WriteTimeout < 0 {
		return &relayerr.ConfigError{Field: "write-timeout", Value: c.WriteTimeout,
			Message: "must not be negative"}
	}
	if c.StatsInterval < 0 {
		return &relayerr.ConfigError{Field: "stats-interval", Value: c.StatsInterval,
			Message: "must not be negative"}
	}

	if !c.Listen {
		if c.Host == "" || c.Host == DefaultHost {
			return &relayerr.ConfigError{Field: "host",
				Message: "a relay host is required to connect",
				Hint:    "usage: chatrelay HOST PORT, or chatrelay -l to serve"}
		}
		if c.Port == 0 {
			return &relayerr.ConfigError{Field: "port",
				Message: "a relay port is required to connect"}
		}
		if c.WebPort != 0 || c.WSPort != 0 || c.TunnelEnabled() {
			return &relayerr.ConfigError{Field: "listen",
				Message: "web, websocket and tunnel options need listen mode",
				Hint:    "add -l"}
		}
		return nil
	}

	for _, p := range []struct {
		field string
		port  int
	}{{"web-port", c.WebPort}, {"ws-port", c.WSPort}} {
		if p.port < 0 || p.port > 65535 {
			return &relayerr.ConfigError{Field: p.field, Value: p.port,
				Message: "out of range 0-65535"}
		}
		if p.port != 0 && p.port == c.Port {
			return &relayerr.ConfigError{Field: p.field, Value: p.port,
				Message: "collides with the relay port"}
		}
	}
	if c.WebPort != 0 && c.WSPort == c.WebPort {
		return &relayerr.ConfigError{Field: "ws-port", Value: c.WSPort,
			Message: "collides with --web-port"}
	}
	if c.WebPort != 0 && c.WebRoot == "" {
		return &relayerr.ConfigError{Field: "web-root",
			Message: "required with --web-port",
			Hint:    "point it at a directory holding index.html and 404.html"}
	}

	if c.TunnelEnabled() {
		if c.Port == 0 {
			return &relayerr.ConfigError{Field: "port",
				Message: "a fixed relay port is required with --reverse-tunnel",
				Hint:    "use -p PORT"}
		}
		if c.TunnelHost == "" {
			return &relayerr.ConfigError{Field: "reverse-tunnel", Value: c.ReverseTunnelSpec,
				Message: "gateway host is required"}
		}
		if c.RemotePort < 1 || c.RemotePort > 65535 {
			return &relayerr.ConfigError{Field: "remote-port", Value: c.RemotePort,
				Message: "required with --reverse-tunnel",
				Hint:    "the port the gateway should listen on, e.g. --remote-port 9000"}
		}
	}
	return nil
}
