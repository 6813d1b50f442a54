package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the config file, and environment variable loading.

const (
	// DefaultPort is the relay's listening port.
	DefaultPort = 8888

	// DefaultHost is the relay's bind address.
	DefaultHost = "0.0.0.0"

	// DefaultBufferSize is the per-read inbound buffer.  A message longer
	// than this arrives as several broadcasts.
	DefaultBufferSize = 1024

	// DefaultWriteTimeout bounds how long one slow recipient may stall a
	// broadcast.
	DefaultWriteTimeout = 2 * time.Second

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultRemoteBind is what the SSH gateway listens on.
	DefaultRemoteBind = "localhost"

	// DefaultKeepAlive is the SSH keepalive interval.
	DefaultKeepAlive = 30 * time.Second

	// DefaultConnTimeout is the TCP/SSH connection timeout.
	DefaultConnTimeout = 15 * time.Second

	// DefaultEnvFile is read when present.
	DefaultEnvFile = ".env"
)

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		BufferSize:   DefaultBufferSize,
		WriteTimeout: DefaultWriteTimeout,
		RemoteBind:   DefaultRemoteBind,
		KeepAlive:    DefaultKeepAlive,
		ConnTimeout:  DefaultConnTimeout,
	}
}
