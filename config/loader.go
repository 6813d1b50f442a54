package config

// loader.go - configuration loading from a YAML file, a .env file and
// environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables, including those set by .env
//   3. YAML config file
//   4. Defaults   (defaults.go)

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every supported environment variable.
const EnvPrefix = "CHATRELAY_"

// LoadFile overlays the YAML file at path onto cfg.  ${VAR} references
// are expanded from the environment first; keys absent from the file
// leave cfg untouched.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config yaml %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv exports the variables in a .env file into the process
// environment.  Variables that are already set win.  A missing file is
// not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ConfigPath returns the config file named by CHATRELAY_CONFIG, if any.
func ConfigPath() string { return os.Getenv(EnvPrefix + "CONFIG") }

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the CHATRELAY_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive); durations accept Go
// duration syntax or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := env("HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("PORT"); v > 0 {
		cfg.Port = v
	}
	if envBool("LISTEN") {
		cfg.Listen = true
	}
	if v := envInt("BUFFER_SIZE"); v > 0 {
		cfg.BufferSize = v
	}
	if v := envDuration("WRITE_TIMEOUT"); v > 0 {
		cfg.WriteTimeout = v
	}
	if envBool("ANNOUNCE") {
		cfg.Announce = true
	}
	if v := envDuration("STATS_INTERVAL"); v > 0 {
		cfg.StatsInterval = v
	}

	// Web
	if v := env("WEB_ROOT"); v != "" {
		cfg.WebRoot = v
	}
	if v := envInt("WEB_PORT"); v > 0 {
		cfg.WebPort = v
	}
	if v := envInt("WS_PORT"); v > 0 {
		cfg.WSPort = v
	}

	// Reverse tunnel
	if v := env("REVERSE_TUNNEL"); v != "" {
		cfg.ReverseTunnelSpec = v
	}
	if v := envInt("REMOTE_PORT"); v > 0 {
		cfg.RemotePort = v
	}
	if v := env("REMOTE_BIND"); v != "" {
		cfg.RemoteBind = v
	}
	if v := env("SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := env("KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v := envDuration("KEEP_ALIVE"); v > 0 {
		cfg.KeepAlive = v
	}

	// Output
	if v := envInt("VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func env(key string) string { return os.Getenv(EnvPrefix + key) }

func envInt(key string) int {
	v := env(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(env(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	v := env(key)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
