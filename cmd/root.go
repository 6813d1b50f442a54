// Package cmd wires up the CLI flags and dispatches to the relay or the
// line client.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"chatrelay/config"
	"chatrelay/internal/client"
	relayerr "chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/relay"
	"chatrelay/internal/retry"
	"chatrelay/internal/static"
	"chatrelay/internal/wsgate"
	"chatrelay/tunnel"
	"chatrelay/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X chatrelay/cmd.version=1.1.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Report formats an error returned by Execute for the terminal.  Bind
// and multiplexer failures name the stage that stopped the relay.
func Report(err error) string {
	if relayerr.IsFatal(err) {
		return fmt.Sprintf("chatrelay: fatal %s failure: %v", relayerr.KindOf(err), err)
	}
	return fmt.Sprintf("chatrelay: %v", err)
}

// Execute parses args and runs the appropriate chatrelay mode.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdin, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := load(args)
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("chatrelay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── relay ────────────────────────────────────────────────────
	fs.BoolVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Serve the chat relay")
	fs.StringVarP(&cfg.Host, "bind", "b", cfg.Host, "Bind address (with -l)")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Relay port (with -l); 0 picks one")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "Inbound read buffer in bytes")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Longest a slow recipient may stall a broadcast")
	fs.BoolVarP(&cfg.Announce, "announce", "a", cfg.Announce, "Tell everyone when a client joins or leaves")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "Log metrics this often (0 = only at exit)")

	// ── web front ends ───────────────────────────────────────────
	fs.StringVar(&cfg.WebRoot, "web-root", cfg.WebRoot, "Directory served by the static responder")
	fs.IntVar(&cfg.WebPort, "web-port", cfg.WebPort, "Static responder port (0 = off)")
	fs.IntVar(&cfg.WSPort, "ws-port", cfg.WSPort, "WebSocket gateway port (0 = off)")

	// ── reverse SSH tunnel ───────────────────────────────────────
	fs.StringVarP(&cfg.ReverseTunnelSpec, "reverse-tunnel", "R", cfg.ReverseTunnelSpec, "Expose the relay on [user@]gateway[:port]")
	fs.IntVar(&cfg.RemotePort, "remote-port", cfg.RemotePort, "Port the gateway listens on")
	fs.StringVar(&cfg.RemoteBind, "remote-bind", cfg.RemoteBind, "Address the gateway listens on")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.DurationVar(&cfg.KeepAlive, "keep-alive", cfg.KeepAlive, "SSH keepalive interval (0 = off)")

	// ── files ────────────────────────────────────────────────────
	// Consumed by load; declared here for --help and so they parse.
	fs.String("config", config.ConfigPath(), "YAML config file")
	fs.String("env-file", config.DefaultEnvFile, "dotenv file")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate the configuration and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(stderr, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(stderr, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "chatrelay %s\n", version)
		return nil
	}

	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}
	if err := cfg.ParseTunnel(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := util.NewLogger(cfg.Verbose)
	logger.SetOutput(stderr)

	if cfg.DryRun {
		describe(stdout, cfg)
		return nil
	}

	if !cfg.Listen {
		cli := &client.Interactive{
			Address: util.FormatAddr(cfg.Host, cfg.Port),
			Options: client.Options{Logger: logger},
			Stdin:   stdin,
			Stdout:  stdout,
		}
		return cli.Run(ctx)
	}
	return serve(ctx, cfg, logger)
}

// load builds the configuration beneath the CLI flags: defaults, then
// the YAML file, then .env and the environment.
func load(args []string) (*config.Config, error) {
	pre := flag.NewFlagSet("chatrelay", flag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	path := pre.String("config", "", "")
	envFile := pre.String("env-file", config.DefaultEnvFile, "")
	pre.BoolP("help", "h", false, "")
	_ = pre.Parse(args)

	if err := config.LoadDotEnv(*envFile); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if *path == "" {
		*path = config.ConfigPath()
	}
	if *path != "" {
		if err := config.LoadFile(*path, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// serve runs the relay and whichever front ends are enabled until ctx
// ends or one of them fails.
func serve(ctx context.Context, cfg *config.Config, logger *util.Logger) error {
	m := metrics.New()
	srv := relay.New(relay.Options{
		Host:         cfg.Host,
		Port:         cfg.Port,
		BufferSize:   cfg.BufferSize,
		WriteTimeout: cfg.WriteTimeout,
		Announce:     cfg.Announce,
		Logger:       logger,
		Metrics:      m,
	})
	if err := srv.Listen(); err != nil {
		return err
	}
	relayAddr := localAddr(cfg.Host, srv.Addr().Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })

	if cfg.WSPort != 0 {
		breaker := retry.NewBreaker(5, 10*time.Second)
		breaker.OnChange = func(from, to retry.State) {
			logger.Warn("relay breaker %s -> %s", from, to)
		}
		gw := wsgate.New(wsgate.Config{
			RelayAddr: relayAddr,
			Breaker:   breaker,
			Logger:    logger,
			Metrics:   m,
		})
		g.Go(func() error { return gw.Run(ctx, util.FormatAddr(cfg.Host, cfg.WSPort)) })
	}

	if cfg.WebPort != 0 {
		web := &static.Server{
			Responder: &static.Responder{Root: cfg.WebRoot},
			Logger:    logger,
		}
		g.Go(func() error { return web.Run(ctx, util.FormatAddr(cfg.Host, cfg.WebPort)) })
	}

	if cfg.TunnelEnabled() {
		tun := tunnel.New(tunnel.Config{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   cfg.ConnTimeout,
			RemoteBind:    cfg.RemoteBind,
			RemotePort:    cfg.RemotePort,
			LocalAddr:     relayAddr,
			KeepAlive:     cfg.KeepAlive,
		}, logger, m)
		g.Go(func() error {
			if err := tun.Start(ctx); err != nil {
				return fmt.Errorf("reverse tunnel: %w", err)
			}
			return tun.Wait()
		})
	}

	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			logStats(ctx, logger, m, cfg.StatsInterval)
			return nil
		})
	}

	err := g.Wait()
	logger.Info("stats: %s", m.JSON())
	return err
}

// localAddr is how the front ends reach the relay: over loopback when it
// is bound to a wildcard address.
func localAddr(host string, port int) string {
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return util.FormatAddr(host, port)
}

func logStats(ctx context.Context, logger *util.Logger, m *metrics.Collector, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			logger.Info("stats: %s", m.JSON())
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func parsePositional(cfg *config.Config, remaining []string) error {
	if cfg.Listen {
		if len(remaining) > 0 {
			return fmt.Errorf("unexpected arguments %q in listen mode (use -p for the port)", remaining)
		}
		return nil
	}

	// Connect mode: host port
	switch len(remaining) {
	case 0:
		return fmt.Errorf("hostname required (use --help for usage)")
	case 1:
		return fmt.Errorf("port required")
	case 2:
	default:
		return fmt.Errorf("too many arguments")
	}
	cfg.Host = remaining[0]
	port, err := config.ParsePort(remaining[1])
	if err != nil {
		return fmt.Errorf("port: %w", err)
	}
	cfg.Port = port
	return nil
}

func describe(w io.Writer, cfg *config.Config) {
	if !cfg.Listen {
		fmt.Fprintf(w, "would connect to %s\n", util.FormatAddr(cfg.Host, cfg.Port))
		return
	}
	fmt.Fprintf(w, "would serve the relay on %s (buffer %d, write timeout %v, announce %v)\n",
		util.FormatAddr(cfg.Host, cfg.Port), cfg.BufferSize, cfg.WriteTimeout, cfg.Announce)
	if cfg.WSPort != 0 {
		fmt.Fprintf(w, "would serve websockets on %s\n", util.FormatAddr(cfg.Host, cfg.WSPort))
	}
	if cfg.WebPort != 0 {
		fmt.Fprintf(w, "would serve %s on %s\n", cfg.WebRoot, util.FormatAddr(cfg.Host, cfg.WebPort))
	}
	if cfg.TunnelEnabled() {
		fmt.Fprintf(w, "would expose the relay on %s:%d via %s\n",
			cfg.RemoteBind, cfg.RemotePort, util.FormatAddr(cfg.TunnelHost, cfg.TunnelPort))
	}
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `chatrelay, a multi-client TCP chat relay v%s

Every line a client sends is relayed to every other connected client.
A client that sends "quit" is disconnected.

Usage:
  chatrelay -l [-p PORT] [options]            Serve the relay
  chatrelay [options] <host> <port>           Chat through a relay

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  chatrelay -l                                Relay on port %d
  chatrelay -l -p 9000 --announce             Relay with join/leave notices
  chatrelay -l --ws-port 8081                 Relay plus a WebSocket gateway
  chatrelay -l --web-root ./www --web-port 8080
  chatrelay -l -p 9000 -R relay@gw.example.com --remote-port 9000
  chatrelay chat.example.com 8888             Interactive client
`, config.DefaultPort)
}
