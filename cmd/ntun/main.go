// ntun CLI entry point.
//
// ntun tunnels local SOCKS5 connections to a remote egress over one
// multiplexed transport: plain TCP, WebSocket or a WebRTC DataChannel.
//
// It can be launched interactively (no role flag) or non-interactively:
//
//	ntun -i 1080 -t tcp --connect egress.example:9000
//	ntun -o -t tcp --listen :9000
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/ntun/internal/config"
	"github.com/1ureka/ntun/internal/ratelimit"
	"github.com/1ureka/ntun/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	pterm.Info.Println(fmt.Sprintf("ntun v%s", version))
	pterm.Println()

	if cfg.Role == "" {
		promptConfig(cfg)
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(2)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		return run(gctx, cfg)
	})
	g.Go(func() error {
		return util.RunStatsReporter(gctx, cfg.StatsInterval)
	})

	if err := g.Wait(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully closed tunnel")
}

// parseFlags fills a Config from args. An empty Role means no role flag was
// given and the interactive prompts should run.
func parseFlags(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("ntun", flag.ContinueOnError)

	input := fs.IntP("input", "i", 0, "run as ingress with a SOCKS5 server on 127.0.0.1:`PORT`")
	output := fs.BoolP("output", "o", false, "run as egress, dialing the requested destinations")
	kind := fs.StringP("transport", "t", string(config.TransportTCP), "transport: tcp, ws or rtc")
	connect := fs.String("connect", "", "dial the peer at `ADDR` (tcp) or URL (ws, rtc signaling)")
	listen := fs.String("listen", "", "wait for the peer on `ADDR`")
	rate := fs.String("rate", "", "outbound rate limit in bits per second, e.g. 10mbps (tcp, ws)")
	chunkSize := fs.Int("chunk-size", 0, "max bytes per physical write (default 32768)")
	dialTimeout := fs.Duration("dial-timeout", 0, "egress outbound dial timeout, 0 for none")
	psk := fs.String("psk", os.Getenv("NTUN_PSK"), "pre-shared key sealing rtc signaling (env NTUN_PSK)")
	iceServers := fs.StringSlice("ice-server", nil, "STUN/TURN server URL for rtc, repeatable")
	reconnect := fs.Bool("reconnect", false, "re-establish the tunnel with backoff when it drops")
	statsInterval := fs.Duration("stats-interval", config.DefaultStatsInterval, "tunnel statistics log interval")
	debug := fs.Bool("debug", false, "enable debug logging")
	logLevel := fs.String("log-level", "", "log level: trace, debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *debug {
		util.EnableDebug()
	}
	if *logLevel != "" {
		if err := util.SetLogLevel(*logLevel); err != nil {
			return nil, err
		}
	}

	cfg := &config.Config{
		Transport:     config.TransportKind(*kind),
		Connect:       *connect,
		Listen:        *listen,
		ChunkSize:     *chunkSize,
		DialTimeout:   *dialTimeout,
		PSK:           *psk,
		Reconnect:     *reconnect,
		StatsInterval: *statsInterval,
	}
	if fs.Changed("ice-server") {
		cfg.ICEServers = *iceServers
	}

	switch {
	case fs.Changed("input") && *output:
		return nil, fmt.Errorf("--input and --output are mutually exclusive")
	case fs.Changed("input"):
		cfg.Role = config.RoleIngress
		cfg.SocksPort = *input
	case *output:
		cfg.Role = config.RoleEgress
	}

	if *rate != "" {
		bps, err := ratelimit.ParseRate(*rate)
		if err != nil {
			return nil, err
		}
		cfg.RateLimit = bps
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = config.DefaultStatsInterval
	}
	return cfg, nil
}
