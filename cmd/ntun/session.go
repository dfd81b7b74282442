package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/1ureka/ntun/internal/adapter"
	"github.com/1ureka/ntun/internal/config"
	"github.com/1ureka/ntun/internal/node"
	"github.com/1ureka/ntun/internal/ratelimit"
	"github.com/1ureka/ntun/internal/secret"
	"github.com/1ureka/ntun/internal/signaling"
	"github.com/1ureka/ntun/internal/transport"
	"github.com/1ureka/ntun/internal/util"
)

var errClosedEarly = errors.New("transport closed before connecting")

// run keeps a tunnel session alive until ctx ends. Without Reconnect the
// first session's outcome is returned.
func run(ctx context.Context, cfg *config.Config) error {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}

	for {
		connected, err := runSession(ctx, cfg)
		if ctx.Err() != nil {
			return nil
		}
		if !cfg.Reconnect {
			return err
		}
		if connected {
			b.Reset()
		}

		wait := b.Duration()
		if err != nil {
			util.LogWarning("tunnel dropped: %v, reconnecting in %s", err, wait.Round(time.Millisecond))
		} else {
			util.LogWarning("tunnel closed by peer, reconnecting in %s", wait.Round(time.Millisecond))
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// runSession builds a fresh transport and node, waits for the peer and
// serves until either side ends. connected reports whether the transport
// ever became ready.
func runSession(ctx context.Context, cfg *config.Config) (connected bool, err error) {
	tr, err := newTransport(cfg)
	if err != nil {
		return false, err
	}

	n, err := node.New(nodeConfig(cfg, tr))
	if err != nil {
		return false, err
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := tr.Start(sctx); err != nil {
		return false, fmt.Errorf("failed to start transport: %w", err)
	}

	select {
	case <-tr.Ready():
	case <-tr.Done():
		if err := tr.Err(); err != nil {
			return false, err
		}
		return false, errClosedEarly
	case <-ctx.Done():
		_ = tr.Stop()
		return false, nil
	}

	if err := n.Start(sctx); err != nil {
		_ = tr.Stop()
		return true, err
	}
	if cfg.Role == config.RoleIngress {
		util.LogSuccess("tunnel established over %s, SOCKS5 proxy on 127.0.0.1:%d", cfg.Transport, cfg.SocksPort)
	} else {
		util.LogSuccess("tunnel established over %s, forwarding to destinations", cfg.Transport)
	}
	if line := rateLimitLine(cfg); line != "" {
		util.LogInfo("%s", line)
	}

	select {
	case <-tr.Done():
		err = tr.Err()
		_ = n.Stop()
	case <-n.Done():
		err = n.Err()
		_ = tr.Stop()
	case <-ctx.Done():
		_ = n.Stop()
		_ = tr.Stop()
	}
	return true, err
}

// rateLimitLine describes the active outbound limit, or "" when unlimited or
// when the transport is not throttled.
func rateLimitLine(cfg *config.Config) string {
	if cfg.RateLimit <= 0 || cfg.Transport == config.TransportRTC {
		return ""
	}
	return "outbound rate limit " + ratelimit.FormatRate(cfg.RateLimit)
}

func newTransport(cfg *config.Config) (transport.Transport, error) {
	opts := transport.Options{
		ChunkSize:  cfg.ChunkSize,
		RateLimit:  cfg.RateLimit,
		ICEServers: cfg.ICEServers,
	}

	switch cfg.Transport {
	case config.TransportTCP:
		if cfg.Listening() {
			return transport.NewStreamServer(cfg.Listen, opts), nil
		}
		return transport.NewStreamClient(cfg.Connect, opts), nil

	case config.TransportWebSocket:
		if cfg.Listening() {
			return transport.NewWebSocketServer(cfg.Listen, opts), nil
		}
		return transport.NewWebSocketClient(cfg.Connect, opts), nil

	case config.TransportRTC:
		box, err := secret.New(cfg.PSK)
		if err != nil {
			return nil, err
		}
		if cfg.Listening() {
			return transport.NewDataChannel(signaling.Offerer(cfg.Listen, box), opts), nil
		}
		return transport.NewDataChannel(signaling.Answerer(cfg.Connect, box), opts), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func nodeConfig(cfg *config.Config, tr transport.Transport) node.Config {
	if cfg.Role == config.RoleIngress {
		return node.Config{Ingress: adapter.NewIngress(cfg.SocksPort), Transport: tr}
	}
	return node.Config{
		Egress:    adapter.NewEgress(adapter.EgressConfig{DialTimeout: cfg.DialTimeout}),
		Transport: tr,
	}
}
