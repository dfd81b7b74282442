// Package config holds the CLI configuration types and their validation.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/1ureka/ntun/internal/framing"
)

// Role selects which side of the tunnel this process runs.
type Role string

const (
	RoleIngress Role = "ingress" // local SOCKS5 server, opens logical connections
	RoleEgress  Role = "egress"  // dials the real destinations
)

// TransportKind selects the transport carrying the tunnel.
type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportWebSocket TransportKind = "ws"
	TransportRTC       TransportKind = "rtc"
)

// DefaultStatsInterval is how often tunnel statistics are logged.
const DefaultStatsInterval = 5 * time.Second

// Config stores every parameter gathered from flags or interactive prompts.
type Config struct {
	Role      Role
	SocksPort int // ingress: loopback SOCKS5 port

	Transport TransportKind
	Connect   string // address (tcp), ws(s):// URL (ws, rtc signaling) to dial
	Listen    string // address to listen on (tcp, ws, rtc signaling)

	RateLimit   int64         // outbound bytes per second, 0 = unlimited
	ChunkSize   int           // max bytes per physical write, 0 = default
	DialTimeout time.Duration // egress: outbound dial timeout, 0 = none
	PSK         string        // rtc: pre-shared key sealing signaling
	ICEServers  []string      // rtc: STUN/TURN URLs, nil = defaults

	Reconnect     bool
	StatsInterval time.Duration
}

// Listening reports whether the transport waits for its peer rather than
// dialing it.
func (c *Config) Listening() bool { return c.Listen != "" }

// Validate checks the configuration and normalizes WebSocket URLs in place.
func (c *Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleIngress:
		if c.SocksPort < 1 || c.SocksPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid SOCKS5 port %d (must be 1~65535)", c.SocksPort))
		}
	case RoleEgress:
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be %q or %q", c.Role, RoleIngress, RoleEgress))
	}

	switch {
	case c.Connect != "" && c.Listen != "":
		errs = append(errs, errors.New("--connect and --listen are mutually exclusive"))
	case c.Connect == "" && c.Listen == "":
		errs = append(errs, errors.New("one of --connect or --listen is required"))
	}

	switch c.Transport {
	case TransportTCP:
		if err := checkHostPort(c.Connect); err != nil {
			errs = append(errs, fmt.Errorf("--connect: %w", err))
		}
	case TransportWebSocket, TransportRTC:
		if c.Connect != "" {
			u, err := NormalizeWSURL(c.Connect)
			if err != nil {
				errs = append(errs, err)
			} else {
				c.Connect = u
			}
		}
	default:
		errs = append(errs, fmt.Errorf("invalid transport %q: must be tcp, ws or rtc", c.Transport))
	}
	if err := checkHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("--listen: %w", err))
	}

	if c.Transport == TransportRTC && c.PSK == "" {
		errs = append(errs, errors.New("rtc transport requires a pre-shared key (--psk or NTUN_PSK)"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid rate %d", c.RateLimit))
	}
	if c.ChunkSize < 0 || c.ChunkSize > framing.MaxFrameSize {
		errs = append(errs, fmt.Errorf("invalid chunk size %d", c.ChunkSize))
	}
	if c.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("invalid dial timeout %v", c.DialTimeout))
	}
	if c.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid stats interval %v", c.StatsInterval))
	}

	return errors.Join(errs...)
}

// checkHostPort accepts "" or a host:port pair.
func checkHostPort(addr string) error {
	if addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	return nil
}

// NormalizeWSURL validates a WebSocket URL. A bare host:port or a URL with
// another scheme becomes ws:// (wss:// for https).
func NormalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
