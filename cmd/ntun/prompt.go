package main

import (
	"net"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/ntun/internal/config"
	"github.com/1ureka/ntun/internal/util"
)

// promptConfig fills the role and transport endpoints interactively when no
// role flag was given. Tuning flags keep their command-line values.
func promptConfig(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Ingress - Local SOCKS5 entry point", "Egress - Dial destinations for the peer"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	if strings.HasPrefix(role, "Ingress") {
		cfg.Role = config.RoleIngress
		cfg.SocksPort = askPort("Local SOCKS5 port (1 ~ 65535)")
	} else {
		cfg.Role = config.RoleEgress
	}

	kind, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{string(config.TransportTCP), string(config.TransportWebSocket), string(config.TransportRTC)}).
		WithDefaultText("Select the transport").
		Show()
	pterm.Println()
	cfg.Transport = config.TransportKind(kind)

	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Listen - Wait for the peer", "Connect - Dial the peer"}).
		WithDefaultText("How should the peers meet").
		Show()
	pterm.Println()

	cfg.Connect, cfg.Listen = "", ""
	if strings.HasPrefix(mode, "Listen") {
		cfg.Listen = askText("Listen address (e.g. :9000)", validAddr)
	} else if cfg.Transport == config.TransportTCP {
		cfg.Connect = askText("Peer address (host:port)", validAddr)
	} else {
		cfg.Connect = askText("Peer URL (ws:// or wss://)", validURL)
	}

	if cfg.Transport == config.TransportRTC && cfg.PSK == "" {
		cfg.PSK = askText("Pre-shared key", func(s string) bool { return s != "" })
	}
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askText prompts until valid accepts the trimmed input.
func askText(prompt string, valid func(string) bool) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		s := strings.TrimSpace(raw)
		if valid(s) {
			pterm.Println()
			return s
		}

		util.LogWarning("invalid input, please try again")
		pterm.Println()
	}
}

func validAddr(s string) bool {
	_, port, err := net.SplitHostPort(s)
	return err == nil && port != ""
}

func validURL(s string) bool {
	_, err := config.NormalizeWSURL(s)
	return err == nil
}
