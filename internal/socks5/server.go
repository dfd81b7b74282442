package socks5

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrNoAcceptableMethod is returned when the client does not offer no-auth.
var ErrNoAcceptableMethod = errors.New("socks5: client does not support no-auth")

// Request is a parsed client request.
type Request struct {
	Cmd  byte
	Atyp byte
	Host string
	Port uint16
}

// IsConnect reports whether the request is a CONNECT.
func (r *Request) IsConnect() bool { return r.Cmd == CmdConnect }

// ServerNegotiateNoAuth reads the method selection and accepts no-auth. A
// client that does not offer no-auth gets 0xFF and an error.
func ServerNegotiateNoAuth(conn net.Conn) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if !containsMethod(neg.Methods, txsocks5.MethodNone) {
		writeNoAcceptableMethods(conn)
		return ErrNoAcceptableMethod
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerReadRequest reads one request and splits its destination.
func ServerReadRequest(conn net.Conn) (*Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	host, portStr, err := net.SplitHostPort(req.Address())
	if err != nil {
		return nil, fmt.Errorf("request address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("request port: %w", err)
	}

	return &Request{Cmd: req.Cmd, Atyp: req.Atyp, Host: host, Port: uint16(port)}, nil
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
