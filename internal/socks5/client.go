package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ReplyError is a non-success reply code from a SOCKS5 server.
type ReplyError struct {
	Rep byte
}

func (e *ReplyError) Error() string { return fmt.Sprintf("socks5: server replied %#02x", e.Rep) }

// ClientDial runs a no-auth handshake and a CONNECT to address over conn.
func ClientDial(conn net.Conn, address string) error {
	if err := ClientNegotiate(conn); err != nil {
		return err
	}
	return ClientConnect(conn, address)
}

func ClientNegotiate(conn net.Conn) error {
	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone}).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}
	if neg.Method != txsocks5.MethodNone {
		return fmt.Errorf("unsupported negotiation method: %d", neg.Method)
	}
	return nil
}

func ClientConnect(conn net.Conn, address string) error {
	return clientRequest(conn, txsocks5.CmdConnect, address)
}

func clientRequest(conn net.Conn, cmd byte, address string) error {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(cmd, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Rep: rep.Rep}
	}
	return nil
}
