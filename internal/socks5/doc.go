// Package socks5 is the thin SOCKS5 handshake layer used by the ingress.
//
// It wraps the protocol types in github.com/txthinking/socks5: no-auth
// negotiation, CONNECT request parsing and replies. It is not a full SOCKS5
// server; accepting clients and relaying bytes belong to the caller.
package socks5
