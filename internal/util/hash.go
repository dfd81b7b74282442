// Package util provides logging, traffic statistics and connection ids.
package util

import (
	"crypto/md5"
	"encoding/binary"
	"net"
	"strconv"
)

// ConnectionID derives the 32-bit id of a logical connection from the 4-tuple
// of the accepted ingress socket: the md5 digest of the concatenated tuple,
// XOR-folded into one word. Collisions are possible and not detected here.
func ConnectionID(localAddr string, localPort int, remoteAddr string, remotePort int) uint32 {
	key := localAddr + strconv.Itoa(localPort) + remoteAddr + strconv.Itoa(remotePort)
	sum := md5.Sum([]byte(key))

	var id uint32
	for i := 0; i < md5.Size; i += 4 {
		id ^= binary.BigEndian.Uint32(sum[i : i+4])
	}
	return id
}

// ConnectionIDFromConn computes ConnectionID for a TCP connection.
func ConnectionIDFromConn(conn net.Conn) uint32 {
	lh, lp := splitAddr(conn.LocalAddr())
	rh, rp := splitAddr(conn.RemoteAddr())
	return ConnectionID(lh, lp, rh, rp)
}

func splitAddr(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
