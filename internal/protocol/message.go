// Package protocol defines the multiplex messages exchanged between ingress
// and egress and their msgpack array encoding.
package protocol

import "fmt"

// Type tags. The numeric values are part of the wire format.
const (
	TypeConnect uint8 = 0 // open a logical connection to Host:Port
	TypeClose   uint8 = 1 // logical connection closed
	TypeData    uint8 = 2 // payload bytes for a logical connection
)

// Message is one multiplex message. Host and Port are only meaningful for
// TypeConnect, Payload only for TypeData.
type Message struct {
	Type    uint8
	ID      uint32
	Host    string
	Port    uint16
	Payload []byte
}

// Connect builds a TypeConnect message.
func Connect(id uint32, host string, port uint16) *Message {
	return &Message{Type: TypeConnect, ID: id, Host: host, Port: port}
}

// Close builds a TypeClose message.
func Close(id uint32) *Message {
	return &Message{Type: TypeClose, ID: id}
}

// Data builds a TypeData message.
func Data(id uint32, payload []byte) *Message {
	return &Message{Type: TypeData, ID: id, Payload: payload}
}

func (m *Message) String() string {
	switch m.Type {
	case TypeConnect:
		return fmt.Sprintf("CONNECT[%08x] %s:%d", m.ID, m.Host, m.Port)
	case TypeClose:
		return fmt.Sprintf("CLOSE[%08x]", m.ID)
	case TypeData:
		return fmt.Sprintf("DATA[%08x] %d bytes", m.ID, len(m.Payload))
	default:
		return fmt.Sprintf("UNKNOWN(%d)[%08x]", m.Type, m.ID)
	}
}

// DecodeError reports a buffer that is not a valid Message.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "protocol: decode: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }
