package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// array lengths per type: [tag, id, ...args]
var arrayLen = map[uint8]int{
	TypeConnect: 4,
	TypeClose:   2,
	TypeData:    3,
}

// Encode serializes a Message as a msgpack array.
func Encode(msg *Message) ([]byte, error) {
	n, ok := arrayLen[msg.Type]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown message type %d", msg.Type)
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.EncodeArrayLen(n); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(uint64(msg.Type)); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(uint64(msg.ID)); err != nil {
		return nil, err
	}

	switch msg.Type {
	case TypeConnect:
		if err := enc.EncodeString(msg.Host); err != nil {
			return nil, err
		}
		if err := enc.EncodeUint(uint64(msg.Port)); err != nil {
			return nil, err
		}
	case TypeData:
		if err := enc.EncodeBytes(msg.Payload); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Decode deserializes a msgpack array into a Message. Any malformed input,
// including trailing bytes, yields a *DecodeError.
func Decode(data []byte) (*Message, error) {
	msg, err := decode(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return msg, nil
}

func decode(data []byte) (*Message, error) {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n < 2 {
		return nil, fmt.Errorf("array of %d elements is too short", n)
	}

	tag, err := dec.DecodeUint64()
	if err != nil {
		return nil, fmt.Errorf("type tag: %w", err)
	}
	want, ok := arrayLen[uint8(tag)]
	if !ok || tag > math.MaxUint8 {
		return nil, fmt.Errorf("unknown message type %d", tag)
	}
	if n != want {
		return nil, fmt.Errorf("type %d carries %d elements, want %d", tag, n, want)
	}

	id, err := dec.DecodeUint64()
	if err != nil {
		return nil, fmt.Errorf("connection id: %w", err)
	}
	if id > math.MaxUint32 {
		return nil, fmt.Errorf("connection id %d out of range", id)
	}

	msg := &Message{Type: uint8(tag), ID: uint32(id)}

	switch msg.Type {
	case TypeConnect:
		if msg.Host, err = dec.DecodeString(); err != nil {
			return nil, fmt.Errorf("host: %w", err)
		}
		port, err := dec.DecodeUint64()
		if err != nil {
			return nil, fmt.Errorf("port: %w", err)
		}
		if port > math.MaxUint16 {
			return nil, fmt.Errorf("port %d out of range", port)
		}
		msg.Port = uint16(port)

	case TypeData:
		if msg.Payload, err = dec.DecodeBytes(); err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		if msg.Payload == nil {
			msg.Payload = []byte{}
		}
	}

	if r.Len() != 0 {
		return nil, errors.New("trailing bytes after message")
	}
	return msg, nil
}
