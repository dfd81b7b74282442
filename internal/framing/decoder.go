package framing

import "encoding/binary"

type decodeState uint8

const (
	readingLength decodeState = iota
	readingPayload
)

// Decoder reassembles frames from arbitrarily fragmented input. It is not
// safe for concurrent use.
type Decoder struct {
	state    decodeState
	need     int
	chunks   [][]byte
	buffered int
}

// NewDecoder returns a Decoder expecting a length prefix.
func NewDecoder() *Decoder {
	return &Decoder{state: readingLength, need: lengthSize}
}

// Feed appends p to the pending input and returns every frame completed by
// it, in order. p is copied. A declared length above MaxFrameSize returns the
// frames completed so far together with an *Error; the Decoder is unusable
// afterwards.
func (d *Decoder) Feed(p []byte) ([][]byte, error) {
	if len(p) > 0 {
		d.chunks = append(d.chunks, append([]byte(nil), p...))
		d.buffered += len(p)
	}

	var frames [][]byte
	for d.buffered >= d.need {
		b := d.take(d.need)

		switch d.state {
		case readingLength:
			n := binary.BigEndian.Uint32(b)
			if n > MaxFrameSize {
				return frames, &Error{Size: int(n)}
			}
			d.state = readingPayload
			d.need = int(n)

		case readingPayload:
			frames = append(frames, b)
			d.state = readingLength
			d.need = lengthSize
		}
	}
	return frames, nil
}

// Buffered reports how many bytes are held that do not yet form a frame.
func (d *Decoder) Buffered() int {
	return d.buffered
}

// take consumes exactly n buffered bytes, joining chunks only when the
// prefix straddles a chunk boundary.
func (d *Decoder) take(n int) []byte {
	d.buffered -= n

	if n == 0 {
		return []byte{}
	}

	head := d.chunks[0]
	if len(head) >= n {
		if len(head) == n {
			d.chunks[0] = nil
			d.chunks = d.chunks[1:]
		} else {
			d.chunks[0] = head[n:]
		}
		return head[:n:n]
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		head = d.chunks[0]
		want := n - len(out)
		if len(head) <= want {
			out = append(out, head...)
			d.chunks[0] = nil
			d.chunks = d.chunks[1:]
			continue
		}
		out = append(out, head[:want]...)
		d.chunks[0] = head[want:]
	}
	return out
}
