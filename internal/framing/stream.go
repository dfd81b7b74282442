package framing

import (
	"encoding/binary"
	"io"
)

// Reader yields whole frames from an underlying byte stream.
type Reader struct {
	r       io.Reader
	dec     *Decoder
	buf     []byte
	pending [][]byte
	err     error
}

// NewReader wraps r. Reads from r are at most DefaultChunkSize bytes.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   r,
		dec: NewDecoder(),
		buf: make([]byte, DefaultChunkSize),
	}
}

// ReadFrame returns the next complete frame. Once the underlying reader
// fails, already reassembled frames are still returned before the error.
// A stream ending in the middle of a frame yields io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() ([]byte, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return nil, r.err
		}

		n, err := r.r.Read(r.buf)
		if n > 0 {
			frames, ferr := r.dec.Feed(r.buf[:n])
			r.pending = append(r.pending, frames...)
			if ferr != nil {
				r.err = ferr
				continue
			}
		}

		if err != nil {
			if err == io.EOF && r.dec.Buffered() > 0 {
				err = io.ErrUnexpectedEOF
			}
			r.err = err
		}
	}

	frame := r.pending[0]
	r.pending[0] = nil
	r.pending = r.pending[1:]
	return frame, nil
}

// Writer writes length-prefixed frames. It is not safe for concurrent use;
// callers serialise WriteFrame themselves.
type Writer struct {
	w         io.Writer
	chunkSize int
	header    [lengthSize]byte
}

// NewWriter wraps w. A non-positive chunkSize selects DefaultChunkSize.
func NewWriter(w io.Writer, chunkSize int) *Writer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Writer{w: w, chunkSize: chunkSize}
}

// WriteFrame writes the length prefix followed by p in chunks of at most the
// configured size. A payload above MaxFrameSize fails before any write.
func (w *Writer) WriteFrame(p []byte) error {
	if len(p) > MaxFrameSize {
		return &Error{Size: len(p)}
	}

	binary.BigEndian.PutUint32(w.header[:], uint32(len(p)))
	if _, err := w.w.Write(w.header[:]); err != nil {
		return err
	}

	for off := 0; off < len(p); off += w.chunkSize {
		end := min(off+w.chunkSize, len(p))
		if _, err := w.w.Write(p[off:end]); err != nil {
			return err
		}
	}
	return nil
}
