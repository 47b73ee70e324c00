package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
)

// chunkSize bounds how much the framer reads from the underlying stream per
// demand when it doesn't yet hold a full frame.
const chunkSize = 10 * 1024

// maxFrameLength bounds a single message's length prefix. The largest valid
// frame on this wire is a Piece message (8-byte header + one block), so a
// prefix above 1 MiB is treated as a malformed or hostile peer.
const maxFrameLength = 1 << 20

// ErrMalformedFrame reports a length prefix that cannot belong to any valid
// frame on this connection.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Framer consumes a byte stream and yields fully-framed messages one at a
// time. It never returns a partially parsed message: bytes that don't yet
// form a complete frame stay buffered across calls to Next.
type Framer struct {
	r   io.Reader
	buf []byte
}

// NewFramer wraps r. Any bytes already read past a handshake (bytes the
// remote sent before we looked for them) should be passed as leftover.
func NewFramer(r io.Reader, leftover []byte) *Framer {
	f := &Framer{r: r}
	if len(leftover) > 0 {
		f.buf = append(f.buf, leftover...)
	}
	return f
}

// Next returns the next message on the stream, or (nil, nil) for a
// keep-alive. It returns an error — io.EOF included — when the stream ends;
// callers should treat any error here as session termination, not retry.
// Unknown message ids are consumed and skipped without being surfaced.
func (f *Framer) Next(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if msg, ok, err := f.tryParseOne(); err != nil {
			return nil, err
		} else if ok {
			if msg == nil {
				return nil, nil // keep-alive
			}
			if !isKnownID(msg.ID) {
				continue // skip silently, try the next buffered frame
			}
			return msg, nil
		}

		if err := f.fill(); err != nil {
			return nil, err
		}
	}
}

// tryParseOne attempts to decode one frame from the front of the buffer.
// ok is false if the buffer doesn't yet hold a complete frame.
func (f *Framer) tryParseOne() (msg *Message, ok bool, err error) {
	if len(f.buf) < 4 {
		return nil, false, nil
	}

	length := binary.BigEndian.Uint32(f.buf[:4])
	if length == 0 {
		f.buf = f.buf[4:]
		return nil, true, nil
	}
	if length > maxFrameLength {
		return nil, false, ErrMalformedFrame
	}

	total := 4 + int(length)
	if len(f.buf) < total {
		return nil, false, nil
	}

	payload := append([]byte(nil), f.buf[5:total]...)
	m := &Message{ID: MessageID(f.buf[4]), Payload: payload}
	f.buf = f.buf[total:]

	return m, true, nil
}

// fill reads up to chunkSize bytes from the underlying stream and appends
// them to the buffer.
func (f *Framer) fill() error {
	tmp := make([]byte, chunkSize)
	n, err := f.r.Read(tmp)
	if n > 0 {
		f.buf = append(f.buf, tmp[:n]...)
	}
	if err != nil {
		return err
	}
	return nil
}

func isKnownID(id MessageID) bool {
	return id <= Cancel
}
