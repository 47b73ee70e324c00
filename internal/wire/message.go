package wire

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies the kind of a non-handshake wire message.
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	BitField      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case BitField:
		return "BitField"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(id))
	}
}

// Message is a single length-prefixed BitTorrent message.
//
// Wire format:
//
//	keep-alive: <length=0>
//	otherwise:  <length:4><id:1><payload:length-1>
//
// A nil *Message denotes a keep-alive.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage    = errors.New("wire: short message")
	ErrBadLengthPrefix = errors.New("wire: invalid length prefix")
	ErrBadPayloadSize  = errors.New("wire: invalid payload size for message id")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
	_ io.ReaderFrom              = (*Message)(nil)
)

// IsKeepAlive reports whether m denotes a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: Have, Payload: payload}
}

func MessageBitField(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)
	return &Message{ID: BitField, Payload: cp}
}

func MessageRequest(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return &Message{ID: Request, Payload: payload}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

func MessageCancel(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return &Message{ID: Cancel, Payload: payload}
}

// ParseHave returns the piece index carried by a Have message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseBitField returns the raw bitfield payload of a BitField message.
func (m *Message) ParseBitField() (bits []byte, ok bool) {
	if m == nil || m.ID != BitField {
		return nil, false
	}
	return m.Payload, true
}

// ParseRequest parses a Request (or Cancel) payload.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece parses a Piece payload into index, begin, and the block data.
// The returned block aliases m.Payload; callers that retain it beyond the
// lifetime of m must copy it.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], true
}

func (m *Message) MarshalBinary() ([]byte, error) {
	if m == nil {
		return []byte{0, 0, 0, 0}, nil
	}

	length := 1 + len(m.Payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf, nil
}

// UnmarshalBinary decodes a single frame (length prefix + id + payload) from
// b. A length prefix of 0 decodes to the keep-alive convention: *m is zeroed
// and the caller distinguishes keep-alive via ReadMessage's nil return.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}

	length := binary.BigEndian.Uint32(b[0:4])
	if length == 0 {
		*m = Message{}
		return nil
	}
	if len(b) < 4+int(length) {
		return ErrShortMessage
	}

	m.ID = MessageID(b[4])
	m.Payload = append(m.Payload[:0], b[5:4+int(length)]...)

	return nil
}

func (m *Message) WriteTo(w io.Writer) (int64, error) {
	if m == nil {
		var z [4]byte
		n, err := w.Write(z[:])
		return int64(n), err
	}

	var hdr [5]byte
	length := 1 + len(m.Payload)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(length))
	hdr[4] = byte(m.ID)

	n1, err := w.Write(hdr[:])
	if err != nil {
		return int64(n1), err
	}
	if len(m.Payload) == 0 {
		return int64(n1), nil
	}

	n2, err := w.Write(m.Payload)
	return int64(n1 + n2), err
}

func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return 0, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		*m = Message{}
		return 4, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return int64(4 + len(buf)), err
	}
	m.ID = MessageID(buf[0])
	// buf[1:] stays non-nil even when empty, which is what distinguishes a
	// payload-less message from the zero Message a keep-alive leaves behind.
	m.Payload = buf[1:]

	return int64(4 + len(buf)), nil
}

// ReadMessage reads one frame from r. It returns (nil, nil) for a keep-alive.
func ReadMessage(r io.Reader) (*Message, error) {
	var m Message
	if _, err := m.ReadFrom(r); err != nil {
		return nil, err
	}
	if m.Payload == nil && m.ID == 0 {
		return nil, nil
	}
	return &m, nil
}

// WriteMessage writes m to w. A nil m writes a keep-alive frame.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

// ValidatePayloadSize reports ErrBadPayloadSize if m's payload length is
// inconsistent with its message id.
func (m *Message) ValidatePayloadSize() error {
	if m == nil {
		return nil
	}

	switch m.ID {
	case Have:
		if len(m.Payload) != 4 {
			return ErrBadPayloadSize
		}
	case Request, Cancel:
		if len(m.Payload) != 12 {
			return ErrBadPayloadSize
		}
	case Piece:
		if len(m.Payload) < 8 {
			return ErrBadPayloadSize
		}
	}

	return nil
}
