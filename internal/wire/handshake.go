// Package wire implements the BitTorrent wire protocol: the handshake, the
// length-prefixed message codec, and the stream framer that turns a byte
// stream into a sequence of decoded messages.
package wire

import (
	"crypto/sha1"
	"encoding"
	"errors"
	"io"
)

const (
	protocolName = "BitTorrent protocol"
	reservedN    = 8
)

// Handshake is the fixed 68-byte prologue exchanged at the start of every
// peer connection.
//
// Wire format:
//
//	<pstrlen=19><"BitTorrent protocol"><reserved:8><info_hash:20><peer_id:20>
type Handshake struct {
	Pstr     string
	Reserved [reservedN]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrProtocolMismatch = errors.New("wire: protocol string mismatch")
	ErrBadPstrlen       = errors.New("wire: invalid protocol string length")
	ErrShortHandshake   = errors.New("wire: short handshake read")
	ErrInfoHashMismatch = errors.New("wire: info hash mismatch")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake returns a canonical handshake for the given torrent info hash
// and local peer id, with zeroed reserved bytes.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Pstr:     protocolName,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// MarshalBinary encodes the handshake into its 68-byte wire representation.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	n := 1 + len(h.Pstr) + reservedN + sha1.Size + sha1.Size
	buf := make([]byte, n)

	buf[0] = byte(len(h.Pstr))
	offset := 1
	offset += copy(buf[offset:], h.Pstr)
	offset += copy(buf[offset:], make([]byte, reservedN))
	offset += copy(buf[offset:], h.InfoHash[:])
	copy(buf[offset:], h.PeerID[:])

	return buf, nil
}

// UnmarshalBinary parses a handshake from its wire format.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if pstrlen == 0 || pstrlen > 255 {
		return ErrBadPstrlen
	}
	const tail = reservedN + sha1.Size + sha1.Size
	if len(b) < 1+pstrlen+tail {
		return ErrShortHandshake
	}

	pstrStart := 1
	pstrEnd := pstrStart + pstrlen
	copy(h.Reserved[:], b[pstrEnd:pstrEnd+reservedN])
	copy(h.InfoHash[:], b[pstrEnd+reservedN:pstrEnd+reservedN+sha1.Size])
	copy(h.PeerID[:], b[pstrEnd+reservedN+sha1.Size:])
	h.Pstr = string(b[pstrStart:pstrEnd])

	return nil
}

// WriteTo writes the handshake's wire representation to w.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom reads and decodes a complete handshake from r, blocking until it
// has done so or an error occurs.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrShortHandshake
		}
		return 0, err
	}

	pstrlen := int(hdr[0])
	if pstrlen == 0 || pstrlen > 255 {
		return 1, ErrBadPstrlen
	}

	rest := make([]byte, pstrlen+reservedN+sha1.Size+sha1.Size)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(1 + len(rest)), ErrShortHandshake
		}
		return int64(1 + len(rest)), err
	}

	if err := h.UnmarshalBinary(append(hdr[:], rest...)); err != nil {
		return int64(1 + len(rest)), err
	}

	return int64(1 + len(rest)), nil
}

// Exchange writes h to rw, reads the remote handshake, and verifies the
// protocol string and (if verifyInfoHash) the info hash. It returns the
// remote peer's handshake.
func (h Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (Handshake, error) {
	if _, err := (&h).WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	var peer Handshake
	if _, err := peer.ReadFrom(rw); err != nil {
		return Handshake{}, err
	}

	if peer.Pstr != protocolName {
		return Handshake{}, ErrProtocolMismatch
	}
	if verifyInfoHash && peer.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}

	return peer, nil
}
