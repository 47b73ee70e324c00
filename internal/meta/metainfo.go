// Package meta parses a single-file torrent's bencoded metainfo descriptor
// into the structured contract the rest of the client depends on. Multi-file
// torrents and magnet links are out of scope for this client.
package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"leech/internal/bencode"
)

// TorrentInfo is the metainfo → coordinator contract: everything downstream
// components need to know about the torrent being fetched.
type TorrentInfo struct {
	// Name is the output file name.
	Name string
	// PieceLength is the number of bytes per piece.
	PieceLength int64
	// Length is the total payload length in bytes.
	Length int64
	// Pieces is the ordered sequence of 20-byte SHA-1 digests, one per piece.
	Pieces [][sha1.Size]byte
	// Announce is the tracker URL.
	Announce string
	// InfoHash is the SHA-1 of the bencoded info dictionary.
	InfoHash [sha1.Size]byte
}

var (
	ErrNotADict             = errors.New("metainfo: top-level value is not a dictionary")
	ErrMissingAnnounce      = errors.New("metainfo: 'announce' missing")
	ErrMissingInfo          = errors.New("metainfo: 'info' missing")
	ErrInfoNotADict         = errors.New("metainfo: 'info' is not a dictionary")
	ErrMissingName          = errors.New("metainfo: 'info.name' missing or empty")
	ErrInvalidPieceLength   = errors.New("metainfo: 'info.piece length' missing or non-positive")
	ErrInvalidPieces        = errors.New("metainfo: 'info.pieces' length is not a multiple of 20")
	ErrMultiFileUnsupported = errors.New("metainfo: multi-file torrents are not supported")
	ErrInvalidLength        = errors.New("metainfo: 'info.length' missing or non-positive")
)

// Parse decodes a bencoded metainfo blob into a TorrentInfo.
func Parse(data []byte) (*TorrentInfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}

	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotADict
	}

	announce, ok := root["announce"].(string)
	if !ok || announce == "" {
		return nil, ErrMissingAnnounce
	}

	rawInfo, ok := root["info"]
	if !ok {
		return nil, ErrMissingInfo
	}
	infoDict, ok := rawInfo.(map[string]any)
	if !ok {
		return nil, ErrInfoNotADict
	}

	if _, hasFiles := infoDict["files"]; hasFiles {
		return nil, ErrMultiFileUnsupported
	}

	name, ok := infoDict["name"].(string)
	if !ok || name == "" {
		return nil, ErrMissingName
	}

	pieceLength, err := asPositiveInt64(infoDict["piece length"])
	if err != nil {
		return nil, ErrInvalidPieceLength
	}

	length, err := asPositiveInt64(infoDict["length"])
	if err != nil {
		return nil, ErrInvalidLength
	}

	pieces, err := parsePieces(infoDict["pieces"])
	if err != nil {
		return nil, err
	}

	infoHashBytes, err := bencode.Marshal(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: re-encoding info dict: %w", err)
	}

	return &TorrentInfo{
		Name:        name,
		PieceLength: pieceLength,
		Length:      length,
		Pieces:      pieces,
		Announce:    announce,
		InfoHash:    sha1.Sum(infoHashBytes),
	}, nil
}

func asPositiveInt64(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok || n <= 0 {
		return 0, errors.New("not a positive integer")
	}

	return n, nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, ErrInvalidPieces
	}

	raw := []byte(s)
	if len(raw)%sha1.Size != 0 {
		return nil, ErrInvalidPieces
	}

	n := len(raw) / sha1.Size
	pieces := make([][sha1.Size]byte, n)
	for i := range pieces {
		copy(pieces[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}

	return pieces, nil
}

// TotalPieces returns the number of pieces described by the metainfo.
func (ti *TorrentInfo) TotalPieces() int { return len(ti.Pieces) }
