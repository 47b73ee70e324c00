// Package peer drives one peer connection through handshake and message
// exchange, translating between framed wire messages and coordinator calls.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"leech/internal/bitfield"
	"leech/internal/coordinator"
	"leech/internal/wire"
)

// flags is the per-session state set: {Choked, Interested, PendingRequest,
// Stopped}. Interested tracks the remote peer's declared interest in us and
// starts set, matching this system's initial post-handshake state.
type flags uint8

const (
	flagChoked flags = 1 << iota
	flagInterested
	flagPendingRequest
	flagStopped
)

func (f flags) has(bit flags) bool { return f&bit != 0 }

// Session drives a single TCP connection to one peer: connect, handshake,
// then a message loop that requests blocks from the shared coordinator and
// feeds completed ones back to it.
type Session struct {
	addr        string
	infoHash    [sha1.Size]byte
	localID     [sha1.Size]byte
	coord       *coordinator.Coordinator
	dialTimeout time.Duration
	logger      *slog.Logger
}

// New returns a Session for one peer address. Run may be called once; the
// caller is responsible for looping over addresses (the supervisor's "pull
// peer -> handshake -> run until dead" outer loop).
func New(addr string, infoHash, localID [sha1.Size]byte, coord *coordinator.Coordinator, dialTimeout time.Duration, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		addr:        addr,
		infoHash:    infoHash,
		localID:     localID,
		coord:       coord,
		dialTimeout: dialTimeout,
		logger:      logger.With("component", "peer", "addr", addr),
	}
}

// Run connects, performs the handshake, and drives the message loop until
// the connection ends, the context is cancelled, or a protocol error
// occurs. A nil return means clean termination (EOF, cancellation); a
// non-nil return is a session-ending error worth logging.
func (s *Session) Run(ctx context.Context) error {
	conn, err := (&net.Dialer{Timeout: s.dialTimeout}).DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("peer: dial: %w", err)
	}
	defer conn.Close()

	return s.runConn(ctx, conn)
}

// runConn performs the handshake and message loop over an already-connected
// conn. Split out from Run so tests can drive a session over a connection
// they set up themselves, bypassing Run's dialer.
func (s *Session) runConn(ctx context.Context, conn net.Conn) error {
	// A blocked Read only wakes when the conn closes, so cancellation is
	// delivered by closing it; the resulting read error is treated as a
	// clean end-of-stream below.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	local := wire.NewHandshake(s.infoHash, s.localID)
	remote, err := local.Exchange(conn, true)
	if err != nil {
		return fmt.Errorf("peer: handshake: %w", err)
	}
	remoteID := coordinator.PeerID(remote.PeerID)
	s.logger = s.logger.With("remote_id", fmt.Sprintf("%x", remote.PeerID))

	return s.runMessageLoop(ctx, conn, remoteID)
}

func (s *Session) runMessageLoop(ctx context.Context, conn net.Conn, remoteID coordinator.PeerID) error {
	framer := wire.NewFramer(conn, nil)
	state := flagChoked | flagInterested
	sentInterested := false

	for {
		msg, err := framer.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("peer: frame read: %w", err)
		}

		if msg != nil {
			if err := msg.ValidatePayloadSize(); err != nil {
				return fmt.Errorf("peer: malformed message: %w", err)
			}

			state, sentInterested, err = s.handleMessage(conn, remoteID, msg, state, sentInterested)
			if err != nil {
				return err
			}
		}

		if state.has(flagStopped) {
			return nil
		}

		if canRequest(state) && !state.has(flagPendingRequest) {
			block := s.coord.NextRequest(remoteID, nowMs())
			if block != nil {
				req := wire.MessageRequest(uint32(block.PieceIndex), uint32(block.Offset), uint32(block.Length))
				if err := wire.WriteMessage(conn, req); err != nil {
					return fmt.Errorf("peer: send request: %w", err)
				}
				state |= flagPendingRequest
			}
		}
	}
}

func canRequest(state flags) bool {
	return !state.has(flagChoked) && state.has(flagInterested)
}

func (s *Session) handleMessage(conn net.Conn, remoteID coordinator.PeerID, msg *wire.Message, state flags, sentInterested bool) (flags, bool, error) {
	switch msg.ID {
	case wire.Choke:
		state |= flagChoked
	case wire.Unchoke:
		state &^= flagChoked
	case wire.Interested:
		state |= flagInterested
	case wire.NotInterested:
		state &^= flagInterested
	case wire.Have:
		if idx, ok := msg.ParseHave(); ok {
			s.coord.UpdatePeer(remoteID, int(idx))
		}
	case wire.BitField:
		if bits, ok := msg.ParseBitField(); ok {
			s.coord.AddPeer(remoteID, bitfield.FromBytes(bits))
		}
		if !sentInterested {
			if err := wire.WriteMessage(conn, wire.MessageInterested()); err != nil {
				return state, sentInterested, fmt.Errorf("peer: send interested: %w", err)
			}
			sentInterested = true
		}
	case wire.Piece:
		if idx, begin, block, ok := msg.ParsePiece(); ok {
			state &^= flagPendingRequest
			if err := s.coord.OnBlockComplete(remoteID, int(idx), int64(begin), block); err != nil {
				return state, sentInterested, err
			}
		}
	case wire.Request, wire.Cancel:
		// Uploading is not implemented; ignore.
	}

	return state, sentInterested, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
