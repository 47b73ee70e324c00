// Package coordinator owns the global piece/block bookkeeping for a
// download: it hands out block requests to peer sessions, accepts
// completed blocks, and commits validated pieces to disk.
//
// All state is private to a single goroutine reached only through a
// command mailbox, so the rest of the client can share one Coordinator
// across many concurrently running peer sessions without locks, per the
// single-threaded cooperative model this client is built to simulate.
package coordinator

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"leech/internal/bitfield"
	"leech/internal/piece"
)

// MaxPendingMS is how long a block request may sit unanswered before it
// becomes eligible for re-issue to the next asking peer that has its piece,
// which may be the peer it was first requested from.
const MaxPendingMS = 300_000

// PeerID is the 20-byte peer identifier exchanged during the handshake.
type PeerID [sha1.Size]byte

type pendingRequest struct {
	block     *piece.Block
	addedAtMs int64
}

// Coordinator is the actor: its exported methods enqueue a closure onto the
// mailbox and block until the run loop has executed it, giving callers a
// synchronous API backed by single-threaded internal state.
type Coordinator struct {
	mailbox chan func()
	fatal   chan error
	done    chan struct{}
	// cur is written once in New, before the actor goroutine starts, and
	// never reassigned afterward; every read of it happens inside a
	// closure run on that same goroutine via call, so no synchronization
	// is needed beyond the mailbox serializing access to *cur itself.
	cur *state

	closeOnce sync.Once
	closeErr  error
}

type state struct {
	missing     []*piece.Piece
	ongoing     []*piece.Piece
	have        []*piece.Piece
	pending     []*pendingRequest
	peers       map[PeerID]bitfield.Bitfield
	pieceLength int64
	totalPieces int
	file        *os.File
	logger      *slog.Logger
}

// New constructs a Coordinator over pieces, opening (and creating if
// absent) outputPath as the writable, random-access output file, and starts
// its actor goroutine.
func New(pieces []*piece.Piece, pieceLength int64, outputPath string, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "coordinator")

	file, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open output file: %w", err)
	}

	st := &state{
		missing:     append([]*piece.Piece(nil), pieces...),
		peers:       make(map[PeerID]bitfield.Bitfield),
		pieceLength: pieceLength,
		totalPieces: len(pieces),
		file:        file,
		logger:      logger,
	}

	c := &Coordinator{
		mailbox: make(chan func()),
		fatal:   make(chan error, 1),
		done:    make(chan struct{}),
		cur:     st,
	}

	go c.run()

	return c, nil
}

func (c *Coordinator) run() {
	defer close(c.done)
	for fn := range c.mailbox {
		fn()
	}
}

// call runs fn on the actor goroutine against st and blocks until it
// completes.
func (c *Coordinator) call(fn func()) {
	done := make(chan struct{})
	c.mailbox <- func() {
		fn()
		close(done)
	}
	<-done
}

// AddPeer registers or replaces remoteID's advertised bitfield.
func (c *Coordinator) AddPeer(remoteID PeerID, bf bitfield.Bitfield) {
	c.call(func() { c.cur.peers[remoteID] = bf })
}

// UpdatePeer sets bit pieceIndex in remoteID's stored bitfield, creating a
// zeroed record first if the peer hasn't sent a BitField yet.
func (c *Coordinator) UpdatePeer(remoteID PeerID, pieceIndex int) {
	c.call(func() {
		st := c.cur
		bf, ok := st.peers[remoteID]
		if !ok {
			bf = bitfield.New(st.totalPieces)
			st.peers[remoteID] = bf
		}
		bf.Set(pieceIndex)
	})
}

// NextRequest returns the next block remoteID should be asked for, or nil.
func (c *Coordinator) NextRequest(remoteID PeerID, nowMs int64) *piece.Block {
	var result *piece.Block
	c.call(func() { result = c.cur.nextRequest(remoteID, nowMs) })
	return result
}

// OnBlockComplete records a block delivered by remoteID. If its piece
// becomes complete and validates, it is committed to disk and moved to the
// have set; if validation fails its blocks are reset to Missing. A disk
// write failure is reported on Fatal and also returned here.
func (c *Coordinator) OnBlockComplete(remoteID PeerID, pieceIndex int, offset int64, data []byte) error {
	var err error
	c.call(func() { err = c.cur.onBlockComplete(pieceIndex, offset, data) })
	if err != nil {
		select {
		case c.fatal <- err:
		default:
		}
	}
	return err
}

// Complete reports whether every piece has been validated and committed.
func (c *Coordinator) Complete() bool {
	var done bool
	c.call(func() { done = len(c.cur.have) == c.cur.totalPieces })
	return done
}

// BytesDownloaded returns the exact number of payload bytes committed to
// disk so far: the sum of each have piece's actual length, which handles a
// variable-length last piece precisely.
func (c *Coordinator) BytesDownloaded() uint64 {
	var n uint64
	c.call(func() {
		for _, p := range c.cur.have {
			n += uint64(p.Length())
		}
	})
	return n
}

// BytesUploaded is always 0: this client never serves block requests.
func (c *Coordinator) BytesUploaded() uint64 { return 0 }

// Fatal reports unrecoverable errors — currently, disk write failures —
// that should abort the whole client, not just one session.
func (c *Coordinator) Fatal() <-chan error { return c.fatal }

// Close releases the output file handle and stops the actor goroutine.
// Calling it again is safe and returns the first call's result.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.call(func() { c.closeErr = c.cur.file.Close() })
		close(c.mailbox)
		<-c.done
	})
	return c.closeErr
}

// nextRequest implements the request-selection policy in strict order:
// expired requests first, then ongoing pieces, then missing pieces.
func (s *state) nextRequest(remoteID PeerID, nowMs int64) *piece.Block {
	bf, ok := s.peers[remoteID]
	if !ok {
		return nil
	}

	for _, pr := range s.pending {
		if pr.addedAtMs+MaxPendingMS < nowMs && bf.Has(pr.block.PieceIndex) {
			pr.addedAtMs = nowMs
			return pr.block
		}
	}

	for _, p := range s.ongoing {
		if !bf.Has(p.Index) {
			continue
		}
		if b := p.NextRequest(); b != nil {
			s.pending = append(s.pending, &pendingRequest{block: b, addedAtMs: nowMs})
			return b
		}
	}

	for i, p := range s.missing {
		if !bf.Has(p.Index) {
			continue
		}
		s.missing = append(s.missing[:i:i], s.missing[i+1:]...)
		s.ongoing = append(s.ongoing, p)
		if b := p.NextRequest(); b != nil {
			s.pending = append(s.pending, &pendingRequest{block: b, addedAtMs: nowMs})
			return b
		}
		return nil
	}

	return nil
}

// onBlockComplete implements the on-receipt sequence: drop the matching
// pending entry, hand the data to the owning piece, and commit or reset it
// depending on validity once complete.
func (s *state) onBlockComplete(pieceIndex int, offset int64, data []byte) error {
	for i, pr := range s.pending {
		if pr.block.PieceIndex == pieceIndex && pr.block.Offset == offset {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			break
		}
	}

	idx := -1
	for i, p := range s.ongoing {
		if p.Index == pieceIndex {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.logger.Debug("block arrived for a piece not ongoing", "piece", pieceIndex, "offset", offset)
		return nil
	}
	target := s.ongoing[idx]

	if !target.BlockReceived(offset, data) {
		s.logger.Debug("block arrived at unknown offset", "piece", pieceIndex, "offset", offset)
		return nil
	}
	if !target.IsComplete() {
		return nil
	}

	if !target.IsValid() {
		s.logger.Warn("piece hash mismatch, resetting", "piece", pieceIndex)
		target.Reset()
		return nil
	}

	if err := s.commit(target); err != nil {
		return fmt.Errorf("coordinator: commit piece %d: %w", pieceIndex, err)
	}

	s.ongoing = append(s.ongoing[:idx:idx], s.ongoing[idx+1:]...)
	s.have = append(s.have, target)
	s.logger.Info("piece committed", "piece", pieceIndex, "have", len(s.have), "total", s.totalPieces)

	return nil
}

// commit performs the whole-piece, positioned write. Only validated pieces
// reach this point; partial pieces never touch disk.
func (s *state) commit(p *piece.Piece) error {
	_, err := s.file.WriteAt(p.Assemble(), int64(p.Index)*s.pieceLength)
	return err
}
