// Package client supervises a download: it fans peer sessions out over a
// shared address queue, keeps the queue fresh from the tracker, and stops
// everything when the download completes or is aborted.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"leech/internal/config"
	"leech/internal/coordinator"
	"leech/internal/meta"
	"leech/internal/peer"
	"leech/internal/piece"
	"leech/internal/retry"
	"leech/internal/tracker"
)

// errDownloadComplete propagates "all pieces committed" through the
// errgroup so every session worker unwinds; Run translates it to nil.
var errDownloadComplete = errors.New("client: download complete")

// Client owns one download: the coordinator, the tracker client, the peer
// address queue, and the session workers driving them.
type Client struct {
	cfg     *config.Config
	info    *meta.TorrentInfo
	coord   *coordinator.Coordinator
	tracker *tracker.Client
	queue   *addrQueue
	logger  *slog.Logger

	// downloaded mirrors the coordinator's committed byte count; the
	// monitor loop refreshes it each tick so Progress stays readable
	// after the coordinator has shut down.
	downloaded atomic.Uint64
}

// New wires up a Client for the given torrent. The tracker is constructed
// first so a udp:// announce URL is rejected before the output file is
// created; tracker.ErrUDPTracker propagates to the caller.
func New(cfg *config.Config, info *meta.TorrentInfo, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	trk, err := tracker.New(
		info.Announce,
		info.InfoHash,
		cfg.ClientID,
		cfg.Port,
		cfg.NumWant,
		uint64(info.Length),
		logger,
	)
	if err != nil {
		return nil, err
	}

	pieces, err := piece.NewPieces(info.Pieces, info.PieceLength, info.Length)
	if err != nil {
		trk.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	coord, err := coordinator.New(pieces, info.PieceLength, info.Name, logger)
	if err != nil {
		trk.Close()
		return nil, err
	}

	return &Client{
		cfg:     cfg,
		info:    info,
		coord:   coord,
		tracker: trk,
		queue:   newAddrQueue(),
		logger:  logger.With("component", "client", "torrent", info.Name),
	}, nil
}

// Run announces, spawns the session workers, and blocks until the download
// completes, ctx is cancelled, or a fatal error occurs. Cancellation and
// completion both return nil.
func (c *Client) Run(ctx context.Context) error {
	defer c.tracker.Close()
	defer c.coord.Close()

	var resp *tracker.Response
	err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.tracker.Announce(ctx)
		return err
	},
		retry.WithMaxAttempts(3),
		retry.WithInitialDelay(time.Second),
		retry.WithOnRetry(func(attempt int, err error, nextDelay time.Duration) {
			c.logger.Warn("initial announce failed; retrying",
				"attempt", attempt, "next_in", nextDelay, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("client: initial announce: %w", err)
	}

	c.logger.Info("announce ok", "peers", len(resp.Peers), "interval", resp.Interval)
	c.queue.Put(resp.Peers...)

	interval := c.cfg.AnnounceInterval
	if resp.Interval > 0 {
		interval = resp.Interval
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < c.cfg.MaxPeers; i++ {
		g.Go(func() error { return c.sessionLoop(gctx) })
	}
	g.Go(func() error { return c.monitorLoop(gctx, interval) })

	err = g.Wait()
	c.downloaded.Store(c.coord.BytesDownloaded())
	switch {
	case errors.Is(err, errDownloadComplete):
		c.logger.Info("download complete",
			"bytes", c.downloaded.Load(), "file", c.info.Name)
		return nil
	case errors.Is(err, context.Canceled):
		c.logger.Info("download aborted")
		return nil
	default:
		return err
	}
}

// Progress reports committed and total payload bytes. It stays safe to
// call after Run has returned.
func (c *Client) Progress() (downloaded, total uint64) {
	return c.downloaded.Load(), uint64(c.info.Length)
}

// sessionLoop is one worker's outer loop: pull an address, run a session
// until it dies, pull the next. Session failures are logged and never
// fatal; the worker only stops when gctx does.
func (c *Client) sessionLoop(ctx context.Context) error {
	for {
		addr, err := c.queue.Get(ctx)
		if err != nil {
			return nil
		}

		sess := peer.New(
			addr.String(),
			c.info.InfoHash,
			c.tracker.PeerID(),
			c.coord,
			c.cfg.DialTimeout,
			c.logger,
		)
		if err := sess.Run(ctx); err != nil {
			c.logger.Debug("session ended", "addr", addr, "error", err)
		}
	}
}

// monitorLoop polls on every tick for completion, for a due re-announce,
// and for fatal coordinator errors. A failed re-announce is retried on the
// next tick; the peer queue is replaced wholesale on success.
func (c *Client) monitorLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(c.cfg.MonitorTick)
	defer ticker.Stop()

	lastAnnounce := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-c.coord.Fatal():
			return err

		case <-ticker.C:
			c.downloaded.Store(c.coord.BytesDownloaded())

			if c.coord.Complete() {
				return errDownloadComplete
			}

			if time.Since(lastAnnounce) < interval {
				continue
			}

			resp, err := c.tracker.Connect(ctx, false, c.coord.BytesUploaded(), c.coord.BytesDownloaded())
			if err != nil {
				c.logger.Warn("re-announce failed", "error", err)
				continue
			}

			c.queue.Replace(resp.Peers)
			if resp.Interval > 0 {
				interval = resp.Interval
			}
			lastAnnounce = time.Now()

			c.logger.Debug("re-announce ok", "peers", len(resp.Peers), "interval", interval)
		}
	}
}
