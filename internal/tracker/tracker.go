// Package tracker implements the HTTP announce client: it reports progress
// to the torrent's tracker and retrieves the current peer set.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"leech/internal/bencode"
)

const maxTrackerResponseSize = 2 * 1024 * 1024 // 2MB

var (
	// ErrUDPTracker marks an announce URL with a udp:// scheme; the client
	// treats it as fatal and exits with status 1.
	ErrUDPTracker = errors.New("tracker: udp announce urls are not supported")

	ErrUnsupportedScheme = errors.New("tracker: unsupported announce scheme")
)

// Response is a parsed announce reply: the tracker's suggested re-announce
// interval and the current peer set.
type Response struct {
	Interval time.Duration
	Peers    []netip.AddrPort
}

// Client announces against one HTTP(S) tracker on behalf of one torrent.
type Client struct {
	baseURL  *url.URL
	client   *http.Client
	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte
	port     uint16
	numWant  uint32
	length   uint64
	logger   *slog.Logger
}

// New builds a Client for announce. A udp:// URL yields ErrUDPTracker; any
// scheme other than http/https yields ErrUnsupportedScheme.
func New(announce string, infoHash, peerID [sha1.Size]byte, port uint16, numWant uint32, length uint64, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse announce url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
	case "udp":
		return nil, ErrUDPTracker
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	t := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL:  u,
		client:   &http.Client{Transport: t, Timeout: 30 * time.Second},
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		numWant:  numWant,
		length:   length,
		logger:   logger.With("component", "tracker", "host", u.Host),
	}, nil
}

// PeerID returns the local 20-byte peer id sent with every announce.
func (t *Client) PeerID() [sha1.Size]byte { return t.peerID }

// Announce performs the initial announce (event=started, zero progress
// counters).
func (t *Client) Announce(ctx context.Context) (*Response, error) {
	return t.Connect(ctx, true, 0, 0)
}

// Connect performs an announce with the given progress counters. first
// marks the very first announce of this download (event=started).
func (t *Client) Connect(ctx context.Context, first bool, uploaded, downloaded uint64) (*Response, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		t.buildAnnounceURL(first, uploaded, downloaded),
		nil,
	)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf(
			"tracker: announce returned non-ok status %d:%s",
			resp.StatusCode,
			string(body),
		)
	}

	r, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("announce success", "peers", len(r.Peers), "interval", r.Interval)

	return r, nil
}

// Close releases pooled connections. Announce must not be called after.
func (t *Client) Close() {
	t.client.CloseIdleConnections()
}

func (t *Client) buildAnnounceURL(first bool, uploaded, downloaded uint64) string {
	u := *t.baseURL
	q := u.Query()

	left := uint64(0)
	if downloaded < t.length {
		left = t.length - downloaded
	}

	q.Set("info_hash", string(t.infoHash[:]))
	q.Set("peer_id", string(t.peerID[:]))
	q.Set("port", strconv.Itoa(int(t.port)))
	q.Set("uploaded", strconv.FormatUint(uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(downloaded, 10))
	q.Set("left", strconv.FormatUint(left, 10))
	q.Set("compact", "1")

	if t.numWant > 0 {
		q.Set("numwant", strconv.Itoa(int(t.numWant)))
	}
	if first {
		q.Set("event", "started")
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*Response, error) {
	lr := io.LimitReader(r, maxTrackerResponseSize)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce expected dict but got %T", raw)
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure %s", failure)
	}

	interval, ok := dict["interval"].(int64)
	if !ok || interval < 0 {
		return nil, fmt.Errorf("tracker: missing or invalid interval")
	}

	peers, err := parsePeers(dict)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers %w", err)
	}

	return &Response{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
	}, nil
}

func parsePeers(d map[string]any) ([]netip.AddrPort, error) {
	peersData, ok := d["peers"]
	if !ok {
		return nil, nil
	}

	return decodePeers(peersData)
}
