package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"
)

func mustBytes20(t *testing.T, s string) [sha1.Size]byte {
	t.Helper()

	var out [sha1.Size]byte
	if copy(out[:], s) != sha1.Size {
		t.Fatalf("fixture %q is not 20 bytes", s)
	}
	return out
}

func compactPeer(ip [4]byte, port uint16) string {
	return string([]byte{ip[0], ip[1], ip[2], ip[3], byte(port >> 8), byte(port)})
}

func newTestClient(t *testing.T, announce string) *Client {
	t.Helper()

	c, err := New(
		announce,
		mustBytes20(t, "info-hash-aaaaaaaaaa"),
		mustBytes20(t, "-LH0001-tttttttttttt"),
		6889,
		50,
		1000,
		nil,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	return c
}

func TestAnnounceSendsRequiredParams(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		got = map[string]string{
			"info_hash":  q.Get("info_hash"),
			"peer_id":    q.Get("peer_id"),
			"port":       q.Get("port"),
			"uploaded":   q.Get("uploaded"),
			"downloaded": q.Get("downloaded"),
			"left":       q.Get("left"),
			"compact":    q.Get("compact"),
			"event":      q.Get("event"),
		}
		w.Write([]byte("d8:intervali1800e5:peers0:e"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	resp, err := c.Announce(context.Background())
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Interval != 1800*time.Second {
		t.Fatalf("interval = %v, want 1800s", resp.Interval)
	}

	want := map[string]string{
		"info_hash":  "info-hash-aaaaaaaaaa",
		"peer_id":    "-LH0001-tttttttttttt",
		"port":       "6889",
		"uploaded":   "0",
		"downloaded": "0",
		"left":       "1000",
		"compact":    "1",
		"event":      "started",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("param %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestConnectReportsProgressWithoutEvent(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		got = map[string]string{
			"uploaded":   q.Get("uploaded"),
			"downloaded": q.Get("downloaded"),
			"left":       q.Get("left"),
			"event":      q.Get("event"),
		}
		w.Write([]byte("d8:intervali900e5:peers0:e"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	if _, err := c.Connect(context.Background(), false, 0, 600); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if got["downloaded"] != "600" || got["left"] != "400" {
		t.Fatalf("progress params = %v", got)
	}
	if got["event"] != "" {
		t.Fatalf("re-announce should carry no event, got %q", got["event"])
	}
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	peers := compactPeer([4]byte{10, 0, 0, 1}, 6881) + compactPeer([4]byte{192, 168, 1, 2}, 51413)
	body := "d8:intervali120e5:peers12:" + peers + "e"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	resp, err := c.Announce(context.Background())
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	want := []netip.AddrPort{
		netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 1}), 6881),
		netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, 1, 2}), 51413),
	}
	if len(resp.Peers) != len(want) {
		t.Fatalf("got %d peers, want %d", len(resp.Peers), len(want))
	}
	for i := range want {
		if resp.Peers[i] != want[i] {
			t.Errorf("peer[%d] = %v, want %v", i, resp.Peers[i], want[i])
		}
	}
}

func TestAnnounceParsesDictPeers(t *testing.T) {
	body := "d8:intervali120e5:peersld2:ip8:10.0.0.94:porti6881eeee"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	resp, err := c.Announce(context.Background())
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	want := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 9}), 6881)
	if len(resp.Peers) != 1 || resp.Peers[0] != want {
		t.Fatalf("peers = %v, want [%v]", resp.Peers, want)
	}
}

func TestAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason15:torrent unknowne"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	if _, err := c.Announce(context.Background()); err == nil {
		t.Fatalf("expected failure reason to surface as error")
	}
}

func TestAnnounceNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	if _, err := c.Announce(context.Background()); err == nil {
		t.Fatalf("expected non-200 status to surface as error")
	}
}

func TestUDPAnnounceRejected(t *testing.T) {
	_, err := New(
		"udp://tracker.example.com:6969/announce",
		mustBytes20(t, "info-hash-aaaaaaaaaa"),
		mustBytes20(t, "-LH0001-tttttttttttt"),
		6889,
		50,
		1000,
		nil,
	)
	if !errors.Is(err, ErrUDPTracker) {
		t.Fatalf("err = %v, want ErrUDPTracker", err)
	}
}

func TestUnsupportedSchemeRejected(t *testing.T) {
	_, err := New(
		"wss://tracker.example.com/announce",
		mustBytes20(t, "info-hash-aaaaaaaaaa"),
		mustBytes20(t, "-LH0001-tttttttttttt"),
		6889,
		50,
		1000,
		nil,
	)
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("err = %v, want ErrUnsupportedScheme", err)
	}
}
