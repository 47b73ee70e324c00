// Package config holds every tunable of the client in one struct, threaded
// explicitly through constructors rather than read from a global.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"time"
)

// Config defines behavior and resource limits for a download.
type Config struct {
	// ClientID is the unique identifier for our client, sent in every
	// handshake and announce.
	ClientID [sha1.Size]byte

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// MaxPeers is the number of concurrent peer sessions the supervisor
	// fans out over the shared address queue.
	MaxPeers int

	// Port is the TCP port reported to the tracker. This client never
	// accepts incoming connections; the value exists only for the
	// announce request.
	Port uint16

	// NumWant is the maximum number of peers to request from the tracker.
	NumWant uint32

	// AnnounceInterval is the default time between announces, replaced by
	// the tracker's suggested interval after the first response.
	AnnounceInterval time.Duration

	// MonitorTick is the supervisor's poll cadence for completion, abort,
	// and re-announce checks.
	MonitorTick time.Duration
}

// Default returns sensible defaults for most use cases, with a freshly
// generated client id.
func Default() (*Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return nil, err
	}

	return &Config{
		ClientID:         clientID,
		DialTimeout:      7 * time.Second,
		MaxPeers:         10,
		Port:             6889,
		NumWant:          50,
		AnnounceInterval: 5 * time.Minute,
		MonitorTick:      100 * time.Millisecond,
	}, nil
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-LH0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
