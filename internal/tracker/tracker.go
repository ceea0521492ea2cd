// Package tracker implements the BitTorrent tracker announce contract
// the core calls to discover peers, over both HTTP and UDP transports.
package tracker

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/TatuMon/btleech/internal/peer"
)

// Request is everything an announce call needs to report this client's
// state to the tracker.
type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Port       uint16
}

// Result is a tracker's response: a suggested re-announce interval and
// the peer endpoints it returned.
type Result struct {
	Interval time.Duration
	Peers    []peer.Endpoint
}

// Tracker announces this client's state and returns candidate peers.
type Tracker interface {
	Announce(ctx context.Context, req Request) (*Result, error)
}

// Dispatch picks an HTTP or UDP tracker implementation based on
// announceURL's scheme.
func Dispatch(announceURL string) (Tracker, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse announce url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return &HTTPTracker{URL: announceURL}, nil
	case "udp":
		return &UDPTracker{URL: announceURL}, nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}

// parseCompactPeers decodes the 6-bytes-per-peer compact representation:
// 4 big-endian IPv4 bytes followed by a 2-byte big-endian port.
func parseCompactPeers(raw []byte) ([]peer.Endpoint, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("received malformed peers: length %d not a multiple of 6", len(raw))
	}

	n := len(raw) / 6
	peers := make([]peer.Endpoint, n)
	for i := 0; i < n; i++ {
		offset := i * 6
		ip := net.IPv4(raw[offset], raw[offset+1], raw[offset+2], raw[offset+3])
		port := uint16(raw[offset+4])<<8 | uint16(raw[offset+5])
		peers[i] = peer.Endpoint{IP: ip, Port: port}
	}

	return peers, nil
}
