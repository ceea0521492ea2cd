package swarm

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/TatuMon/btleech/internal/metainfo"
	"github.com/TatuMon/btleech/internal/peer"
	"github.com/TatuMon/btleech/internal/piece"
	"github.com/TatuMon/btleech/internal/tracker"
)

type stubWriter struct{}

func (stubWriter) WritePiece(index int, data []byte) error { return nil }

type stubTracker struct {
	peers []peer.Endpoint
	err   error
	calls int
}

func (s *stubTracker) Announce(ctx context.Context, req tracker.Request) (*tracker.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &tracker.Result{Interval: 30 * time.Minute, Peers: s.peers}, nil
}

func newTestRegistry(numPieces int) *piece.Registry {
	hashes := make([]metainfo.Hash, numPieces)
	m := &metainfo.Metainfo{
		PieceLength: 16,
		TotalSize:   int64(numPieces) * 16,
		PieceHashes: hashes,
	}
	return piece.New(m, stubWriter{})
}

func TestSupervisorAdmitDeduplicates(t *testing.T) {
	registry := newTestRegistry(1)
	st := &stubTracker{peers: []peer.Endpoint{
		{IP: net.ParseIP("127.0.0.1"), Port: 1000},
		{IP: net.ParseIP("127.0.0.1"), Port: 1000},
		{IP: net.ParseIP("127.0.0.1"), Port: 1001},
	}}

	var infoHash, localID [20]byte
	s := New(infoHash, localID, registry, []tracker.Tracker{st}, tracker.Request{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.announce(ctx); err != nil {
		t.Fatalf("announce failed: %s", err)
	}

	if s.PoolSize() != 2 {
		t.Errorf("expected 2 deduplicated endpoints, got %d", s.PoolSize())
	}
}

func TestSupervisorAnnounceFallsBackToNextTracker(t *testing.T) {
	registry := newTestRegistry(1)
	bad := &stubTracker{err: context.DeadlineExceeded}
	good := &stubTracker{peers: []peer.Endpoint{{IP: net.ParseIP("10.0.0.1"), Port: 6881}}}

	var infoHash, localID [20]byte
	s := New(infoHash, localID, registry, []tracker.Tracker{bad, good}, tracker.Request{})

	if err := s.announce(context.Background()); err != nil {
		t.Fatalf("expected fallback success, got error: %s", err)
	}
	if bad.calls != 1 || good.calls != 1 {
		t.Errorf("expected both trackers tried once, got bad=%d good=%d", bad.calls, good.calls)
	}
	if s.PoolSize() != 1 {
		t.Errorf("expected 1 endpoint admitted, got %d", s.PoolSize())
	}
}

func TestSupervisorAnnounceAllFail(t *testing.T) {
	registry := newTestRegistry(1)
	st1 := &stubTracker{err: context.DeadlineExceeded}
	st2 := &stubTracker{err: context.DeadlineExceeded}

	var infoHash, localID [20]byte
	s := New(infoHash, localID, registry, []tracker.Tracker{st1, st2}, tracker.Request{})

	if err := s.announce(context.Background()); err == nil {
		t.Fatal("expected error when all trackers fail")
	}
}

func TestSupervisorNeedsRefill(t *testing.T) {
	registry := newTestRegistry(1)
	var infoHash, localID [20]byte
	s := New(infoHash, localID, registry, nil, tracker.Request{})

	if !s.needsRefill() {
		t.Error("expected empty supervisor to need refill")
	}

	for i := 0; i < refillPoolThreshold+1; i++ {
		s.pool = append(s.pool, peer.Endpoint{Port: uint16(i)})
	}
	if !s.needsRefill() {
		t.Error("expected full pool with no active sessions to still need refill (active below threshold)")
	}
}

func TestSupervisorRunExitsWhenComplete(t *testing.T) {
	// Force completion by writing the single block directly.
	m := &metainfo.Metainfo{PieceLength: 16, TotalSize: 16, PieceHashes: []metainfo.Hash{
		metainfo.Hash(sha1.Sum(make([]byte, 16))),
	}}
	registry := piece.New(m, stubWriter{})
	registry.AddBlock(0, 0, make([]byte, 16))

	var infoHash, localID [20]byte
	s := New(infoHash, localID, registry, nil, tracker.Request{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on completion, got %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not exit after download completed")
	}
}
