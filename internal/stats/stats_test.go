package stats

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/TatuMon/btleech/internal/metainfo"
	"github.com/TatuMon/btleech/internal/piece"
)

type nullWriter struct{}

func (nullWriter) WritePiece(index int, data []byte) error { return nil }

func TestRateSamplerComputesDelta(t *testing.T) {
	m := &metainfo.Metainfo{
		PieceLength: 16,
		TotalSize:   32,
		PieceHashes: make([]metainfo.Hash, 2),
	}
	registry := piece.New(m, nullWriter{})

	t0 := time.Unix(0, 0)
	sampler := NewRateSampler(registry, t0)

	if got := sampler.Sample(t0.Add(500 * time.Millisecond)); got != 0 {
		t.Errorf("expected 0 rate before any transfer, got %f", got)
	}

	registry.AddBlock(0, 0, make([]byte, 16))

	t1 := t0.Add(1500 * time.Millisecond)
	rate := sampler.Sample(t1)
	if rate <= 0 {
		t.Errorf("expected positive rate after transfer, got %f", rate)
	}
}

func TestRateSamplerIgnoresSubMinimumInterval(t *testing.T) {
	m := &metainfo.Metainfo{PieceLength: 16, TotalSize: 16, PieceHashes: make([]metainfo.Hash, 1)}
	registry := piece.New(m, nullWriter{})

	t0 := time.Unix(0, 0)
	sampler := NewRateSampler(registry, t0)

	registry.AddBlock(0, 0, make([]byte, 16))

	got := sampler.Sample(t0.Add(10 * time.Millisecond))
	if got != 0 {
		t.Errorf("expected sample within 100ms to be ignored (rate stays 0), got %f", got)
	}
}

func TestTakeSnapshot(t *testing.T) {
	block := make([]byte, 16)
	m := &metainfo.Metainfo{
		PieceLength: 16,
		TotalSize:   32,
		PieceHashes: []metainfo.Hash{metainfo.Hash(sha1.Sum(block)), {}},
	}
	registry := piece.New(m, nullWriter{})
	registry.AddBlock(0, 0, block)

	t0 := time.Unix(0, 0)
	sampler := NewRateSampler(registry, t0)

	snap := Take(registry, sampler, t0.Add(time.Second))

	if snap.Downloaded != 16 {
		t.Errorf("downloaded = %d, want 16", snap.Downloaded)
	}
	if snap.Total != 32 {
		t.Errorf("total = %d, want 32", snap.Total)
	}
	if snap.Percent != 50 {
		t.Errorf("percent = %f, want 50", snap.Percent)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{500, "500B"},
		{2048, "2.0KiB"},
		{5 * 1024 * 1024, "5.0MiB"},
	}

	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
