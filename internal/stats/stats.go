// Package stats derives user-facing progress and throughput figures
// from a piece.Registry's accessors (the atomic transferred-bytes counter
// and the bitfield-derived downloaded/left counts), without adding any
// locking of its own.
package stats

import (
	"fmt"
	"time"

	"github.com/TatuMon/btleech/internal/piece"
)

// Snapshot is a point-in-time view of download progress.
type Snapshot struct {
	Downloaded   int64
	Left         int64
	Total        int64
	Percent      float64
	RateBytesSec float64
}

// String renders a snapshot the way the CLI progress line prints it.
func (s Snapshot) String() string {
	return fmt.Sprintf("%.1f%% (%s/%s) at %s/s",
		s.Percent, formatBytes(s.Downloaded), formatBytes(s.Total), formatBytes(int64(s.RateBytesSec)))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// RateSampler derives an instantaneous transfer rate from successive
// TotalTransferred readings taken roughly one second apart. It holds no
// lock; callers must serialize their own calls to Sample (the stats
// loop is single-goroutine by construction).
type RateSampler struct {
	registry *piece.Registry

	lastTransferred int64
	lastSampleAt    time.Time
	rate            float64
}

// NewRateSampler constructs a sampler for registry, priming it with the
// current transferred count so the first Sample call reports a rate of
// zero rather than a spurious spike.
func NewRateSampler(registry *piece.Registry, now time.Time) *RateSampler {
	return &RateSampler{
		registry:        registry,
		lastTransferred: registry.TotalTransferred(),
		lastSampleAt:    now,
	}
}

// Sample updates and returns the sampler's current rate estimate, given
// the current wall-clock time. Intervals shorter than 100ms are folded
// into the next sample to avoid noisy division by a near-zero elapsed
// time.
func (r *RateSampler) Sample(now time.Time) float64 {
	elapsed := now.Sub(r.lastSampleAt)
	if elapsed < 100*time.Millisecond {
		return r.rate
	}

	transferred := r.registry.TotalTransferred()
	delta := transferred - r.lastTransferred

	r.rate = float64(delta) / elapsed.Seconds()
	r.lastTransferred = transferred
	r.lastSampleAt = now

	return r.rate
}

// Take builds a Snapshot from registry's current state and the
// sampler's most recent rate estimate.
func Take(registry *piece.Registry, sampler *RateSampler, now time.Time) Snapshot {
	downloaded := registry.DownloadedBytes()
	left := registry.LeftBytes()
	total := downloaded + left

	percent := 0.0
	if total > 0 {
		percent = float64(downloaded) / float64(total) * 100
	}

	return Snapshot{
		Downloaded:   downloaded,
		Left:         left,
		Total:        total,
		Percent:      percent,
		RateBytesSec: sampler.Sample(now),
	}
}
