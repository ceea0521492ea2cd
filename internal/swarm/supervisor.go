// Package swarm owns the bounded fleet of concurrent peer sessions: a
// FIFO pool of candidate endpoints, periodic refill from the tracker,
// and lifecycle supervision until the download completes.
package swarm

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/TatuMon/btleech/internal/log"
	"github.com/TatuMon/btleech/internal/peer"
	"github.com/TatuMon/btleech/internal/piece"
	"github.com/TatuMon/btleech/internal/tracker"
)

const (
	// MaxActive bounds how many peer sessions run concurrently.
	MaxActive = 100

	observeInterval = 1 * time.Second

	// Refill triggers: the supervisor re-announces to the tracker when
	// the endpoint pool or the active session count drops below these.
	refillPoolThreshold   = 10
	refillActiveThreshold = 5
)

// Supervisor runs the bounded fleet of peer sessions and keeps it fed
// with fresh endpoints from the tracker.
type Supervisor struct {
	infoHash  [20]byte
	localID   [20]byte
	registry  *piece.Registry
	trackers  []tracker.Tracker
	req       tracker.Request
	maxActive int

	mu     sync.Mutex
	pool   []peer.Endpoint
	seen   map[string]struct{}
	active map[string]*peer.Session
}

// New constructs a Supervisor. trackers is tried in order on every
// announce round; the first to answer without error wins that round.
// The fleet is bounded at MaxActive concurrent sessions; use
// WithMaxActive to lower that bound.
func New(infoHash, localID [20]byte, registry *piece.Registry, trackers []tracker.Tracker, req tracker.Request) *Supervisor {
	return &Supervisor{
		infoHash:  infoHash,
		localID:   localID,
		registry:  registry,
		trackers:  trackers,
		req:       req,
		maxActive: MaxActive,
		seen:      make(map[string]struct{}),
		active:    make(map[string]*peer.Session),
	}
}

// WithMaxActive overrides the fleet's concurrency bound, clamped to
// MaxActive. It must be called before Run.
func (s *Supervisor) WithMaxActive(n int) *Supervisor {
	if n > 0 && n < s.maxActive {
		s.maxActive = n
	}
	return s
}

// Run drives the fleet until the download completes or ctx is
// cancelled, whichever comes first. If the initial announce round fails
// on every tracker, Run returns that error without starting the loop.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.announce(ctx); err != nil {
		log.Session("supervisor").Warnf("initial announce failed: %s", err)
		return err
	}

	ticker := time.NewTicker(observeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if s.registry.LeftBytes() == 0 {
				return nil
			}

			s.reap()
			s.fill()

			if s.needsRefill() {
				if err := s.announce(ctx); err != nil {
					log.Session("supervisor").Warnf("refill announce failed: %s", err)
				}
			}
		}
	}
}

// announce tries each tracker in order, stopping at the first success,
// and merges any returned endpoints into the pool.
func (s *Supervisor) announce(ctx context.Context) error {
	var lastErr error

	for _, t := range s.trackers {
		req := s.req
		req.Left = s.registry.LeftBytes()
		req.Downloaded = s.registry.DownloadedBytes()

		result, err := t.Announce(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}

		s.admit(result.Peers)
		return nil
	}

	return lastErr
}

// admit shuffles the tracker's returned endpoints uniformly at random,
// then merges them into the pool, deduplicating by (ip, port) against
// both the pool and any already-active session. The shuffle keeps one
// tracker response from systematically front-loading the pool with
// whatever order it happened to list peers in.
func (s *Supervisor) admit(endpoints []peer.Endpoint) {
	shuffled := make([]peer.Endpoint, len(endpoints))
	copy(shuffled, endpoints)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ep := range shuffled {
		key := ep.Key()
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.pool = append(s.pool, ep)
	}
}

// reap drops finished sessions from the active set, freeing their
// endpoint for re-selection by a later announce round.
func (s *Supervisor) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, sess := range s.active {
		select {
		case <-sess.Done():
			delete(s.active, key)
			delete(s.seen, key)
		default:
		}
	}
}

// fill pops endpoints off the FIFO pool and starts sessions for them
// until the active fleet reaches its configured bound or the pool is
// empty.
func (s *Supervisor) fill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.active) < s.maxActive && len(s.pool) > 0 {
		ep := s.pool[0]
		s.pool = s.pool[1:]

		sess := peer.New(ep, s.infoHash, s.localID, s.registry)
		s.active[ep.Key()] = sess

		go s.runSession(sess)
	}
}

// runSession runs one session to completion. Each session already owns
// its own goroutine (started by fill), so a failing peer never affects
// its siblings.
func (s *Supervisor) runSession(sess *peer.Session) {
	if err := sess.Run(); err != nil {
		log.Session(sess.Endpoint().String()).Debugf("session ended: %s", err)
	}
}

func (s *Supervisor) needsRefill() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pool) < refillPoolThreshold || len(s.active) < refillActiveThreshold
}

// ActiveCount returns the number of currently-running peer sessions.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// PoolSize returns the number of endpoints waiting to be tried.
func (s *Supervisor) PoolSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pool)
}
