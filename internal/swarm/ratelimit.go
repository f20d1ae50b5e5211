package swarm

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds how fast a single peer may issue piece
// requests against this node.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained per-peer request rate.
	RequestsPerSecond float64

	// Burst is the number of requests a peer may issue at once.
	Burst int

	// IdleExpiry is how long an inactive peer's limiter is kept.
	IdleExpiry time.Duration

	// CleanupInterval is how often expired limiters are removed.
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig allows a healthy download session while
// keeping one peer from monopolizing the seeder.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             100,
		IdleExpiry:        5 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PeerRateLimiter tracks a token bucket per remote peer.
type PeerRateLimiter struct {
	mu       sync.Mutex
	limiters map[peer.ID]*peerLimiter
	config   RateLimitConfig
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPeerRateLimiter starts a limiter with a background janitor that
// drops buckets for peers not seen within IdleExpiry.
func NewPeerRateLimiter(config RateLimitConfig) *PeerRateLimiter {
	prl := &PeerRateLimiter{
		limiters: make(map[peer.ID]*peerLimiter),
		config:   config,
		stop:     make(chan struct{}),
	}
	go prl.cleanupLoop()
	return prl
}

// Allow reports whether peerID may issue one more request now.
func (prl *PeerRateLimiter) Allow(peerID peer.ID) bool {
	prl.mu.Lock()
	defer prl.mu.Unlock()

	pl, ok := prl.limiters[peerID]
	if !ok {
		pl = &peerLimiter{
			limiter: rate.NewLimiter(rate.Limit(prl.config.RequestsPerSecond), prl.config.Burst),
		}
		prl.limiters[peerID] = pl
	}
	pl.lastSeen = time.Now()
	return pl.limiter.Allow()
}

// PeerCount returns the number of peers currently tracked.
func (prl *PeerRateLimiter) PeerCount() int {
	prl.mu.Lock()
	defer prl.mu.Unlock()
	return len(prl.limiters)
}

// Close stops the janitor.
func (prl *PeerRateLimiter) Close() {
	prl.stopOnce.Do(func() { close(prl.stop) })
}

func (prl *PeerRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(prl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			prl.cleanup()
		case <-prl.stop:
			return
		}
	}
}

func (prl *PeerRateLimiter) cleanup() {
	prl.mu.Lock()
	defer prl.mu.Unlock()
	cutoff := time.Now().Add(-prl.config.IdleExpiry)
	for id, pl := range prl.limiters {
		if pl.lastSeen.Before(cutoff) {
			delete(prl.limiters, id)
		}
	}
}
