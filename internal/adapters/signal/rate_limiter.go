package signal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const DefaultLimiterIdle = time.Minute

type bucket struct {
	lim *rate.Limiter
	// refs counts live sockets holding the token.
	refs      int
	idleSince time.Time
}

// RateLimiter keeps one token bucket per client token. A bucket outlives
// its sockets by IdleTTL so reconnecting does not refill it.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int

	IdleTTL time.Duration
	now     func() time.Time
}

// NewRateLimiter allows perSecond messages with bursts of burst. A
// non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		IdleTTL: DefaultLimiterIdle,
		now:     time.Now,
	}
}

// get runs under rl.mu.
func (rl *RateLimiter) get(key string) *bucket {
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst), idleSince: rl.now()}
		rl.buckets[key] = b
	}
	return b
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	b := rl.get(key)
	rl.mu.Unlock()
	return b.lim.Allow()
}

// Acquire marks a socket holding key as live.
func (rl *RateLimiter) Acquire(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.get(key).refs++
}

// Release drops one live socket of key. The bucket stays until it has
// been idle for IdleTTL.
func (rl *RateLimiter) Release(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok || b.refs == 0 {
		return
	}
	b.refs--
	if b.refs == 0 {
		b.idleSince = rl.now()
	}
}

// Prune evicts buckets without live sockets idle for at least IdleTTL.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	n := 0
	for key, b := range rl.buckets {
		if b.refs == 0 && now.Sub(b.idleSince) >= rl.IdleTTL {
			delete(rl.buckets, key)
			n++
		}
	}
	return n
}

// Run prunes every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = rl.IdleTTL
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := rl.Prune(); n > 0 {
				log.Debug().Str("module", "signal").Int("evicted", n).Msg("rate limiter pruned")
			}
		}
	}
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
