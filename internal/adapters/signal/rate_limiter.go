package signal

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// JoinRateLimiter bounds join-room attempts per client token, so reconnecting
// with a fresh socket does not reset the budget.
type JoinRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*joinBucket
	every   time.Duration
	burst   int
}

type joinBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// idle buckets are full again after burst*every, so they can be forgotten.
const pruneThreshold = 1024

func NewJoinRateLimiter(every time.Duration, burst int) *JoinRateLimiter {
	return &JoinRateLimiter{
		buckets: make(map[string]*joinBucket),
		every:   every,
		burst:   burst,
	}
}

// Allow reports whether token may join now. An empty token is not limited.
func (rl *JoinRateLimiter) Allow(token string) bool {
	if token == "" || rl.burst <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if len(rl.buckets) >= pruneThreshold {
		rl.prune(now)
	}
	b, ok := rl.buckets[token]
	if !ok {
		b = &joinBucket{limiter: rate.NewLimiter(rate.Every(rl.every), rl.burst)}
		rl.buckets[token] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

func (rl *JoinRateLimiter) prune(now time.Time) {
	idle := rl.every * time.Duration(rl.burst)
	for token, b := range rl.buckets {
		if now.Sub(b.seen) > idle {
			delete(rl.buckets, token)
		}
	}
}
