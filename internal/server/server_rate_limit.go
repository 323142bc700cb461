package server

import (
	"sync"
	"time"
)

const (
	regRateLimit  = 1.0             // registrations per second per remote address
	regBurstLimit = 5.0             // max burst
	regCleanupAge = 5 * time.Minute // evict idle buckets

	rateLimiterShards = 16
)

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// rateLimiter is a sharded per-key token bucket. Keys are spread over
// independently locked shards by FNV hash.
type rateLimiter struct {
	rate    float64
	burst   float64
	idleAge time.Duration
	now     func() time.Time
	shards  [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newRateLimiter() *rateLimiter {
	return newRateLimiterWith(regRateLimit, regBurstLimit, regCleanupAge, time.Now)
}

func newRateLimiterWith(rate, burst float64, idleAge time.Duration, now func() time.Time) *rateLimiter {
	rl := &rateLimiter{rate: rate, burst: burst, idleAge: idleAge, now: now}
	for i := range rl.shards {
		rl.shards[i].buckets = make(map[string]*bucket)
	}
	return rl
}

func (rl *rateLimiter) shard(key string) *rateLimiterShard {
	return &rl.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(rateLimiterShards))
}

func (rl *rateLimiter) allow(key string) bool {
	s := rl.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := rl.now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, lastCheck: now}
		s.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens = min(rl.burst, b.tokens+elapsed*rl.rate)
	}
	b.lastCheck = now

	if b.tokens < 1.0 {
		return false
	}
	b.tokens--
	return true
}

// cleanup evicts idle buckets; the janitor calls it so allow never iterates.
func (rl *rateLimiter) cleanup() int {
	now := rl.now()
	evicted := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, v := range s.buckets {
			if now.Sub(v.lastCheck) > rl.idleAge {
				delete(s.buckets, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

func (rl *rateLimiter) len() int {
	n := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}
