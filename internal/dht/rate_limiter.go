package dht

import (
	"sync"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/identity"
)

// RateLimiter is a per-identity token bucket limiter for inbound requests
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[identity.ID]*tokenBucket
	capacity int
	refill   time.Duration
	idle     time.Duration
	now      func() time.Time

	lastCleanup time.Time
}

type tokenBucket struct {
	tokens   int
	lastSeen time.Time
}

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	Capacity int           // Burst size per identity (default: 20)
	Refill   time.Duration // Time to refill one token (default: 1s)
	Idle     time.Duration // Buckets unused this long are dropped (default: 10m)
	Now      func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimiterConfig) *RateLimiter {
	if config == nil {
		config = &RateLimiterConfig{}
	}

	rl := &RateLimiter{
		buckets:  make(map[identity.ID]*tokenBucket),
		capacity: config.Capacity,
		refill:   config.Refill,
		idle:     config.Idle,
		now:      config.Now,
	}
	if rl.capacity <= 0 {
		rl.capacity = 20
	}
	if rl.refill <= 0 {
		rl.refill = time.Second
	}
	if rl.idle <= 0 {
		rl.idle = 10 * time.Minute
	}
	if rl.now == nil {
		rl.now = time.Now
	}
	rl.lastCleanup = rl.now()
	return rl
}

// Allow consumes a token for id and reports whether one was available
func (rl *RateLimiter) Allow(id identity.ID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastCleanup) > rl.idle {
		rl.cleanup(now)
		rl.lastCleanup = now
	}

	b, exists := rl.buckets[id]
	if !exists {
		rl.buckets[id] = &tokenBucket{tokens: rl.capacity - 1, lastSeen: now}
		return true
	}

	if added := int(now.Sub(b.lastSeen) / rl.refill); added > 0 {
		b.tokens += added
		if b.tokens > rl.capacity {
			b.tokens = rl.capacity
		}
		b.lastSeen = b.lastSeen.Add(time.Duration(added) * rl.refill)
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Tokens returns the tokens currently available to id
func (rl *RateLimiter) Tokens(id identity.ID) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[id]
	if !exists {
		return rl.capacity
	}

	tokens := b.tokens + int(rl.now().Sub(b.lastSeen)/rl.refill)
	if tokens > rl.capacity {
		tokens = rl.capacity
	}
	return tokens
}

// Reset forgets the state for id
func (rl *RateLimiter) Reset(id identity.ID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, id)
}

// Len returns the number of tracked identities
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// cleanup drops idle buckets. Callers hold rl.mu.
func (rl *RateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rl.idle)
	for id, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, id)
		}
	}
}

// SecurityManager combines rate limiting with temporary bans of identities
// whose signed replies relayed forged records.
type SecurityManager struct {
	rateLimiter *RateLimiter
	now         func() time.Time

	mu     sync.Mutex
	banned map[identity.ID]time.Time // expiry
}

// NewSecurityManager creates a new security manager
func NewSecurityManager(config *RateLimiterConfig) *SecurityManager {
	rl := NewRateLimiter(config)
	return &SecurityManager{
		rateLimiter: rl,
		now:         rl.now,
		banned:      make(map[identity.ID]time.Time),
	}
}

// AllowRequest reports whether a request from id should be served
func (sm *SecurityManager) AllowRequest(id identity.ID) bool {
	if sm.IsBanned(id) {
		return false
	}
	return sm.rateLimiter.Allow(id)
}

// Ban refuses requests from id for duration
func (sm *SecurityManager) Ban(id identity.ID, duration time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.banned[id] = sm.now().Add(duration)
}

// IsBanned checks if id is currently banned
func (sm *SecurityManager) IsBanned(id identity.ID) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	expiry, ok := sm.banned[id]
	if !ok {
		return false
	}
	if !sm.now().Before(expiry) {
		delete(sm.banned, id)
		return false
	}
	return true
}

// Stats returns security statistics
func (sm *SecurityManager) Stats() map[string]int {
	sm.mu.Lock()
	banned := len(sm.banned)
	sm.mu.Unlock()

	return map[string]int{
		"banned":  banned,
		"tracked": sm.rateLimiter.Len(),
	}
}
