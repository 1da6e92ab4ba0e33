// Package ratelimit implements the per-account/per-source login lockout
// (spec.md §4.4) and the general REST per-endpoint limiter, both built on
// the same per-key golang.org/x/time/rate limiter map the teacher uses in
// infrastructure/middleware/ratelimit.go for its HTTP throttling middleware.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyLimiter hands out an independent token-bucket limiter per key,
// creating it lazily on first use. It is the shared primitive behind both
// the REST endpoint limiter and the login-lockout tracker below.
type KeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewKeyLimiter builds a KeyLimiter allowing `limit` events per `window`
// with the given burst, per key.
func NewKeyLimiter(limit int, window time.Duration, burst int) *KeyLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &KeyLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(limit) / window.Seconds()),
		burst:    burst,
	}
}

func (k *KeyLimiter) limiterFor(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(k.r, k.burst)
		k.limiters[key] = l
	}
	return l
}

// Allow reports whether an event for key is permitted right now, consuming
// a token if so.
func (k *KeyLimiter) Allow(key string) bool {
	return k.limiterFor(key).Allow()
}

// Reset drops key's limiter so its budget starts fresh.
func (k *KeyLimiter) Reset(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, key)
}

// Len reports how many distinct keys currently have a tracked limiter.
// Exposed for tests.
func (k *KeyLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

// Sweep discards all tracked limiters once the map grows unreasonably large,
// mirroring the teacher's Cleanup/StartCleanup pattern for long-running
// per-key limiter maps.
func (k *KeyLimiter) Sweep(maxEntries int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.limiters) > maxEntries {
		k.limiters = make(map[string]*rate.Limiter)
	}
}

// LoginLockout tracks failed login attempts per account and per source
// address and locks an account out for a cool-off window once its failure
// threshold is crossed, per spec.md §4.4.
type LoginLockout struct {
	mu        sync.Mutex
	failures  map[string]int
	lockedAt  map[string]time.Time
	threshold int
	window    time.Duration
	now       func() time.Time
}

// NewLoginLockout builds a lockout tracker with the given failure threshold
// and cool-off window.
func NewLoginLockout(threshold int, window time.Duration) *LoginLockout {
	return &LoginLockout{
		failures:  make(map[string]int),
		lockedAt:  make(map[string]time.Time),
		threshold: threshold,
		window:    window,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Locked reports whether account is currently within its cool-off window.
func (l *LoginLockout) Locked(account string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	since, ok := l.lockedAt[account]
	if !ok {
		return false
	}
	if l.now().Sub(since) >= l.window {
		delete(l.lockedAt, account)
		delete(l.failures, account)
		return false
	}
	return true
}

// RecordFailure registers a failed attempt for account and reports whether
// it just crossed the threshold into a lockout.
func (l *LoginLockout) RecordFailure(account string) (lockedOut bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[account]++
	if l.failures[account] >= l.threshold {
		l.lockedAt[account] = l.now()
		return true
	}
	return false
}

// RecordSuccess clears account's failure history.
func (l *LoginLockout) RecordSuccess(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, account)
	delete(l.lockedAt, account)
}
