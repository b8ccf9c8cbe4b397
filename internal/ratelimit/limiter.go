// Package ratelimit throttles prompts per user and per channel.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds one token bucket shape.
type Config struct {
	Rate  float64 // tokens per second
	Burst int
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow takes a token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).AllowN(l.now(), 1)
}

// Forget drops the bucket for key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)
		l.buckets[key] = b
	}
	return b
}

// Verdict is the outcome of Guard.Allow.
type Verdict int

const (
	Allowed Verdict = iota
	UserLimited
	ChannelLimited
)

// Guard checks the channel bucket and then the user bucket. A prompt
// rejected by the channel does not cost the user a token.
type Guard struct {
	enabled bool
	user    *Limiter
	channel *Limiter
}

func NewGuard(enabled bool, user, channel Config) *Guard {
	return &Guard{
		enabled: enabled,
		user:    NewLimiter(user),
		channel: NewLimiter(channel),
	}
}

func (g *Guard) Allow(channelID, userID string) Verdict {
	if g == nil || !g.enabled {
		return Allowed
	}
	if !g.channel.Allow(channelID) {
		return ChannelLimited
	}
	if !g.user.Allow(channelID + "/" + userID) {
		return UserLimited
	}
	return Allowed
}
