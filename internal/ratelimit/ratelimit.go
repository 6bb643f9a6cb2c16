package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config bounds requests to Limit per Period for each key.
type Config struct {
	Limit  int
	Period time.Duration
}

// Rejection is returned when a key is over its budget.
type Rejection struct {
	Limit      int
	Period     time.Duration
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rate limited limit=%d period=%s retry_after=%s", r.Limit, r.Period, r.RetryAfter)
}

// Limiter is an in-memory sliding-window request counter.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a limiter. A non-positive Limit or Period disables limiting.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:  cfg,
		now:  time.Now,
		hits: map[string][]time.Time{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the limiter's configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Allow records an attempt for key. It returns nil when admitted and a
// *Rejection otherwise; rejected attempts are not recorded.
func (l *Limiter) Allow(key string) error {
	if l.cfg.Limit <= 0 || l.cfg.Period <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if now.Sub(t) < l.cfg.Period {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.cfg.Limit {
		l.hits[key] = kept
		return &Rejection{
			Limit:      l.cfg.Limit,
			Period:     l.cfg.Period,
			RetryAfter: l.cfg.Period - now.Sub(kept[0]),
		}
	}
	l.hits[key] = append(kept, now)
	return nil
}

// Reset forgets every recorded attempt for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, key)
}
