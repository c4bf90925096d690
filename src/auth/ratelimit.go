package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitError tells the caller to back off; RetryAfter is surfaced in the
// HTTP response.
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded for " + e.Source
}

// SourceLimiter enforces a per-source request budget at intake, independent of
// idempotency. Limiters are created lazily; a periodic sweep evicts only the
// entries that stayed idle for a whole sweep interval, so an active source
// never gets its consumed budget handed back.
type SourceLimiter struct {
	perMinute int
	burst     int

	mu        sync.Mutex
	limiters  map[string]*sourceEntry
	lastSweep time.Time

	now func() time.Time
}

type sourceEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterSweepInterval = 10 * time.Minute

func NewSourceLimiter(perMinute, burst int) *SourceLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &SourceLimiter{
		perMinute: perMinute,
		burst:     burst,
		limiters:  make(map[string]*sourceEntry),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow returns nil when the source may proceed, *RateLimitError otherwise.
func (l *SourceLimiter) Allow(source string) error {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) > limiterSweepInterval {
		for key, entry := range l.limiters {
			if entry.lastSeen.Before(l.lastSweep) {
				delete(l.limiters, key)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.limiters[source]
	if !ok {
		entry = &sourceEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst),
		}
		l.limiters[source] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	if entry.limiter.AllowN(now, 1) {
		return nil
	}

	return &RateLimitError{
		Source:     source,
		RetryAfter: time.Duration(float64(time.Minute) / float64(l.perMinute)),
	}
}
