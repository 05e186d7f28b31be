package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/puzpuzpuz/xsync/v3"
	"grimstack.io/grim/src/jobs"
	"grimstack.io/grim/src/logging"
	"grimstack.io/grim/src/metrics"
)

// A Limiter counts hits per key. Once a key goes over its threshold within
// a window it is timed out, and every further timeout before the key has been
// quiet for a full window lasts twice as long as the previous one.
type Limiter struct {
	entries *xsync.MapOf[string, *entry]
	now     func() time.Time
}

type entry struct {
	mu sync.Mutex

	hits         int
	windowStart  time.Time
	lastHit      time.Time
	strikes      int
	blockedUntil time.Time
}

func New() *Limiter {
	return &Limiter{
		entries: xsync.NewMapOf[string, *entry](),
		now:     time.Now,
	}
}

func (e *entry) quietSince() time.Time {
	if e.blockedUntil.After(e.lastHit) {
		return e.blockedUntil
	}
	return e.lastHit
}

// Hit records a hit for key. If the key is timed out it returns true and how
// long the timeout has left.
func (l *Limiter) Hit(key string, threshold int, window time.Duration) (bool, time.Duration) {
	e, _ := l.entries.LoadOrCompute(key, func() *entry { return &entry{} })
	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.now()
	if now.Before(e.blockedUntil) {
		return true, e.blockedUntil.Sub(now)
	}
	if now.Sub(e.quietSince()) >= window {
		e.strikes = 0
	}
	if now.Sub(e.windowStart) >= window {
		e.hits = 0
		e.windowStart = now
	}

	e.hits++
	e.lastHit = now
	if e.hits <= threshold {
		return false, 0
	}

	b := backoff.Backoff{
		Min:    window,
		Max:    window * 32,
		Factor: 2,
	}
	timeout := b.ForAttempt(float64(e.strikes))
	e.strikes++
	e.hits = 0
	e.blockedUntil = now.Add(timeout)
	e.windowStart = e.blockedUntil

	metrics.RateLimited.Inc()
	return true, timeout
}

// Prune forgets keys that have been quiet for longer than maxAge. Returns how
// many were removed.
func (l *Limiter) Prune(maxAge time.Duration) int {
	now := l.now()
	removed := 0
	l.entries.Range(func(key string, e *entry) bool {
		e.mu.Lock()
		stale := now.Sub(e.quietSince()) > maxAge
		e.mu.Unlock()
		if stale {
			l.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func (l *Limiter) Size() int {
	return l.entries.Size()
}

// RunPruner starts a job that prunes keys quiet for longer than maxAge.
func (l *Limiter) RunPruner(interval, maxAge time.Duration) *jobs.Job {
	return jobs.Periodic("rate limit pruner", interval, func(ctx context.Context) error {
		if n := l.Prune(maxAge); n > 0 {
			logging.ExtractLogger(ctx).Debug().Int("pruned", n).Msg("Pruned rate limit entries")
		}
		return nil
	})
}
