package generation

import (
	"sync"
	"time"
)

// Limiter is a best-effort in-process throttle on generation saves, keyed by
// FID. It guards against accidental client retry storms, not adversarial
// abuse, so a single-process bounded window counter is enough. Constructed
// once at startup and injected so tests (or a future distributed deployment)
// can substitute their own.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[int64][]time.Time
	now    func() time.Time
}

func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		window: window,
		max:    max,
		hits:   map[int64][]time.Time{},
		now:    time.Now,
	}
}

// Allow records a hit for fid and reports whether it stays within the window
// budget.
func (l *Limiter) Allow(fid int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.hits[fid][:0]
	for _, t := range l.hits[fid] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.hits[fid] = kept
		return false
	}
	l.hits[fid] = append(kept, now)
	return true
}
