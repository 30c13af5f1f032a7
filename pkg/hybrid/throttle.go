package hybrid

import (
	"sync"
	"time"
)

// refreshThrottle allows one unforced refresh per entity type per interval.
type refreshThrottle struct {
	mu          sync.Mutex
	lastAllowed map[string]time.Time
	interval    time.Duration
}

func newRefreshThrottle(interval time.Duration) *refreshThrottle {
	return &refreshThrottle{
		lastAllowed: make(map[string]time.Time),
		interval:    interval,
	}
}

// allowAt reports whether a refresh of key may run at now, or how long to
// wait for the next one.
func (t *refreshThrottle) allowAt(key string, now time.Time) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastAllowed[key]
	if ok && t.interval > 0 {
		if next := last.Add(t.interval); now.Before(next) {
			return false, next.Sub(now)
		}
	}
	t.lastAllowed[key] = now
	return true, 0
}

// mark records a refresh of key at now, forced or not.
func (t *refreshThrottle) mark(key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAllowed[key] = now
}
