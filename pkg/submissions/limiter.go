package submissions

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long an unused submitter bucket is kept.
const idleAfter = 10 * time.Minute

// SubmitterLimiter enforces a token bucket per submitter.
type SubmitterLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSubmitterLimiter allows perMinute submissions per submitter with the
// given burst. perMinute <= 0 disables limiting.
func NewSubmitterLimiter(perMinute float64, burst int) *SubmitterLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	return &SubmitterLimiter{
		limit:    limit,
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

// Allow consumes a token for submitterID at now. When none is available it
// returns false and the wait until the next one.
func (l *SubmitterLimiter) Allow(submitterID string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > idleAfter {
		for id, v := range l.visitors {
			if now.Sub(v.lastSeen) > idleAfter {
				delete(l.visitors, id)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[submitterID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[submitterID] = v
	}
	v.lastSeen = now

	r := v.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, idleAfter
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Len returns the number of tracked submitters.
func (l *SubmitterLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}
