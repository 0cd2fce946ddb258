package safety

import (
	"sync"
	"time"
)

// RateDecision is the outcome of a rate check for one contact.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter enforces a per-contact sliding window of auto-reply sends.
// Check only observes; callers must Record after a reply is actually sent,
// so rejected or suppressed messages never consume budget.
type RateLimiter struct {
	max    int
	window time.Duration

	mu    sync.Mutex
	sends map[string][]time.Time
	now   func() time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:    max,
		window: window,
		sends:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Check prunes timestamps outside the window and reports whether another
// send is allowed right now.
func (r *RateLimiter) Check(contactID string) RateDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.prune(contactID, now)
	if len(recent) >= r.max {
		oldest := recent[0]
		return RateDecision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: oldest.Add(r.window).Sub(now),
		}
	}
	return RateDecision{Allowed: true, Remaining: r.max - len(recent)}
}

// Record counts one successful send against the contact's window.
func (r *RateLimiter) Record(contactID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.sends[contactID] = append(r.prune(contactID, now), now)
}

// GC drops contacts whose every recorded send has aged out of the window.
func (r *RateLimiter) GC() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for id := range r.sends {
		if len(r.prune(id, now)) == 0 {
			delete(r.sends, id)
			removed++
		}
	}
	return removed
}

func (r *RateLimiter) prune(contactID string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	stamps := r.sends[contactID]
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]
	if len(stamps) == 0 {
		delete(r.sends, contactID)
	} else {
		r.sends[contactID] = stamps
	}
	return stamps
}
