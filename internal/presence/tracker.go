package presence

import (
	"sync"
	"time"
)

// Window is a suppression expiry for one contact.
type Window struct {
	Expiry time.Time
}

// ExtendIfLater moves the expiry forward to candidate if it is later than
// the current one. The window never shrinks through this path.
func (w *Window) ExtendIfLater(candidate time.Time) time.Time {
	if candidate.After(w.Expiry) {
		w.Expiry = candidate
	}
	return w.Expiry
}

func (w Window) Open(now time.Time) bool {
	return now.Before(w.Expiry)
}

// Tracker remembers, per contact, when the owner was last seen handling the
// conversation themselves. While a window is open, auto-reply is suppressed
// for that contact; windows expire on their own and the resume sweep hands
// abandoned conversations back to the bot.
type Tracker struct {
	cooldown    time.Duration
	typingPause time.Duration

	mu      sync.Mutex
	windows map[string]*Window
	now     func() time.Time
}

func NewTracker(cooldown, typingPause time.Duration) *Tracker {
	return &Tracker{
		cooldown:    cooldown,
		typingPause: typingPause,
		windows:     make(map[string]*Window),
		now:         time.Now,
	}
}

// RecordOwnerReply marks the owner as having answered the contact directly
// and opens the full cooldown window from now.
func (t *Tracker) RecordOwnerReply(contactID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry := t.now().Add(t.cooldown)
	t.windows[contactID] = &Window{Expiry: expiry}
	return expiry
}

// RecordTyping extends the window while the owner is composing. The shorter
// typing pause never cuts a longer window already opened by a real reply.
func (t *Tracker) RecordTyping(contactID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[contactID]
	if !ok {
		w = &Window{}
		t.windows[contactID] = w
	}
	return w.ExtendIfLater(t.now().Add(t.typingPause))
}

// IsOwnerActive reports whether the window is still open for the contact.
// Expired entries are deleted on read.
func (t *Tracker) IsOwnerActive(contactID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[contactID]
	if !ok {
		return false
	}
	if !w.Open(t.now()) {
		delete(t.windows, contactID)
		return false
	}
	return true
}

// ActiveUntil returns the window expiry for a contact, if one is open.
func (t *Tracker) ActiveUntil(contactID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[contactID]
	if !ok || !w.Open(t.now()) {
		return time.Time{}, false
	}
	return w.Expiry, true
}

// ForceResume drops the window immediately, handing the contact back to the
// bot regardless of remaining time.
func (t *Tracker) ForceResume(contactID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, contactID)
}

// Expired removes and returns every contact whose window has closed. The
// resume sweep uses this to find conversations the owner walked away from.
func (t *Tracker) Expired() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []string
	for id, w := range t.windows {
		if !w.Open(now) {
			delete(t.windows, id)
			out = append(out, id)
		}
	}
	return out
}

// ActiveCount reports how many contacts the owner currently holds.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for _, w := range t.windows {
		if w.Open(now) {
			n++
		}
	}
	return n
}
