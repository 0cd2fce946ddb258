package safety

import (
	"strings"
	"sync"
	"time"
)

// LoopResult reports the state of one contact after a check.
type LoopResult struct {
	Halted   bool
	Detected bool // true only on the check that triggered the halt
	Until    time.Time
}

// LoopDetector watches a bounded window of recent texts per contact and
// halts auto-reply when the window looks like a repetition loop: either one
// exact duplicate repeated across the whole window, or nearly every message
// word-set-similar to the first one.
type LoopDetector struct {
	windowSize int
	threshold  float64
	// misses is how many compared messages may fall below the threshold
	// before the window stops counting as a loop.
	misses  int
	haltFor time.Duration

	mu     sync.Mutex
	states map[string]*loopState
	now    func() time.Time
}

type loopState struct {
	recent      []string
	haltedUntil time.Time
}

func NewLoopDetector(windowSize int, threshold float64, allowedMisses int, haltFor time.Duration) *LoopDetector {
	if windowSize < 2 {
		windowSize = 2
	}
	return &LoopDetector{
		windowSize: windowSize,
		threshold:  threshold,
		misses:     allowedMisses,
		haltFor:    haltFor,
		states:     make(map[string]*loopState),
		now:        time.Now,
	}
}

// Check records text into the contact's window and evaluates it. While a
// halt is active every call short-circuits to halted without looking at
// content; halts expire purely by timestamp comparison.
func (d *LoopDetector) Check(contactID, text string) LoopResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	st, ok := d.states[contactID]
	if !ok {
		st = &loopState{}
		d.states[contactID] = st
	}

	if now.Before(st.haltedUntil) {
		return LoopResult{Halted: true, Until: st.haltedUntil}
	}

	st.recent = append(st.recent, text)
	if len(st.recent) > d.windowSize {
		st.recent = st.recent[len(st.recent)-d.windowSize:]
	}
	if len(st.recent) < d.windowSize {
		return LoopResult{}
	}

	if d.isLoop(st.recent) {
		st.haltedUntil = now.Add(d.haltFor)
		st.recent = nil
		return LoopResult{Halted: true, Detected: true, Until: st.haltedUntil}
	}
	return LoopResult{}
}

// HaltedUntil reports the active halt expiry for a contact, if any.
func (d *LoopDetector) HaltedUntil(contactID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[contactID]
	if !ok || !d.now().Before(st.haltedUntil) {
		return time.Time{}, false
	}
	return st.haltedUntil, true
}

// Clear drops all state for a contact, including an active halt.
func (d *LoopDetector) Clear(contactID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.states, contactID)
}

func (d *LoopDetector) isLoop(window []string) bool {
	unique := make(map[string]struct{}, len(window))
	for _, t := range window {
		unique[strings.TrimSpace(t)] = struct{}{}
	}
	if len(unique) == 1 {
		return true
	}

	first := wordSet(window[0])
	missed := 0
	for _, t := range window[1:] {
		if jaccard(first, wordSet(t)) < d.threshold {
			missed++
		}
	}
	return missed <= d.misses && len(window)-1-missed > 0
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
