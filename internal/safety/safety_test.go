package safety

import (
	"testing"
	"time"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/bus"
)

func TestMessageFilterGates(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	f := NewMessageFilter(5 * time.Minute)
	f.now = func() time.Time { return base }

	ev := func(mut func(*bus.InboundMessage)) bus.InboundMessage {
		m := bus.InboundMessage{
			Channel:   "whatsapp",
			ContactID: "123@s.whatsapp.net",
			ChatID:    "123@s.whatsapp.net",
			Content:   "hello",
			Timestamp: base.Add(-time.Minute),
		}
		if mut != nil {
			mut(&m)
		}
		return m
	}

	cases := []struct {
		name   string
		msg    bus.InboundMessage
		ok     bool
		reason string
	}{
		{"normal", ev(nil), true, ""},
		{"group", ev(func(m *bus.InboundMessage) { m.IsGroup = true }), false, RejectGroup},
		{"empty", ev(func(m *bus.InboundMessage) { m.Content = "  " }), false, RejectEmpty},
		{"empty with media passes", ev(func(m *bus.InboundMessage) { m.Content = ""; m.HasMedia = true }), true, ""},
		{"stale", ev(func(m *bus.InboundMessage) { m.Timestamp = base.Add(-6 * time.Minute) }), false, RejectStale},
		{"broadcast", ev(func(m *bus.InboundMessage) { m.ContactID = "status@broadcast"; m.ChatID = "status@broadcast" }), false, RejectBroadcast},
		{"from me", ev(func(m *bus.InboundMessage) { m.IsFromMe = true }), false, RejectSelf},
	}
	for _, tc := range cases {
		ok, reason := f.Check(tc.msg)
		if ok != tc.ok || reason != tc.reason {
			t.Errorf("%s: got (%v, %q), want (%v, %q)", tc.name, ok, reason, tc.ok, tc.reason)
		}
	}
}

func TestBotDetector(t *testing.T) {
	d := NewBotDetector([]string{"bank@s.whatsapp.net"}, 0.8)

	v := d.Detect("bank@s.whatsapp.net", "your statement is ready", "My Bank")
	if !v.IsBot || v.Confidence != 1.0 {
		t.Fatalf("denylist JID should be certain: %+v", v)
	}

	v = d.Detect("999@s.whatsapp.net", "This is an automated message. Do not reply.", "")
	if !v.IsBot || v.Confidence != 0.9 {
		t.Fatalf("pattern match should score 0.9: %+v", v)
	}

	v = d.Detect("888@s.whatsapp.net", "hey what's up", "Support Bot")
	if v.Confidence != 0.6 {
		t.Fatalf("name hint alone should score 0.6: %+v", v)
	}
	if v.IsBot {
		t.Fatal("0.6 is below the default threshold and must not flag")
	}

	v = d.Detect("777@s.whatsapp.net", "lunch tomorrow?", "Alice")
	if v.IsBot || v.Confidence != 0 {
		t.Fatalf("human message misdetected: %+v", v)
	}
}

func TestLoopDetectorExactDuplicates(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	clock := base
	d := NewLoopDetector(3, 0.8, 1, 30*time.Minute)
	d.now = func() time.Time { return clock }

	if r := d.Check("c1", "ok"); r.Halted {
		t.Fatal("first message halted")
	}
	if r := d.Check("c1", "ok"); r.Halted {
		t.Fatal("second message halted")
	}
	r := d.Check("c1", "ok")
	if !r.Detected || !r.Halted {
		t.Fatalf("three identical messages should trigger a halt: %+v", r)
	}
	if want := base.Add(30 * time.Minute); !r.Until.Equal(want) {
		t.Fatalf("halt until = %v, want %v", r.Until, want)
	}
}

func TestLoopDetectorHaltExpiryBoundary(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	clock := base
	d := NewLoopDetector(3, 0.8, 1, 30*time.Minute)
	d.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		d.Check("c1", "same thing again")
	}

	clock = base.Add(30*time.Minute - time.Millisecond)
	if r := d.Check("c1", "hello"); !r.Halted {
		t.Fatal("1ms before expiry must still be halted")
	}

	clock = base.Add(30 * time.Minute)
	if r := d.Check("c1", "hello"); r.Halted {
		t.Fatal("at expiry the halt must be lifted")
	}
}

func TestLoopDetectorSimilarity(t *testing.T) {
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	d := NewLoopDetector(3, 0.8, 1, 30*time.Minute)
	d.now = func() time.Time { return clock }

	// Same word set, different order and case: similarity 1.0.
	d.Check("c1", "where is my order")
	d.Check("c1", "MY order WHERE is")
	r := d.Check("c1", "is where my ORDER")
	if !r.Detected {
		t.Fatalf("reordered identical word sets should loop: %+v", r)
	}

	// Distinct conversations never loop.
	d.Check("c2", "hey how are you")
	d.Check("c2", "want to grab lunch tomorrow")
	if r := d.Check("c2", "cool see you at noon"); r.Halted {
		t.Fatalf("normal conversation flagged: %+v", r)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	clock := base
	r := NewRateLimiter(3, time.Minute)
	r.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		dec := r.Check("c1")
		if !dec.Allowed {
			t.Fatalf("send %d rejected early", i+1)
		}
		r.Record("c1")
		clock = clock.Add(time.Second)
	}

	dec := r.Check("c1")
	if dec.Allowed {
		t.Fatal("4th send inside window must be rejected")
	}
	if dec.RetryAfter <= 0 {
		t.Fatalf("retry-after should be positive, got %v", dec.RetryAfter)
	}

	// Once the window has fully elapsed, sends are accepted again.
	clock = base.Add(time.Minute + time.Second)
	dec = r.Check("c1")
	if !dec.Allowed || dec.Remaining != 3 {
		t.Fatalf("after window elapsed: %+v", dec)
	}
}

func TestRateLimiterCheckDoesNotConsume(t *testing.T) {
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	r := NewRateLimiter(2, time.Minute)
	r.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		if dec := r.Check("c1"); !dec.Allowed || dec.Remaining != 2 {
			t.Fatalf("check alone consumed budget: %+v", dec)
		}
	}
}

func TestRateLimiterGC(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	clock := base
	r := NewRateLimiter(2, time.Minute)
	r.now = func() time.Time { return clock }

	r.Record("c1")
	r.Record("c2")
	clock = base.Add(2 * time.Minute)
	if removed := r.GC(); removed != 2 {
		t.Fatalf("GC removed %d contacts, want 2", removed)
	}
}
