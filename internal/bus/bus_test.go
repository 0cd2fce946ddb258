package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewMessageBus_FloorsBuffer(t *testing.T) {
	b := NewMessageBus(0)
	if cap(b.Inbound) != 1 || cap(b.Outbound) != 1 {
		t.Errorf("caps = %d/%d, want floor of 1", cap(b.Inbound), cap(b.Outbound))
	}

	b = NewMessageBus(16)
	if cap(b.Inbound) != 16 {
		t.Errorf("cap = %d", cap(b.Inbound))
	}
}

func TestDispatchOutbound_RoutesByChannel(t *testing.T) {
	b := NewMessageBus(10)

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) func(OutboundMessage) {
		return func(m OutboundMessage) {
			mu.Lock()
			got[name] = append(got[name], m.Content)
			mu.Unlock()
		}
	}
	b.SubscribeOutbound("whatsapp", record("whatsapp"))
	b.SubscribeOutbound("telegram", record("telegram"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "whatsapp", Content: "hi"}
	b.Outbound <- OutboundMessage{Channel: "telegram", Content: "alert"}
	b.Outbound <- OutboundMessage{Channel: "whatsapp", Content: "again"}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		done := len(got["whatsapp"]) == 2 && len(got["telegram"]) == 1
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out, got %v", got)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got["whatsapp"][0] != "hi" || got["whatsapp"][1] != "again" {
		t.Errorf("whatsapp order = %v", got["whatsapp"])
	}
}

func TestDispatchOutbound_DropsUnsubscribed(t *testing.T) {
	b := NewMessageBus(10)

	delivered := make(chan string, 2)
	b.SubscribeOutbound("whatsapp", func(m OutboundMessage) { delivered <- m.Content })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "nowhere", Content: "lost"}
	b.Outbound <- OutboundMessage{Channel: "whatsapp", Content: "kept"}

	select {
	case got := <-delivered:
		if got != "kept" {
			t.Errorf("delivered %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed message not delivered")
	}
	select {
	case got := <-delivered:
		t.Errorf("unexpected delivery %q", got)
	default:
	}
}

func TestSubscribeOutbound_Replaces(t *testing.T) {
	b := NewMessageBus(10)

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	b.SubscribeOutbound("whatsapp", func(OutboundMessage) { first <- struct{}{} })
	b.SubscribeOutbound("whatsapp", func(OutboundMessage) { second <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "whatsapp"}

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("replacement handler not invoked")
	}
	select {
	case <-first:
		t.Error("old handler still receiving")
	default:
	}
}

func TestSessionKey(t *testing.T) {
	m := InboundMessage{Channel: "whatsapp", ContactID: "1555@s.whatsapp.net"}
	if got := m.SessionKey(); got != "whatsapp:1555@s.whatsapp.net" {
		t.Errorf("SessionKey = %q", got)
	}
}
