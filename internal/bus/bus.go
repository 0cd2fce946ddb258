package bus

import (
	"context"
	"log"
	"sync"
)

// MessageBus decouples transports from the router. Inbound and Typing are
// consumed by the gateway process loop; Outbound fans out to the channel
// that registered under the message's Channel name. Dispatch is synchronous
// per message so ordering within one emission is preserved.
type MessageBus struct {
	Inbound  chan InboundMessage
	Typing   chan TypingEvent
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Typing:      make(chan TypingEvent, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers the send handler for a named channel.
// Registering the same name twice replaces the previous handler.
func (b *MessageBus) SubscribeOutbound(channel string, handler func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = handler
}

// DispatchOutbound routes outbound messages to their channel handler until
// the context is cancelled.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			handler := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if handler == nil {
				log.Printf("[bus] no subscriber for channel %q, dropping outbound", msg.Channel)
				continue
			}
			handler(msg)
		case <-ctx.Done():
			return
		}
	}
}
