package channel

import (
	"context"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/bus"
)

// Channel is a messaging transport. Implementations publish normalized
// inbound events on the bus and deliver outbound messages handed to Send.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
	IsReady() bool
}

// BaseChannel carries the pieces every transport shares.
type BaseChannel struct {
	name string
	bus  *bus.MessageBus
}

func NewBaseChannel(name string, b *bus.MessageBus) BaseChannel {
	return BaseChannel{name: name, bus: b}
}

func (b *BaseChannel) Name() string {
	return b.name
}
