package bus

import "time"

// InboundMessage is a normalized message event from a transport channel.
// It is consumed exactly once by the router pipeline and never persisted
// in this shape.
type InboundMessage struct {
	Channel     string
	ContactID   string
	ChatID      string
	Content     string
	ContentType string
	DisplayName string
	Timestamp   time.Time
	IsFromMe    bool
	IsGroup     bool
	HasMedia    bool
	Metadata    map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ContactID
}

// TypingEvent reports the owner composing in a specific chat. The presence
// tracker uses it to apply a transient auto-reply pause.
type TypingEvent struct {
	ContactID string
	Timestamp time.Time
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Media    []byte
	MimeType string
	AsVoice  bool
	Metadata map[string]any
}
