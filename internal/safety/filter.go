package safety

import (
	"strings"
	"time"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/bus"
)

// Filter rejection reasons, surfaced in logs only.
const (
	RejectGroup     = "group_chat"
	RejectEmpty     = "empty_content"
	RejectStale     = "stale_message"
	RejectBroadcast = "broadcast_status"
	RejectSelf      = "self_authored"
)

// MessageFilter is the stateless first gate of the pipeline: an ordered
// boolean chain that throws away events the rest of the pipeline must never
// see.
type MessageFilter struct {
	staleAfter time.Duration
	now        func() time.Time
}

func NewMessageFilter(staleAfter time.Duration) *MessageFilter {
	return &MessageFilter{staleAfter: staleAfter, now: time.Now}
}

// Check returns ok=false and the first matching rejection reason.
func (f *MessageFilter) Check(ev bus.InboundMessage) (bool, string) {
	if ev.IsGroup {
		return false, RejectGroup
	}
	if strings.TrimSpace(ev.Content) == "" && !ev.HasMedia {
		return false, RejectEmpty
	}
	if !ev.Timestamp.IsZero() && f.now().Sub(ev.Timestamp) > f.staleAfter {
		return false, RejectStale
	}
	if isBroadcastJID(ev.ContactID) || isBroadcastJID(ev.ChatID) {
		return false, RejectBroadcast
	}
	if ev.IsFromMe {
		return false, RejectSelf
	}
	return true, ""
}

func isBroadcastJID(jid string) bool {
	return jid == "status@broadcast" || strings.HasSuffix(jid, "@broadcast")
}
