package store

// Contact is one chat peer's profile.
type Contact struct {
	JID               string
	DisplayName       string
	VIPTier           int
	AutoReply         bool
	PreferredLanguage string
	LastMood          string
	CustomTone        string
	CreatedAtMs       int64
	UpdatedAtMs       int64
}

// Message is one persisted chat message, inbound or outbound.
type Message struct {
	ID            int64
	ContactJID    string
	Content       string
	ContentType   string
	IsFromContact bool
	IsAIGenerated bool
	CreatedAtMs   int64
}

// Summary is a compressed slice of a contact's history. The newest one per
// contact supersedes the older ones; only a fixed retention count is kept.
type Summary struct {
	ID           int64
	ContactJID   string
	Content      string
	MessageCount int
	CreatedAtMs  int64
}

// Follow-up lifecycle states.
const (
	FollowUpPending  = "pending"
	FollowUpReminded = "reminded"
	FollowUpResolved = "resolved"
	FollowUpExpired  = "expired"
)

// FollowUp is a tracked promise extracted from an outbound reply.
type FollowUp struct {
	ID            string
	ContactJID    string
	Description   string
	DueAtMs       int64
	Priority      string
	Status        string
	RemindedCount int
	CreatedAtMs   int64
}

// KnowledgeEntry is an owner-curated fact the bot can answer from directly.
type KnowledgeEntry struct {
	ID          int64
	Topic       string
	Content     string
	CreatedAtMs int64
}

// Learning is an owner reply pattern observed for a contact, injected into
// AI context so replies drift toward how the owner actually talks.
type Learning struct {
	ID          int64
	ContactJID  string
	Pattern     string
	Reply       string
	CreatedAtMs int64
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	Contacts         int
	Messages         int
	Summaries        int
	PendingFollowUps int
	KnowledgeEntries int
}
