package memory

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/ai"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/store"
)

const compressionPrompt = `Condense the following chat history into a compact summary that preserves:
- facts about the contact (names, dates, places, preferences)
- commitments made by either side
- the emotional tone of the conversation
- any unresolved threads

Write plain prose, no headers. Keep it under 300 words.

%s`

// Generator is the slice of the AI client the manager needs.
type Generator interface {
	Generate(prompt string, opts ai.GenerateOptions) (string, error)
}

// Store is the persistence surface the manager compresses against.
type Store interface {
	CountMessages(contactJID string) (int, error)
	MessagesBeforeRecent(contactJID string, keep int) ([]store.Message, error)
	LatestSummary(contactJID string) (*store.Summary, error)
	InsertSummary(sum store.Summary) (int64, error)
	DeleteMessages(ids []int64) error
	PruneSummaries(contactJID string, retain int) (int, error)
	SummaryContacts() ([]string, error)
}

// Manager compresses aged conversation history into summaries so session
// context stays bounded. After a compression it resets the contact's live
// session so the next reply is built on the fresh summary.
type Manager struct {
	store         Store
	gen           Generator
	compressAfter int
	keepRecent    int
	retain        int
	resetSession  func(contactID string) bool

	mu       sync.Mutex
	inflight map[string]bool
}

func NewManager(st Store, gen Generator, compressAfter, keepRecent, retain int, resetSession func(string) bool) *Manager {
	return &Manager{
		store:         st,
		gen:           gen,
		compressAfter: compressAfter,
		keepRecent:    keepRecent,
		retain:        retain,
		resetSession:  resetSession,
		inflight:      make(map[string]bool),
	}
}

// MaybeCompress compresses the contact's history if it has grown past the
// threshold. Returns true when a compression actually ran. At most one
// compression runs per contact at a time; callers racing in while one is
// in flight get (false, nil).
func (m *Manager) MaybeCompress(contactJID string) (bool, error) {
	m.mu.Lock()
	if m.inflight[contactJID] {
		m.mu.Unlock()
		return false, nil
	}
	m.inflight[contactJID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, contactJID)
		m.mu.Unlock()
	}()

	count, err := m.store.CountMessages(contactJID)
	if err != nil {
		return false, fmt.Errorf("count messages: %w", err)
	}
	if count <= m.compressAfter {
		return false, nil
	}

	old, err := m.store.MessagesBeforeRecent(contactJID, m.keepRecent)
	if err != nil {
		return false, fmt.Errorf("load history: %w", err)
	}
	if len(old) == 0 {
		return false, nil
	}

	transcript := renderTranscript(old)

	// Fold the previous summary in so nothing already condensed is lost.
	prev, err := m.store.LatestSummary(contactJID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("latest summary: %w", err)
	}
	if prev != nil {
		transcript = "Earlier summary of this conversation:\n" + prev.Content + "\n\nNew messages since:\n" + transcript
	}

	summary, err := m.gen.Generate(fmt.Sprintf(compressionPrompt, transcript), ai.GenerateOptions{Temperature: 0.3})
	if err != nil {
		return false, fmt.Errorf("generate summary: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return false, fmt.Errorf("generate summary: empty result")
	}

	if _, err := m.store.InsertSummary(store.Summary{
		ContactJID:   contactJID,
		Content:      summary,
		MessageCount: len(old),
	}); err != nil {
		return false, fmt.Errorf("insert summary: %w", err)
	}

	ids := make([]int64, len(old))
	for i, msg := range old {
		ids[i] = msg.ID
	}
	if err := m.store.DeleteMessages(ids); err != nil {
		return false, fmt.Errorf("delete compressed messages: %w", err)
	}

	if m.resetSession != nil {
		m.resetSession(contactJID)
	}
	log.Printf("[memory] compressed %d messages for %s (kept %d recent)", len(old), contactJID, m.keepRecent)
	return true, nil
}

// PruneAll trims every contact's stored summaries down to the retention
// count, oldest first.
func (m *Manager) PruneAll() (int, error) {
	contacts, err := m.store.SummaryContacts()
	if err != nil {
		return 0, fmt.Errorf("list summary contacts: %w", err)
	}
	total := 0
	for _, jid := range contacts {
		n, err := m.store.PruneSummaries(jid, m.retain)
		if err != nil {
			log.Printf("[memory] prune summaries for %s: %v", jid, err)
			continue
		}
		total += n
	}
	if total > 0 {
		log.Printf("[memory] pruned %d old summaries", total)
	}
	return total, nil
}

// ContextFor returns the latest summary text for a contact, or "" when the
// conversation has never been compressed.
func (m *Manager) ContextFor(contactJID string) string {
	summary, err := m.store.LatestSummary(contactJID)
	if err != nil || summary == nil {
		return ""
	}
	return summary.Content
}

func renderTranscript(msgs []store.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		who := "Contact"
		if !msg.IsFromContact {
			who = "Me"
		}
		ts := time.UnixMilli(msg.CreatedAtMs).UTC().Format("2006-01-02 15:04")
		fmt.Fprintf(&b, "[%s] %s: %s\n", ts, who, msg.Content)
	}
	return b.String()
}
