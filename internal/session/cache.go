package session

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/ai"
)

// Profile is what the cache knows about a contact when it builds the
// system instruction for a fresh session.
type Profile struct {
	DisplayName       string
	VIPTier           int
	PreferredLanguage string
	LastMood          string
	CustomTone        string
	// Context carries summary, knowledge, and learnings text assembled by
	// the router; it is injected verbatim below the persona.
	Context string
}

// ChatSession holds the live AI conversation state for one contact.
type ChatSession struct {
	ContactID         string
	SystemInstruction string
	History           []ai.Turn
	LastAccess        time.Time
	TurnCount         int
}

// Completer is the slice of the AI client the cache needs.
type Completer interface {
	Chat(systemInstruction string, history []ai.Turn, userText string) (string, error)
}

// Cache keeps at most cap sessions, evicting the least recently used one
// when a new contact would exceed the cap. Idle sessions past the TTL are
// removed by the periodic sweep.
type Cache struct {
	cap     int
	ttl     time.Duration
	persona string
	client  Completer

	mu       sync.Mutex
	sessions map[string]*ChatSession
	now      func() time.Time
}

func NewCache(capacity int, ttl time.Duration, persona string, client Completer) *Cache {
	return &Cache{
		cap:      capacity,
		ttl:      ttl,
		persona:  persona,
		client:   client,
		sessions: make(map[string]*ChatSession),
		now:      time.Now,
	}
}

// Reply runs one conversational turn for the contact, creating the session
// lazily. Quota and availability errors from the client pass through
// unchanged so the router can pick a fallback.
func (c *Cache) Reply(contactID, text string, profile Profile) (string, error) {
	c.mu.Lock()
	sess, ok := c.sessions[contactID]
	if !ok {
		c.evictIfFull()
		sess = &ChatSession{
			ContactID:         contactID,
			SystemInstruction: c.buildInstruction(profile),
		}
		c.sessions[contactID] = sess
	}
	sess.LastAccess = c.now()
	instruction := sess.SystemInstruction
	history := make([]ai.Turn, len(sess.History))
	copy(history, sess.History)
	c.mu.Unlock()

	reply, err := c.client.Chat(instruction, history, text)
	if err != nil {
		return "", fmt.Errorf("session reply for %s: %w", contactID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The session may have been reset while the request was in flight; only
	// record the exchange if it is still the same one.
	if cur, ok := c.sessions[contactID]; ok && cur == sess {
		cur.History = append(cur.History,
			ai.Turn{Role: "user", Content: text},
			ai.Turn{Role: "assistant", Content: reply},
		)
		cur.TurnCount++
		cur.LastAccess = c.now()
	}
	return reply, nil
}

// Reset destroys the contact's session; the next reply rebuilds a fresh
// system instruction. Memory compression calls this after it rewrites the
// contact's history into a summary.
func (c *Cache) Reset(contactID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[contactID]
	delete(c.sessions, contactID)
	return ok
}

// ResetAll drops every session.
func (c *Cache) ResetAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.sessions)
	c.sessions = make(map[string]*ChatSession)
	return n
}

// Sweep removes sessions idle past the TTL and returns how many it dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	removed := 0
	for id, sess := range c.sessions {
		if sess.LastAccess.Before(cutoff) {
			delete(c.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[session] swept %d idle sessions", removed)
	}
	return removed
}

// Len reports the number of live sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Has reports whether a live session exists for the contact.
func (c *Cache) Has(contactID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[contactID]
	return ok
}

// evictIfFull removes the least recently used session when the cache is at
// capacity. Caller holds the lock.
func (c *Cache) evictIfFull() {
	if len(c.sessions) < c.cap {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, sess := range c.sessions {
		if oldestID == "" || sess.LastAccess.Before(oldest) {
			oldestID = id
			oldest = sess.LastAccess
		}
	}
	if oldestID != "" {
		delete(c.sessions, oldestID)
		log.Printf("[session] evicted LRU session for %s", oldestID)
	}
}

func (c *Cache) buildInstruction(p Profile) string {
	var b strings.Builder
	b.WriteString(c.persona)

	b.WriteString("\n\n## Contact\n")
	if p.DisplayName != "" {
		fmt.Fprintf(&b, "You are talking to %s.\n", p.DisplayName)
	}
	if p.VIPTier > 0 {
		fmt.Fprintf(&b, "This is a VIP contact (tier %d); be especially attentive.\n", p.VIPTier)
	}
	if p.PreferredLanguage != "" {
		fmt.Fprintf(&b, "Reply in %s.\n", p.PreferredLanguage)
	}
	if p.LastMood != "" {
		fmt.Fprintf(&b, "Their recent mood was: %s.\n", p.LastMood)
	}
	if p.CustomTone != "" {
		fmt.Fprintf(&b, "Tone to use with this contact: %s.\n", p.CustomTone)
	}
	if p.Context != "" {
		b.WriteString("\n## Context\n")
		b.WriteString(p.Context)
		b.WriteString("\n")
	}

	b.WriteString("\nYou are replying on the owner's behalf while they are away. Keep replies short and natural, like a text message. Never claim to be the owner; if asked directly, say you are their assistant.")
	return b.String()
}
