package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("store: not found")

func (s *Store) GetContact(jid string) (*Contact, error) {
	row := s.db.QueryRow(`
		SELECT jid, display_name, vip_tier, auto_reply, preferred_language,
		       last_mood, custom_tone, created_at_ms, updated_at_ms
		FROM contacts WHERE jid = ?
	`, jid)

	var c Contact
	var autoReply int
	err := row.Scan(&c.JID, &c.DisplayName, &c.VIPTier, &autoReply, &c.PreferredLanguage,
		&c.LastMood, &c.CustomTone, &c.CreatedAtMs, &c.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	c.AutoReply = autoReply == 1
	return &c, nil
}

// UpsertContact creates the contact on first sight and refreshes the display
// name on every later message. Auto-reply defaults to enabled.
func (s *Store) UpsertContact(jid, displayName string) (*Contact, error) {
	s.mu.Lock()
	now := nowMs()
	_, err := s.db.Exec(`
		INSERT INTO contacts (jid, display_name, auto_reply, created_at_ms, updated_at_ms)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE contacts.display_name END,
			updated_at_ms = excluded.updated_at_ms
	`, jid, strings.TrimSpace(displayName), now, now)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	return s.GetContact(jid)
}

func (s *Store) SetAutoReply(jid string, enabled bool) error {
	return s.updateContactField(jid, "auto_reply", boolToInt(enabled))
}

func (s *Store) SetLastMood(jid, mood string) error {
	return s.updateContactField(jid, "last_mood", mood)
}

func (s *Store) SetCustomTone(jid, tone string) error {
	return s.updateContactField(jid, "custom_tone", tone)
}

func (s *Store) SetVIPTier(jid string, tier int) error {
	return s.updateContactField(jid, "vip_tier", tier)
}

func (s *Store) SetPreferredLanguage(jid, lang string) error {
	return s.updateContactField(jid, "preferred_language", lang)
}

func (s *Store) updateContactField(jid, column string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE contacts SET `+column+` = ?, updated_at_ms = ? WHERE jid = ?`,
		value, nowMs(), jid)
	if err != nil {
		return fmt.Errorf("update contact %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListContacts() ([]Contact, error) {
	rows, err := s.db.Query(`
		SELECT jid, display_name, vip_tier, auto_reply, preferred_language,
		       last_mood, custom_tone, created_at_ms, updated_at_ms
		FROM contacts ORDER BY updated_at_ms DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	result := make([]Contact, 0)
	for rows.Next() {
		var c Contact
		var autoReply int
		if err := rows.Scan(&c.JID, &c.DisplayName, &c.VIPTier, &autoReply, &c.PreferredLanguage,
			&c.LastMood, &c.CustomTone, &c.CreatedAtMs, &c.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.AutoReply = autoReply == 1
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return result, nil
}
