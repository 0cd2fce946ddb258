package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

func (s *Store) InsertMessage(m Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := m.CreatedAtMs
	if created == 0 {
		created = nowMs()
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = "text"
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (contact_jid, content, content_type, is_from_contact, is_ai_generated, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ContactJID, m.Content, contentType, boolToInt(m.IsFromContact), boolToInt(m.IsAIGenerated), created)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

// RecentMessages returns the newest n messages for a contact, oldest first.
func (s *Store) RecentMessages(jid string, n int) ([]Message, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.Query(`
		SELECT id, contact_jid, content, content_type, is_from_contact, is_ai_generated, created_at_ms
		FROM (
			SELECT * FROM messages WHERE contact_jid = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, jid, n)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// LastMessage returns the most recent message for a contact, or ErrNotFound.
func (s *Store) LastMessage(jid string) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, contact_jid, content, content_type, is_from_contact, is_ai_generated, created_at_ms
		FROM messages WHERE contact_jid = ? ORDER BY id DESC LIMIT 1
	`, jid)

	var m Message
	var fromContact, aiGenerated int
	err := row.Scan(&m.ID, &m.ContactJID, &m.Content, &m.ContentType, &fromContact, &aiGenerated, &m.CreatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	m.IsFromContact = fromContact == 1
	m.IsAIGenerated = aiGenerated == 1
	return &m, nil
}

func (s *Store) CountMessages(jid string) (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM messages WHERE contact_jid = ?`, jid).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// MessagesBeforeRecent returns every message except the newest keep, oldest
// first. The memory manager compresses exactly this slice.
func (s *Store) MessagesBeforeRecent(jid string, keep int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, contact_jid, content, content_type, is_from_contact, is_ai_generated, created_at_ms
		FROM messages
		WHERE contact_jid = ? AND id NOT IN (
			SELECT id FROM messages WHERE contact_jid = ? ORDER BY id DESC LIMIT ?
		)
		ORDER BY id ASC
	`, jid, jid, keep)
	if err != nil {
		return nil, fmt.Errorf("messages before recent: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) DeleteMessages(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`DELETE FROM messages WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func (s *Store) SearchMessages(jid, query string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, contact_jid, content, content_type, is_from_contact, is_ai_generated, created_at_ms
		FROM messages
		WHERE contact_jid = ? AND content LIKE ?
		ORDER BY id DESC LIMIT ?
	`, jid, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	result := make([]Message, 0)
	for rows.Next() {
		var m Message
		var fromContact, aiGenerated int
		if err := rows.Scan(&m.ID, &m.ContactJID, &m.Content, &m.ContentType, &fromContact, &aiGenerated, &m.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsFromContact = fromContact == 1
		m.IsAIGenerated = aiGenerated == 1
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}
