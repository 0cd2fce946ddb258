package store

import (
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) InsertSummary(sum Summary) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := sum.CreatedAtMs
	if created == 0 {
		created = nowMs()
	}
	res, err := s.db.Exec(`
		INSERT INTO summaries (contact_jid, content, message_count, created_at_ms)
		VALUES (?, ?, ?, ?)
	`, sum.ContactJID, sum.Content, sum.MessageCount, created)
	if err != nil {
		return 0, fmt.Errorf("insert summary: %w", err)
	}
	return res.LastInsertId()
}

// LatestSummary returns the newest summary for a contact, or ErrNotFound.
func (s *Store) LatestSummary(jid string) (*Summary, error) {
	row := s.db.QueryRow(`
		SELECT id, contact_jid, content, message_count, created_at_ms
		FROM summaries WHERE contact_jid = ? ORDER BY id DESC LIMIT 1
	`, jid)

	var sum Summary
	err := row.Scan(&sum.ID, &sum.ContactJID, &sum.Content, &sum.MessageCount, &sum.CreatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest summary: %w", err)
	}
	return &sum, nil
}

// PruneSummaries deletes all but the newest retain summaries for a contact
// and reports how many rows went away.
func (s *Store) PruneSummaries(jid string, retain int) (int, error) {
	if retain <= 0 {
		retain = 5
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM summaries
		WHERE contact_jid = ? AND id NOT IN (
			SELECT id FROM summaries WHERE contact_jid = ? ORDER BY id DESC LIMIT ?
		)
	`, jid, jid, retain)
	if err != nil {
		return 0, fmt.Errorf("prune summaries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SummaryContacts lists every contact that has at least one summary.
func (s *Store) SummaryContacts() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT contact_jid FROM summaries`)
	if err != nil {
		return nil, fmt.Errorf("summary contacts: %w", err)
	}
	defer rows.Close()

	result := make([]string, 0)
	for rows.Next() {
		var jid string
		if err := rows.Scan(&jid); err != nil {
			return nil, fmt.Errorf("scan summary contact: %w", err)
		}
		result = append(result, jid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary contacts: %w", err)
	}
	return result, nil
}
