package store

import (
	"fmt"

	"github.com/google/uuid"
)

func (s *Store) InsertFollowUp(f FollowUp) (*FollowUp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = FollowUpPending
	}
	if f.Priority == "" {
		f.Priority = "normal"
	}
	if f.CreatedAtMs == 0 {
		f.CreatedAtMs = nowMs()
	}
	_, err := s.db.Exec(`
		INSERT INTO followups (id, contact_jid, description, due_at_ms, priority, status, reminded_count, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.ContactJID, f.Description, f.DueAtMs, f.Priority, f.Status, f.RemindedCount, f.CreatedAtMs)
	if err != nil {
		return nil, fmt.Errorf("insert followup: %w", err)
	}
	return &f, nil
}

// OverdueFollowUps returns every unresolved follow-up whose due time has
// passed, oldest due first.
func (s *Store) OverdueFollowUps(nowMs int64) ([]FollowUp, error) {
	rows, err := s.db.Query(`
		SELECT id, contact_jid, description, due_at_ms, priority, status, reminded_count, created_at_ms
		FROM followups
		WHERE status IN (?, ?) AND due_at_ms <= ?
		ORDER BY due_at_ms ASC
	`, FollowUpPending, FollowUpReminded, nowMs)
	if err != nil {
		return nil, fmt.Errorf("overdue followups: %w", err)
	}
	defer rows.Close()

	result := make([]FollowUp, 0)
	for rows.Next() {
		var f FollowUp
		if err := rows.Scan(&f.ID, &f.ContactJID, &f.Description, &f.DueAtMs, &f.Priority, &f.Status, &f.RemindedCount, &f.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan followup: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate followups: %w", err)
	}
	return result, nil
}

// MarkReminded increments the reminder counter and moves the entry to the
// reminded state.
func (s *Store) MarkReminded(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE followups SET status = ?, reminded_count = reminded_count + 1 WHERE id = ?
	`, FollowUpReminded, id)
	if err != nil {
		return fmt.Errorf("mark reminded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetFollowUpStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE followups SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set followup status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
