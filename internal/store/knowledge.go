package store

import "fmt"

func (s *Store) InsertKnowledge(k KnowledgeEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := k.CreatedAtMs
	if created == 0 {
		created = nowMs()
	}
	res, err := s.db.Exec(`
		INSERT INTO knowledge (topic, content, created_at_ms) VALUES (?, ?, ?)
	`, k.Topic, k.Content, created)
	if err != nil {
		return 0, fmt.Errorf("insert knowledge: %w", err)
	}
	return res.LastInsertId()
}

// SearchKnowledge matches the query against topic and content.
func (s *Store) SearchKnowledge(query string, limit int) ([]KnowledgeEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	pattern := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT id, topic, content, created_at_ms FROM knowledge
		WHERE topic LIKE ? OR content LIKE ?
		ORDER BY id DESC LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	result := make([]KnowledgeEntry, 0)
	for rows.Next() {
		var k KnowledgeEntry
		if err := rows.Scan(&k.ID, &k.Topic, &k.Content, &k.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		result = append(result, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge: %w", err)
	}
	return result, nil
}

func (s *Store) InsertLearning(l Learning) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := l.CreatedAtMs
	if created == 0 {
		created = nowMs()
	}
	res, err := s.db.Exec(`
		INSERT INTO learnings (contact_jid, pattern, reply, created_at_ms) VALUES (?, ?, ?, ?)
	`, l.ContactJID, l.Pattern, l.Reply, created)
	if err != nil {
		return 0, fmt.Errorf("insert learning: %w", err)
	}
	return res.LastInsertId()
}

// LearningsFor returns the newest learned reply patterns for a contact.
func (s *Store) LearningsFor(jid string, limit int) ([]Learning, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(`
		SELECT id, contact_jid, pattern, reply, created_at_ms FROM learnings
		WHERE contact_jid = ? ORDER BY id DESC LIMIT ?
	`, jid, limit)
	if err != nil {
		return nil, fmt.Errorf("learnings for contact: %w", err)
	}
	defer rows.Close()

	result := make([]Learning, 0)
	for rows.Next() {
		var l Learning
		if err := rows.Scan(&l.ID, &l.ContactJID, &l.Pattern, &l.Reply, &l.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan learning: %w", err)
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate learnings: %w", err)
	}
	return result, nil
}
