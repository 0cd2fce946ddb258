package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite persistence layer: contacts, messages, summaries,
// follow-ups, knowledge and learned reply patterns. Writes are serialized
// through a mutex; reads go straight to the pool.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			jid TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			vip_tier INTEGER NOT NULL DEFAULT 0,
			auto_reply INTEGER NOT NULL DEFAULT 1,
			preferred_language TEXT NOT NULL DEFAULT '',
			last_mood TEXT NOT NULL DEFAULT '',
			custom_tone TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			contact_jid TEXT NOT NULL,
			content TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'text',
			is_from_contact INTEGER NOT NULL DEFAULT 1,
			is_ai_generated INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_contact ON messages(contact_jid, id)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			contact_jid TEXT NOT NULL,
			content TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_contact ON summaries(contact_jid, id)`,
		`CREATE TABLE IF NOT EXISTS followups (
			id TEXT PRIMARY KEY,
			contact_jid TEXT NOT NULL,
			description TEXT NOT NULL,
			due_at_ms INTEGER NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			status TEXT NOT NULL DEFAULT 'pending',
			reminded_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_followups_due ON followups(status, due_at_ms)`,
		`CREATE TABLE IF NOT EXISTS knowledge (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS learnings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			contact_jid TEXT NOT NULL,
			pattern TEXT NOT NULL,
			reply TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_learnings_contact ON learnings(contact_jid, id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	queries := []struct {
		q    string
		dest *int
	}{
		{`SELECT COUNT(1) FROM contacts`, &st.Contacts},
		{`SELECT COUNT(1) FROM messages`, &st.Messages},
		{`SELECT COUNT(1) FROM summaries`, &st.Summaries},
		{`SELECT COUNT(1) FROM followups WHERE status IN ('pending', 'reminded')`, &st.PendingFollowUps},
		{`SELECT COUNT(1) FROM knowledge`, &st.KnowledgeEntries},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.q).Scan(q.dest); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
