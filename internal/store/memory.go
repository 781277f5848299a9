package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// UpsertFact writes a fact keyed by (user, memory type, key). A re-save of
// the same key overwrites value and confidence in place.
func (s *Store) UpsertFact(ctx context.Context, f Fact) error {
	if f.MemoryType == "" {
		f.MemoryType = "fact"
	}
	if f.Confidence == 0 {
		f.Confidence = 1.0
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_memory (user_id, memory_type, key, value, confidence)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, memory_type, key)
		DO UPDATE SET value = excluded.value, confidence = excluded.confidence`,
		f.UserID, f.MemoryType, f.Key, f.Value, f.Confidence)
	if err != nil {
		return dbErr("upsert fact", err)
	}
	return nil
}

// FactsForUser returns every fact stored for a user.
func (s *Store) FactsForUser(ctx context.Context, userID string) ([]Fact, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, memory_type, key, value, confidence
		FROM agent_memory WHERE user_id = ?
		ORDER BY memory_type, key`, userID)
	if err != nil {
		return nil, dbErr("load facts", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.UserID, &f.MemoryType, &f.Key, &f.Value, &f.Confidence); err != nil {
			return nil, dbErr("scan fact", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// AppendConversation appends one message to the per-user log.
func (s *Store) AppendConversation(ctx context.Context, userID, role, content string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_log (user_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`, userID, role, content, time.Now().UTC())
	if err != nil {
		return dbErr("append conversation", err)
	}
	return nil
}

// ConversationHistory returns the last limit messages for a user in
// chronological order.
func (s *Store) ConversationHistory(ctx context.Context, userID string, limit int) ([]ConversationEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role, content, created_at FROM (
			SELECT id, user_id, role, content, created_at
			FROM conversation_log WHERE user_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, userID, limit)
	if err != nil {
		return nil, dbErr("load conversation", err)
	}
	defer rows.Close()

	var out []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, dbErr("scan conversation", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetState reads one system_state value. Missing keys return "" with no error.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", dbErr("get state", err)
	}
	return value, nil
}

// SetState upserts one system_state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return dbErr("set state", err)
	}
	return nil
}

// InsertLearning appends one learning record.
func (s *Store) InsertLearning(ctx context.Context, l Learning) (Learning, error) {
	if l.ID == "" {
		l.ID = ulid.Make().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Metadata == "" {
		l.Metadata = "{}"
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learnings (id, category, trigger, lesson, success, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Category, l.Trigger, l.Lesson, l.Success, l.Metadata, l.CreatedAt)
	if err != nil {
		return Learning{}, dbErr("insert learning", err)
	}
	return l, nil
}

// ListLearnings returns the most recent learnings for a category, newest
// first. An empty category returns across all categories.
func (s *Store) ListLearnings(ctx context.Context, category string, limit int) ([]Learning, error) {
	if limit <= 0 {
		limit = 20
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := `SELECT id, category, trigger, lesson, success, metadata, created_at FROM learnings`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list learnings", err)
	}
	defer rows.Close()

	var out []Learning
	for rows.Next() {
		var l Learning
		if err := rows.Scan(&l.ID, &l.Category, &l.Trigger, &l.Lesson, &l.Success, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, dbErr("scan learning", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
