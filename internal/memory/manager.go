// Package memory is the two-tier substrate: SQLite is durable truth, the
// TTL cache absorbs hot reads. Every write goes through and invalidates the
// cache keys it dirties, so a read after a write never sees the old value.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jarbas-ai/jarbas/internal/config"
	"github.com/jarbas-ai/jarbas/internal/store"
)

type Manager struct {
	store        *store.Store
	cache        *store.Cache
	factsTTL     time.Duration
	historyTTL   time.Duration
	stateTTL     time.Duration
	historyLimit int
	vectors      *VectorIndex
}

func NewManager(s *store.Store, cfg config.MemoryConfig, vectors *VectorIndex) (*Manager, error) {
	factsTTL, err := config.DurationOrDefault(cfg.FactsTTL, config.DefaultMemoryFactsTTL)
	if err != nil {
		return nil, err
	}
	historyTTL, err := config.DurationOrDefault(cfg.HistoryTTL, config.DefaultMemoryHistoryTTL)
	if err != nil {
		return nil, err
	}
	stateTTL, err := config.DurationOrDefault(cfg.SystemStateTTL, config.DefaultMemorySystemStateTTL)
	if err != nil {
		return nil, err
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = config.DefaultMemoryHistoryLimit
	}

	return &Manager{
		store:        s,
		cache:        store.NewCache(),
		factsTTL:     factsTTL,
		historyTTL:   historyTTL,
		stateTTL:     stateTTL,
		historyLimit: historyLimit,
		vectors:      vectors,
	}, nil
}

func factsKey(userID string) string { return "facts:" + userID }
func historyPrefix(userID string) string {
	return "history:" + userID + ":"
}
func historyKey(userID string, limit int) string {
	return fmt.Sprintf("%s%d", historyPrefix(userID), limit)
}
func stateKey(key string) string { return "state:" + key }

// GetUserFacts returns every fact for a user as a key/value map.
func (m *Manager) GetUserFacts(ctx context.Context, userID string) (map[string]string, error) {
	if v, ok := m.cache.Get(factsKey(userID)); ok {
		return v.(map[string]string), nil
	}

	facts, err := m.store.FactsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(facts))
	for _, f := range facts {
		out[f.Key] = f.Value
	}
	m.cache.Set(factsKey(userID), out, m.factsTTL)
	return out, nil
}

// SaveFact upserts one fact and drops the user's fact cache.
func (m *Manager) SaveFact(ctx context.Context, userID, key, value string, confidence float64) error {
	err := m.store.UpsertFact(ctx, store.Fact{
		UserID:     userID,
		Key:        key,
		Value:      value,
		Confidence: confidence,
	})
	if err != nil {
		return err
	}
	m.cache.Invalidate(factsKey(userID))
	return nil
}

// GetConversationHistory returns the last limit messages, oldest first.
// The cache key includes the limit since different limits shape the result.
func (m *Manager) GetConversationHistory(ctx context.Context, userID string, limit int) ([]store.ConversationEntry, error) {
	if limit <= 0 {
		limit = m.historyLimit
	}
	key := historyKey(userID, limit)
	if v, ok := m.cache.Get(key); ok {
		return v.([]store.ConversationEntry), nil
	}

	history, err := m.store.ConversationHistory(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, history, m.historyTTL)
	return history, nil
}

// SaveConversation appends one turn and drops every cached history window
// for the user.
func (m *Manager) SaveConversation(ctx context.Context, userID, role, content string) error {
	if err := m.store.AppendConversation(ctx, userID, role, content); err != nil {
		return err
	}
	m.cache.InvalidatePrefix(historyPrefix(userID))
	return nil
}

// GetSystemState reads one process-scoped value.
func (m *Manager) GetSystemState(ctx context.Context, key string) (string, error) {
	if v, ok := m.cache.Get(stateKey(key)); ok {
		return v.(string), nil
	}
	value, err := m.store.GetState(ctx, key)
	if err != nil {
		return "", err
	}
	m.cache.Set(stateKey(key), value, m.stateTTL)
	return value, nil
}

// SetSystemState writes one process-scoped value.
func (m *Manager) SetSystemState(ctx context.Context, key, value string) error {
	if err := m.store.SetState(ctx, key, value); err != nil {
		return err
	}
	m.cache.Invalidate(stateKey(key))
	return nil
}

// RecordLearning appends the learning durably and indexes it for semantic
// recall. The index write is best effort; losing it only degrades search.
func (m *Manager) RecordLearning(ctx context.Context, l store.Learning) error {
	saved, err := m.store.InsertLearning(ctx, l)
	if err != nil {
		return err
	}
	if m.vectors != nil {
		if err := m.vectors.IndexLearning(ctx, saved); err != nil {
			slog.Warn("Learning not indexed", "learning", saved.ID, "error", err)
		}
	}
	return nil
}

// RecentLearnings reads back learnings, newest first.
func (m *Manager) RecentLearnings(ctx context.Context, category string, limit int) ([]store.Learning, error) {
	return m.store.ListLearnings(ctx, category, limit)
}

// SimilarLearnings searches the semantic index. Without a vector index it
// returns nothing rather than failing the caller.
func (m *Manager) SimilarLearnings(ctx context.Context, text string, limit int) ([]LearningMatch, error) {
	if m.vectors == nil {
		return nil, nil
	}
	return m.vectors.Search(ctx, text, limit)
}

// Sweep drops expired cache entries.
func (m *Manager) Sweep() int {
	return m.cache.Sweep()
}
