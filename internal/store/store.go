// Package store owns the durable entities of the runtime: proposals,
// missions, per-user memory, the conversation log, system state and
// learnings. SQLite is the source of truth; the TTL cache in cache.go only
// absorbs hot reads.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jarbas-ai/jarbas/internal/config"
	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
)

type Store struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// Open opens (or creates) the database and applies the schema.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	dsn := "file:" + cfg.Path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", jarbasErrors.ErrDatabase)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = config.DefaultDatabaseMaxOpen
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = config.DefaultDatabaseMaxIdle
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %v: %w", err, jarbasErrors.ErrDatabase)
	}

	queryTimeout, err := config.DurationOrDefault(cfg.QueryTimeout, config.DefaultDatabaseTimeout)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, queryTimeout: queryTimeout}, nil
}

// OpenInMemory opens a private in-memory database, used by tests.
func OpenInMemory() (*Store, error) {
	return Open(config.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", jarbasErrors.ErrDatabase)
	}
	return nil
}

// opContext bounds a single database operation.
func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func dbErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, jarbasErrors.ErrDatabase)
}
