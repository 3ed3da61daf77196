// Package cache tracks per-user feed-cache version counters. Readers use
// the counter to decide whether a cached feed is stale; ingestion bumps it
// for every follower of a series in one batched operation, never one round
// trip per follower.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

type VersionStore interface {
	// IncrementAll bumps the counter for every listed user in one batch.
	IncrementAll(ctx context.Context, userIDs []string) error
	Get(ctx context.Context, userID string) (int64, error)
}

// SQLiteVersions keeps the counters in the feed_cache_versions table and
// batches increments into a single multi-row upsert.
type SQLiteVersions struct {
	DB *sql.DB
}

func NewSQLiteVersions(db *sql.DB) *SQLiteVersions {
	return &SQLiteVersions{DB: db}
}

func (s *SQLiteVersions) IncrementAll(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(userIDs))
	args := make([]any, 0, len(userIDs))
	for _, id := range userIDs {
		placeholders = append(placeholders, "(?, 1)")
		args = append(args, id)
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO feed_cache_versions (user_id, version)
		VALUES `+strings.Join(placeholders, ", ")+`
		ON CONFLICT(user_id) DO UPDATE SET version = version + 1
	`, args...)
	if err != nil {
		return fmt.Errorf("increment feed versions: %w", err)
	}
	return nil
}

func (s *SQLiteVersions) Get(ctx context.Context, userID string) (int64, error) {
	var v int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT version FROM feed_cache_versions WHERE user_id = ?
	`, userID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get feed version: %w", err)
	}
	return v, nil
}

// MemoryVersions is an in-process store for tests.
type MemoryVersions struct {
	mu       sync.Mutex
	versions map[string]int64
	Batches  [][]string
}

func NewMemoryVersions() *MemoryVersions {
	return &MemoryVersions{versions: make(map[string]int64)}
}

func (m *MemoryVersions) IncrementAll(_ context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Batches = append(m.Batches, userIDs)
	for _, id := range userIDs {
		m.versions[id]++
	}
	return nil
}

func (m *MemoryVersions) Get(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[userID], nil
}
