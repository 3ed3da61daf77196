// Package lock provides per-key mutual exclusion with a bounded lease.
// The core only depends on mutual exclusion plus timeout; the lease can
// live in any shared store that supports a conditional write.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusy means another holder owns the key and its lease has not expired.
	ErrBusy = errors.New("lock busy")
	// ErrTimeout means AcquireWait gave up before the key freed. Retryable:
	// the caller must surface it, not swallow it.
	ErrTimeout = errors.New("lock acquire timeout")
)

type Manager interface {
	// Acquire takes the key for ttl and returns an opaque release token,
	// or ErrBusy while another lease is live.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, token string) error
}

// AcquireWait polls Acquire until it succeeds or wait elapses.
func AcquireWait(ctx context.Context, m Manager, key string, ttl, wait time.Duration) (string, error) {
	deadline := time.Now().Add(wait)
	for {
		token, err := m.Acquire(ctx, key, ttl)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrBusy) {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s", ErrTimeout, key)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// SQLiteManager leases keys through the locks table with a single
// insert-or-steal-expired conditional write.
type SQLiteManager struct {
	DB *sql.DB
}

func NewSQLiteManager(db *sql.DB) *SQLiteManager {
	return &SQLiteManager{DB: db}
}

func (m *SQLiteManager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	now := time.Now().UnixMilli()

	res, err := m.DB.ExecContext(ctx, `
		INSERT INTO locks (key, token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?
	`, key, token, now+ttl.Milliseconds(), now)
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return "", ErrBusy
	}
	return token, nil
}

func (m *SQLiteManager) Release(ctx context.Context, token string) error {
	if _, err := m.DB.ExecContext(ctx, `DELETE FROM locks WHERE token = ?`, token); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ReleaseExpired drops dead leases. Run periodically; a crashed holder's
// key frees itself anyway once the lease lapses.
func (m *SQLiteManager) ReleaseExpired(ctx context.Context) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("release expired locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
