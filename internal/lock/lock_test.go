package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chapterhub/pkg/database"
)

func newTestManager(t *testing.T) *SQLiteManager {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))
	return NewSQLiteManager(db)
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "chapter:s1:12", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// Held: second acquire is busy.
	_, err = m.Acquire(ctx, "chapter:s1:12", time.Minute)
	require.ErrorIs(t, err, ErrBusy)

	// Different key proceeds unimpeded.
	other, err := m.Acquire(ctx, "chapter:s1:13", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, other))

	require.NoError(t, m.Release(ctx, token))
	_, err = m.Acquire(ctx, "chapter:s1:12", time.Minute)
	require.NoError(t, err)
}

func TestAcquireStealsExpiredLease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	token, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestAcquireWaitTimesOut(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	start := time.Now()
	_, err = AcquireWait(ctx, m, "k", time.Minute, 150*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquireWaitSucceedsAfterRelease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(80 * time.Millisecond)
		_ = m.Release(ctx, token)
	}()

	got, err := AcquireWait(ctx, m, "k", time.Minute, 2*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, got)
}

func TestReleaseExpired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "a", 5*time.Millisecond)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "b", time.Minute)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	n, err := m.ReleaseExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
