package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"chapterhub/pkg/database"
)

func newTestStore(t *testing.T) *SQLiteVersions {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))
	return NewSQLiteVersions(db)
}

func TestIncrementAllBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IncrementAll(ctx, []string{"u1", "u2", "u3"}))
	require.NoError(t, s.IncrementAll(ctx, []string{"u2"}))

	v1, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, v1)

	v2, err := s.Get(ctx, "u2")
	require.NoError(t, err)
	require.EqualValues(t, 2, v2)

	// Unknown users read as version zero.
	v4, err := s.Get(ctx, "u4")
	require.NoError(t, err)
	require.EqualValues(t, 0, v4)
}

func TestIncrementAllEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IncrementAll(context.Background(), nil))
}

func TestMemoryVersionsRecordsBatches(t *testing.T) {
	m := NewMemoryVersions()
	ctx := context.Background()

	require.NoError(t, m.IncrementAll(ctx, []string{"a", "b"}))
	require.NoError(t, m.IncrementAll(ctx, []string{"a"}))

	v, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.EqualValues(t, 2, v)
	require.Len(t, m.Batches, 2)
}
