package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterhub/pkg/database"
	"chapterhub/pkg/models"
)

type replayFixture struct {
	db        *sql.DB
	engine    *Engine
	userID    string
	seriesID  string
	chapterID string
}

func newReplayFixture(t *testing.T) *replayFixture {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	f := &replayFixture{
		db:        db,
		engine:    NewEngine(db),
		userID:    uuid.NewString(),
		seriesID:  uuid.NewString(),
		chapterID: uuid.NewString(),
	}
	f.exec(t, `INSERT INTO users (id, username, email, password_hash) VALUES (?, 'reader', 'reader@example.com', 'x')`, f.userID)
	f.exec(t, `INSERT INTO series (id, title) VALUES (?, 'Test Series')`, f.seriesID)
	f.exec(t, `INSERT INTO chapters (id, series_id, number, created_at) VALUES (?, ?, '12', 0)`, f.chapterID, f.seriesID)
	f.exec(t, `INSERT INTO library_entries (user_id, series_id, status, updated_at) VALUES (?, ?, 'reading', 500)`, f.userID, f.seriesID)
	return f
}

func (f *replayFixture) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := f.db.Exec(query, args...)
	require.NoError(t, err)
}

func (f *replayFixture) atTime(ms int64) {
	f.engine.now = func() time.Time { return time.UnixMilli(ms) }
}

func readAction(id string, payload map[string]any, ts int64) models.SyncAction {
	raw, _ := json.Marshal(payload)
	return models.SyncAction{
		ID:        id,
		Type:      models.ActionChapterRead,
		Payload:   raw,
		Timestamp: ts,
		DeviceID:  "device-1",
	}
}

func libraryAction(id, seriesID, status string, ts int64) models.SyncAction {
	raw, _ := json.Marshal(map[string]any{"series_id": seriesID, "status": status})
	return models.SyncAction{
		ID:        id,
		Type:      models.ActionLibraryUpdate,
		Payload:   raw,
		Timestamp: ts,
		DeviceID:  "device-1",
	}
}

func TestReplayIdempotent(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()
	batch := []models.SyncAction{
		readAction("a1", map[string]any{"chapter_id": f.chapterID, "is_read": true}, 1000),
	}

	f.atTime(5000)
	results, err := f.engine.Replay(ctx, f.userID, batch)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ResultSuccess, results[0].Status)
	require.NotNil(t, results[0].Applied)
	assert.True(t, *results[0].Applied)

	// Redelivery of the identical batch reaches the server later, ties on
	// the client timestamp, and loses to the stored row.
	f.atTime(6000)
	results, err = f.engine.Replay(ctx, f.userID, batch)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ResultSuccess, results[0].Status)
	require.NotNil(t, results[0].Applied)
	assert.False(t, *results[0].Applied)

	var isRead bool
	var receivedAt int64
	require.NoError(t, f.db.QueryRow(`
		SELECT is_read, server_received_at FROM chapter_reads WHERE user_id = ? AND chapter_id = ?
	`, f.userID, f.chapterID).Scan(&isRead, &receivedAt))
	assert.True(t, isRead)
	assert.EqualValues(t, 5000, receivedAt)
}

func TestReplayChapterReadByNumber(t *testing.T) {
	f := newReplayFixture(t)

	results, err := f.engine.Replay(context.Background(), f.userID, []models.SyncAction{
		readAction("a1", map[string]any{
			"series_id":      f.seriesID,
			"chapter_number": 12.0,
			"is_read":        true,
		}, 1000),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ResultSuccess, results[0].Status)

	var n int
	require.NoError(t, f.db.QueryRow(`
		SELECT COUNT(*) FROM chapter_reads WHERE user_id = ? AND chapter_id = ?
	`, f.userID, f.chapterID).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestReplayNewerTimestampWins(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	_, err := f.engine.Replay(ctx, f.userID, []models.SyncAction{
		readAction("a1", map[string]any{"chapter_id": f.chapterID, "is_read": true}, 1000),
	})
	require.NoError(t, err)

	// A later client write flips the flag; an older one bounces off.
	results, err := f.engine.Replay(ctx, f.userID, []models.SyncAction{
		readAction("a2", map[string]any{"chapter_id": f.chapterID, "is_read": false}, 2000),
		readAction("a3", map[string]any{"chapter_id": f.chapterID, "is_read": true}, 1500),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, *results[0].Applied)
	assert.False(t, *results[1].Applied)

	var isRead bool
	var updatedAt int64
	require.NoError(t, f.db.QueryRow(`
		SELECT is_read, updated_at FROM chapter_reads WHERE user_id = ? AND chapter_id = ?
	`, f.userID, f.chapterID).Scan(&isRead, &updatedAt))
	assert.False(t, isRead)
	assert.EqualValues(t, 2000, updatedAt)
}

func TestReplayFailuresAreIndependent(t *testing.T) {
	f := newReplayFixture(t)

	orphanSeries := uuid.NewString()
	f.exec(t, `INSERT INTO series (id, title) VALUES (?, 'Unfollowed')`, orphanSeries)
	orphanChapter := uuid.NewString()
	f.exec(t, `INSERT INTO chapters (id, series_id, number, created_at) VALUES (?, ?, '1', 0)`, orphanChapter, orphanSeries)

	results, err := f.engine.Replay(context.Background(), f.userID, []models.SyncAction{
		readAction("a1", map[string]any{"chapter_id": orphanChapter, "is_read": true}, 1000),
		readAction("a2", map[string]any{"chapter_id": uuid.NewString(), "is_read": true}, 1000),
		readAction("a3", map[string]any{"chapter_id": f.chapterID, "is_read": true}, 1000),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, models.ResultError, results[0].Status)
	assert.Equal(t, "library entry not found", results[0].Message)
	assert.Equal(t, models.ResultError, results[1].Status)
	assert.Equal(t, "chapter not found", results[1].Message)
	assert.Equal(t, models.ResultSuccess, results[2].Status)
	assert.True(t, *results[2].Applied)
}

func TestReplayLibraryUpdateLastWriteWins(t *testing.T) {
	f := newReplayFixture(t)

	results, err := f.engine.Replay(context.Background(), f.userID, []models.SyncAction{
		libraryAction("a1", f.seriesID, "completed", 2000),
		libraryAction("a2", f.seriesID, "dropped", 1000),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, *results[0].Applied)
	assert.False(t, *results[1].Applied)

	var status string
	require.NoError(t, f.db.QueryRow(`
		SELECT status FROM library_entries WHERE user_id = ? AND series_id = ?
	`, f.userID, f.seriesID).Scan(&status))
	assert.Equal(t, "completed", status)
}

func TestReplayLibraryUpdateMissingEntry(t *testing.T) {
	f := newReplayFixture(t)

	results, err := f.engine.Replay(context.Background(), f.userID, []models.SyncAction{
		libraryAction("a1", uuid.NewString(), "completed", 2000),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ResultError, results[0].Status)
	assert.Equal(t, "library entry not found", results[0].Message)
}

func TestReplayRejectsInvalidStatus(t *testing.T) {
	f := newReplayFixture(t)

	results, err := f.engine.Replay(context.Background(), f.userID, []models.SyncAction{
		libraryAction("a1", f.seriesID, "binge-ready", 2000),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ResultError, results[0].Status)
	assert.Equal(t, "invalid status", results[0].Message)
}

func TestReplayUnknownTypeSkipped(t *testing.T) {
	f := newReplayFixture(t)

	results, err := f.engine.Replay(context.Background(), f.userID, []models.SyncAction{
		{ID: "a1", Type: "BOOKMARK_MOVE", Payload: json.RawMessage(`{}`), Timestamp: 1000},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ResultSkipped, results[0].Status)
	assert.Contains(t, results[0].Message, "BOOKMARK_MOVE")
}

func TestReplayDecodesWireDeviceID(t *testing.T) {
	f := newReplayFixture(t)

	raw := []byte(`{
		"id": "a1",
		"type": "CHAPTER_READ",
		"payload": {"chapter_id": "` + f.chapterID + `", "is_read": true},
		"timestamp": 1000,
		"deviceId": "device-7"
	}`)
	var action models.SyncAction
	require.NoError(t, json.Unmarshal(raw, &action))
	assert.Equal(t, "device-7", action.DeviceID)

	results, err := f.engine.Replay(context.Background(), f.userID, []models.SyncAction{action})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ResultSuccess, results[0].Status)

	var deviceID string
	require.NoError(t, f.db.QueryRow(`
		SELECT device_id FROM chapter_reads WHERE user_id = ? AND chapter_id = ?
	`, f.userID, f.chapterID).Scan(&deviceID))
	assert.Equal(t, "device-7", deviceID)
}

func TestReplayRejectsOversizedBatch(t *testing.T) {
	f := newReplayFixture(t)
	f.engine.MaxBatch = 2

	batch := []models.SyncAction{
		libraryAction("a1", f.seriesID, "completed", 1000),
		libraryAction("a2", f.seriesID, "completed", 1001),
		libraryAction("a3", f.seriesID, "completed", 1002),
	}
	_, err := f.engine.Replay(context.Background(), f.userID, batch)
	require.ErrorIs(t, err, ErrBatchTooLarge)
}
