package ingest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterhub/internal/cache"
	"chapterhub/internal/lock"
	"chapterhub/internal/queue"
	"chapterhub/pkg/database"
)

type pipelineFixture struct {
	db       *sql.DB
	pipe     *Pipeline
	versions *cache.MemoryVersions
	seriesID string
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	versions := cache.NewMemoryVersions()
	pipe := NewPipeline(db, lock.NewSQLiteManager(db), queue.New(db), versions)

	f := &pipelineFixture{db: db, pipe: pipe, versions: versions, seriesID: uuid.NewString()}
	f.exec(t, `INSERT INTO series (id, title) VALUES (?, 'Test Series')`, f.seriesID)
	return f
}

func (f *pipelineFixture) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := f.db.Exec(query, args...)
	require.NoError(t, err)
}

func (f *pipelineFixture) addSource(t *testing.T, name string) string {
	t.Helper()
	id := uuid.NewString()
	f.exec(t, `INSERT INTO series_sources (id, series_id, name) VALUES (?, ?, ?)`, id, f.seriesID, name)
	return id
}

func (f *pipelineFixture) addFollower(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	f.exec(t, `INSERT INTO users (id, username, email, password_hash) VALUES (?, ?, ?, 'x')`,
		id, "u-"+id[:8], id[:8]+"@example.com")
	f.exec(t, `INSERT INTO library_entries (user_id, series_id, updated_at) VALUES (?, ?, 0)`, id, f.seriesID)
	return id
}

func (f *pipelineFixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(query, args...).Scan(&n))
	return n
}

func (f *pipelineFixture) event(sourceID string, number any) *ChapterEvent {
	return &ChapterEvent{
		SeriesSourceID: sourceID,
		SeriesID:       f.seriesID,
		ChapterNumber:  number,
		ChapterTitle:   "Chapter",
		ChapterURL:     "https://reader.example.com/ch",
		TraceID:        uuid.NewString(),
	}
}

func TestIngestIdempotent(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	sourceID := f.addSource(t, "alpha")

	t0 := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	f.pipe.now = func() time.Time { return t0 }
	require.NoError(t, f.pipe.Ingest(ctx, f.event(sourceID, 12.0)))

	// Re-delivery an hour later changes nothing structural.
	f.pipe.now = func() time.Time { return t0.Add(time.Hour) }
	require.NoError(t, f.pipe.Ingest(ctx, f.event(sourceID, "12")))

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM chapters WHERE series_id = ?`, f.seriesID))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM chapter_sources`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM feed_entries WHERE series_id = ?`, f.seriesID))

	var detectedAt, lastChecked int64
	require.NoError(t, f.db.QueryRow(`SELECT detected_at, last_checked_at FROM chapter_sources`).
		Scan(&detectedAt, &lastChecked))
	assert.Equal(t, t0.UnixMilli(), detectedAt, "first sighting stamp survives re-delivery")
	assert.Equal(t, t0.Add(time.Hour).UnixMilli(), lastChecked)
}

func TestIngestTwoSourcesOneChapter(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	alpha := f.addSource(t, "alpha")
	beta := f.addSource(t, "beta")

	require.NoError(t, f.pipe.Ingest(ctx, f.event(alpha, 12.0)))
	require.NoError(t, f.pipe.Ingest(ctx, f.event(beta, "12.0")))

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM chapters WHERE series_id = ?`, f.seriesID))
	assert.Equal(t, 2, f.count(t, `SELECT COUNT(*) FROM chapter_sources`))

	var sources string
	require.NoError(t, f.db.QueryRow(`
		SELECT sources FROM feed_entries WHERE series_id = ? AND number = '12'
	`, f.seriesID).Scan(&sources))
	assert.Contains(t, sources, `"alpha"`)
	assert.Contains(t, sources, `"beta"`)
}

func TestIngestSeriesDateMonotone(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	sourceID := f.addSource(t, "alpha")

	dates := []struct {
		number      float64
		publishedAt string
	}{
		{3, "2026-08-03T00:00:00Z"},
		{1, "2026-08-01T00:00:00Z"},
		{2, "2026-08-02T00:00:00Z"},
	}
	for _, d := range dates {
		ev := f.event(sourceID, d.number)
		ev.PublishedAt = d.publishedAt
		require.NoError(t, f.pipe.Ingest(ctx, ev))
	}

	var last int64
	require.NoError(t, f.db.QueryRow(`
		SELECT last_chapter_date FROM series WHERE id = ?
	`, f.seriesID).Scan(&last))
	want := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, last, "out-of-order delivery never moves the date backward")
}

func TestIngestGapScanDeduped(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	sourceID := f.addSource(t, "alpha")

	require.NoError(t, f.pipe.Ingest(ctx, f.event(sourceID, 5.0)))
	require.NoError(t, f.pipe.Ingest(ctx, f.event(sourceID, 9.0)))

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM jobs WHERE kind = ?`, KindGapScan))
}

func TestIngestNoGapWhenContiguous(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	sourceID := f.addSource(t, "alpha")

	require.NoError(t, f.pipe.Ingest(ctx, f.event(sourceID, 1.0)))
	require.NoError(t, f.pipe.Ingest(ctx, f.event(sourceID, 2.0)))

	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM jobs WHERE kind = ?`, KindGapScan))
}

func TestIngestRecoverySynthesizesOrderedStamp(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	sourceID := f.addSource(t, "alpha")

	t0 := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	f.pipe.now = func() time.Time { return t0 }
	require.NoError(t, f.pipe.Ingest(ctx, f.event(sourceID, 8.0)))

	// Chapter 8 arriving with 7 missing schedules a scan; drop it so the
	// recovery assertions below see only the recovery ingest's jobs.
	f.exec(t, `DELETE FROM jobs`)

	f.pipe.now = func() time.Time { return t0.Add(time.Hour) }
	recovered := f.event(sourceID, 7.0)
	recovered.IsRecovery = true
	require.NoError(t, f.pipe.Ingest(ctx, recovered))

	var stamp int64
	require.NoError(t, f.db.QueryRow(`
		SELECT cs.detected_at
		FROM chapter_sources cs JOIN chapters c ON c.id = cs.chapter_id
		WHERE c.number = '7'
	`).Scan(&stamp))
	assert.Equal(t, t0.UnixMilli()-1, stamp, "backfilled chapter sorts before its successor")

	// Recovery never raises the gap flag for its own missing predecessors.
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM jobs WHERE kind = ?`, KindGapScan))
}

func TestIngestDiscardsUnknownSource(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pipe.Ingest(ctx, f.event(uuid.NewString(), 1.0)))

	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM chapters`))
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM jobs`))
}

func TestIngestFirstSightingBoost(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	alpha := f.addSource(t, "alpha")
	beta := f.addSource(t, "beta")

	require.NoError(t, f.pipe.Ingest(ctx, f.event(alpha, 12.0)))
	require.NoError(t, f.pipe.Ingest(ctx, f.event(beta, 12.0)))

	var chapterID string
	require.NoError(t, f.db.QueryRow(`SELECT id FROM chapters WHERE number = '12'`).Scan(&chapterID))

	var first, repeat string
	require.NoError(t, f.db.QueryRow(`SELECT payload FROM jobs WHERE id = ?`,
		PromoteJobID(chapterID, alpha)).Scan(&first))
	require.NoError(t, f.db.QueryRow(`SELECT payload FROM jobs WHERE id = ?`,
		PromoteJobID(chapterID, beta)).Scan(&repeat))

	assert.Contains(t, first, `"boost":5`)
	assert.Contains(t, repeat, `"boost":1`)

	// One delayed notification per chapter regardless of source count.
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM jobs WHERE kind = ?`, KindNotify))
}

func TestIngestBumpsFollowerVersionsInOneBatch(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	sourceID := f.addSource(t, "alpha")
	u1 := f.addFollower(t)
	u2 := f.addFollower(t)

	require.NoError(t, f.pipe.Ingest(ctx, f.event(sourceID, 1.0)))

	require.Len(t, f.versions.Batches, 1)
	assert.ElementsMatch(t, []string{u1, u2}, f.versions.Batches[0])

	v, err := f.versions.Get(ctx, u1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestIngestUnnumberedChapter(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	sourceID := f.addSource(t, "alpha")

	ev := f.event(sourceID, nil)
	ev.ChapterTitle = "Extra: Omake"
	require.NoError(t, f.pipe.Ingest(ctx, ev))

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM chapters WHERE number = '-1'`))
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM jobs WHERE kind = ?`, KindGapScan))
}
