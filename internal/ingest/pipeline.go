package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"chapterhub/internal/cache"
	"chapterhub/internal/identity"
	"chapterhub/internal/lock"
	"chapterhub/internal/queue"
	"chapterhub/pkg/models"
)

// Policy constants. Delays keep recovery backfills from turning into
// notification storms; boosts weight a first-ever sighting over a repeat
// source picking up a known chapter.
const (
	DefaultLockTTL  = 30 * time.Second
	DefaultLockWait = 20 * time.Second

	notifyDelayLive     = 2 * time.Minute
	notifyDelayRecovery = 30 * time.Minute
	gapScanDelay        = 5 * time.Minute

	boostFirstSighting  = 5
	boostRepeatSighting = 1
)

// Pipeline ingests one chapter announcement at a time: canonical identity
// resolution, per-chapter locking, idempotent multi-table upsert inside
// one transaction, then deferred side effects strictly after commit.
type Pipeline struct {
	DB       *sql.DB
	Locks    lock.Manager
	Jobs     queue.Enqueuer
	Versions cache.VersionStore

	LockTTL  time.Duration
	LockWait time.Duration
	Logger   *log.Logger

	now func() time.Time
}

func NewPipeline(db *sql.DB, locks lock.Manager, jobs queue.Enqueuer, versions cache.VersionStore) *Pipeline {
	return &Pipeline{
		DB:       db,
		Locks:    locks,
		Jobs:     jobs,
		Versions: versions,
		LockTTL:  DefaultLockTTL,
		LockWait: DefaultLockWait,
		Logger:   log.Default(),
		now:      time.Now,
	}
}

type sourceRow struct {
	id       string
	name     string
	seriesID string
}

// Ingest processes one validated event. Errors it returns are transient
// (storage, lock timeout) and safe to retry through the transport;
// events referencing a deleted source or series are discarded here.
func (p *Pipeline) Ingest(ctx context.Context, ev *ChapterEvent) error {
	key := ev.Key()

	token, err := lock.AcquireWait(ctx, p.Locks, chapterLockKey(ev.SeriesID, key), p.LockTTL, p.LockWait)
	if err != nil {
		return fmt.Errorf("lock chapter %s/%s: %w", ev.SeriesID, key, err)
	}
	defer func() {
		if rerr := p.Locks.Release(context.WithoutCancel(ctx), token); rerr != nil {
			p.Logger.Printf("[ingest] release lock %s/%s: %v", ev.SeriesID, key, rerr)
		}
	}()

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest tx: %w", err)
	}
	defer tx.Rollback()

	src, err := p.loadSource(ctx, tx, ev.SeriesSourceID)
	if err != nil {
		return err
	}
	if src == nil || src.seriesID != ev.SeriesID {
		// Expected race with source/series deletion, not a defect.
		p.Logger.Printf("[ingest] discarding event for source %s: source or series gone (trace=%s)",
			ev.SeriesSourceID, ev.TraceID)
		return nil
	}

	chapterID, firstSighting, err := p.upsertChapter(ctx, tx, ev, key)
	if err != nil {
		return err
	}

	detectedAt, err := p.upsertAvailability(ctx, tx, ev, src, chapterID, key)
	if err != nil {
		return err
	}

	if err := p.upsertMirror(ctx, tx, ev, src, key); err != nil {
		return err
	}

	if err := p.advanceSeriesDate(ctx, tx, ev); err != nil {
		return err
	}

	if err := p.appendFeedSource(ctx, tx, ev, src, key, detectedAt); err != nil {
		return err
	}

	intents := p.effectIntents(ev, src, chapterID, firstSighting)

	gapIntent, err := p.detectGap(ctx, tx, ev, key)
	if err != nil {
		return err
	}
	if gapIntent != nil {
		intents = append(intents, *gapIntent)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest tx: %w", err)
	}

	// Side effects only after commit: a job referencing an uncommitted
	// row is a correctness bug. A partial flush is logged and left to the
	// deterministic ids plus the reconciliation sweep.
	if err := p.Jobs.Enqueue(ctx, intents...); err != nil {
		p.Logger.Printf("[ingest] enqueue side effects for chapter %s: %v", chapterID, err)
	}

	if err := p.bumpFollowerVersions(ctx, ev.SeriesID); err != nil {
		p.Logger.Printf("[ingest] feed version bump for series %s: %v", ev.SeriesID, err)
	}

	return nil
}

func chapterLockKey(seriesID, key string) string {
	return "chapter:" + seriesID + ":" + key
}

func (p *Pipeline) loadSource(ctx context.Context, tx *sql.Tx, sourceID string) (*sourceRow, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT ss.id, ss.name, ss.series_id
		FROM series_sources ss
		JOIN series s ON s.id = ss.series_id
		WHERE ss.id = ?
	`, sourceID)

	var src sourceRow
	if err := row.Scan(&src.id, &src.name, &src.seriesID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load source: %w", err)
	}
	return &src, nil
}

// upsertChapter creates the canonical chapter on first sighting and
// refreshes mutable attributes on repeats. Identity never changes. The
// first/repeat branch is race-free because the caller holds the
// per-(series, key) lock.
func (p *Pipeline) upsertChapter(ctx context.Context, tx *sql.Tx, ev *ChapterEvent, key string) (string, bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM chapters WHERE series_id = ? AND number = ?
	`, ev.SeriesID, key).Scan(&id)

	var published any
	if t := ev.Published(); t != nil {
		published = t.UnixMilli()
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chapters (id, series_id, number, title, slug, published_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, ev.SeriesID, key, ev.ChapterTitle, ev.ChapterSlug, published, p.now().UnixMilli())
		if err != nil {
			return "", false, fmt.Errorf("insert chapter: %w", err)
		}
		return id, true, nil
	case err != nil:
		return "", false, fmt.Errorf("lookup chapter: %w", err)
	default:
		_, err := tx.ExecContext(ctx, `
			UPDATE chapters SET
				title = COALESCE(NULLIF(?, ''), title),
				slug = COALESCE(NULLIF(?, ''), slug),
				published_at = COALESCE(?, published_at)
			WHERE id = ?
		`, ev.ChapterTitle, ev.ChapterSlug, published, id)
		if err != nil {
			return "", false, fmt.Errorf("update chapter: %w", err)
		}
		return id, false, nil
	}
}

// upsertAvailability writes the per-(source, chapter) record. detected_at
// is stamped once on creation and never overwritten; recovery events get
// a synthesized stamp one millisecond before the next-known chapter so
// late arrivals keep their relative order on the timeline.
func (p *Pipeline) upsertAvailability(ctx context.Context, tx *sql.Tx, ev *ChapterEvent, src *sourceRow, chapterID, key string) (int64, error) {
	now := p.now().UnixMilli()

	detectedAt := now
	if ev.IsRecovery {
		if synth, ok, err := p.synthesizeDetectedAt(ctx, tx, ev.SeriesID, key); err != nil {
			return 0, err
		} else if ok {
			detectedAt = synth
		}
	}

	var sourceChapterID any
	if ev.SourceChapterID != "" {
		sourceChapterID = ev.SourceChapterID
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO chapter_sources (source_id, chapter_id, url, source_chapter_id, detected_at, is_available, last_checked_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(source_id, chapter_id) DO UPDATE SET
			url = excluded.url,
			source_chapter_id = COALESCE(excluded.source_chapter_id, chapter_sources.source_chapter_id),
			is_available = 1,
			last_checked_at = excluded.last_checked_at
	`, src.id, chapterID, ev.ChapterURL, sourceChapterID, detectedAt, now)
	if err != nil {
		return 0, fmt.Errorf("upsert availability: %w", err)
	}

	// Report the stored stamp, not the computed one: on a repeat sighting
	// the original detected_at stands.
	var stored int64
	if err := tx.QueryRowContext(ctx, `
		SELECT detected_at FROM chapter_sources WHERE source_id = ? AND chapter_id = ?
	`, src.id, chapterID).Scan(&stored); err != nil {
		return 0, fmt.Errorf("read availability stamp: %w", err)
	}
	return stored, nil
}

// synthesizeDetectedAt places a backfilled chapter one time unit before
// the earliest sighting of any later-numbered chapter. The resulting
// stamp preserves ordering only; it is not a real discovery time.
func (p *Pipeline) synthesizeDetectedAt(ctx context.Context, tx *sql.Tx, seriesID, key string) (int64, bool, error) {
	n, ok := identity.Numeric(key)
	if !ok {
		return 0, false, nil
	}

	var next sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MIN(cs.detected_at)
		FROM chapter_sources cs
		JOIN chapters c ON c.id = cs.chapter_id
		WHERE c.series_id = ? AND c.number != ? AND CAST(c.number AS REAL) > ?
	`, seriesID, identity.Sentinel, n).Scan(&next)
	if err != nil {
		return 0, false, fmt.Errorf("find next chapter stamp: %w", err)
	}
	if !next.Valid {
		return 0, false, nil
	}
	return next.Int64 - 1, true, nil
}

func (p *Pipeline) upsertMirror(ctx context.Context, tx *sql.Tx, ev *ChapterEvent, src *sourceRow, key string) error {
	number := -1.0
	if n, ok := identity.Numeric(key); ok {
		number = n
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO mirror_chapters (source_name, chapter_number, series_id, title, url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_name, chapter_number, series_id) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			updated_at = excluded.updated_at
	`, src.name, number, ev.SeriesID, ev.ChapterTitle, ev.ChapterURL, p.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert mirror: %w", err)
	}
	return nil
}

// advanceSeriesDate moves series.last_chapter_date forward only. The
// guard, not delivery order, is what keeps the field monotone.
func (p *Pipeline) advanceSeriesDate(ctx context.Context, tx *sql.Tx, ev *ChapterEvent) error {
	t := ev.Published()
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()

	_, err := tx.ExecContext(ctx, `
		UPDATE series SET last_chapter_date = ?
		WHERE id = ? AND (last_chapter_date IS NULL OR last_chapter_date < ?)
	`, ms, ev.SeriesID, ms)
	if err != nil {
		return fmt.Errorf("advance series date: %w", err)
	}
	return nil
}

// appendFeedSource adds this source to the chapter's feed entry unless a
// tuple with the same source name is already there. The read-modify-write
// is safe under the per-chapter lock.
func (p *Pipeline) appendFeedSource(ctx context.Context, tx *sql.Tx, ev *ChapterEvent, src *sourceRow, key string, detectedAt int64) error {
	var stored string
	err := tx.QueryRowContext(ctx, `
		SELECT sources FROM feed_entries WHERE series_id = ? AND number = ?
	`, ev.SeriesID, key).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load feed entry: %w", err)
	}

	var sources []models.FeedSource
	if stored != "" {
		if err := json.Unmarshal([]byte(stored), &sources); err != nil {
			return fmt.Errorf("decode feed sources: %w", err)
		}
	}
	for _, s := range sources {
		if s.SourceName == src.name {
			return nil
		}
	}
	sources = append(sources, models.FeedSource{
		SourceName:   src.name,
		URL:          ev.ChapterURL,
		DiscoveredAt: time.UnixMilli(detectedAt).UTC(),
	})

	encoded, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("encode feed sources: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO feed_entries (series_id, number, sources, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(series_id, number) DO UPDATE SET
			sources = excluded.sources,
			updated_at = excluded.updated_at
	`, ev.SeriesID, key, string(encoded), p.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert feed entry: %w", err)
	}
	return nil
}

// detectGap checks for a missing numeric predecessor and returns the
// deduplicated scan intent. Repeated misses for one series collapse into
// the same pending job, not one per missing chapter.
func (p *Pipeline) detectGap(ctx context.Context, tx *sql.Tx, ev *ChapterEvent, key string) (*queue.Job, error) {
	if ev.IsRecovery {
		return nil, nil
	}
	pred, ok := identity.Predecessor(key)
	if !ok {
		return nil, nil
	}

	var exists int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM chapters WHERE series_id = ? AND number = ?
	`, ev.SeriesID, pred).Scan(&exists)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check predecessor: %w", err)
	}

	payload, _ := json.Marshal(GapScanPayload{SeriesID: ev.SeriesID})
	return &queue.Job{
		ID:      GapScanJobID(ev.SeriesID),
		Kind:    KindGapScan,
		Payload: payload,
		RunAt:   p.now().Add(gapScanDelay),
	}, nil
}

func (p *Pipeline) effectIntents(ev *ChapterEvent, src *sourceRow, chapterID string, firstSighting bool) []queue.Job {
	notifyDelay := notifyDelayLive
	if ev.IsRecovery {
		notifyDelay = notifyDelayRecovery
	}
	boost := boostRepeatSighting
	if firstSighting {
		boost = boostFirstSighting
	}

	notifyPayload, _ := json.Marshal(NotifyPayload{
		ChapterID: chapterID,
		SeriesID:  ev.SeriesID,
		Number:    ev.Key(),
		Recovery:  ev.IsRecovery,
	})
	fanoutPayload, _ := json.Marshal(FanoutPayload{
		SourceID:  src.id,
		ChapterID: chapterID,
		SeriesID:  ev.SeriesID,
	})
	promotePayload, _ := json.Marshal(PromotePayload{
		SeriesID: ev.SeriesID,
		Boost:    boost,
	})

	now := p.now()
	return []queue.Job{
		{
			ID:      NotifyJobID(chapterID),
			Kind:    KindNotify,
			Payload: notifyPayload,
			RunAt:   now.Add(notifyDelay),
		},
		{
			ID:      FanoutJobID(src.id, chapterID),
			Kind:    KindFanout,
			Payload: fanoutPayload,
			RunAt:   now,
		},
		{
			ID:      PromoteJobID(chapterID, src.id),
			Kind:    KindPromote,
			Payload: promotePayload,
			RunAt:   now,
		},
	}
}

// bumpFollowerVersions invalidates every follower's cached feed with one
// batched increment. Per-user round trips do not survive follower counts.
func (p *Pipeline) bumpFollowerVersions(ctx context.Context, seriesID string) error {
	rows, err := p.DB.QueryContext(ctx, `
		SELECT user_id FROM library_entries WHERE series_id = ?
	`, seriesID)
	if err != nil {
		return fmt.Errorf("list followers: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan follower: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("followers rows: %w", err)
	}

	return p.Versions.IncrementAll(ctx, userIDs)
}
