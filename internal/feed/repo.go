package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chapterhub/pkg/models"
)

type Repo struct {
	DB *sql.DB
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{DB: db}
}

// Entries lists a series' aggregated feed entries, newest first.
func (r *Repo) Entries(ctx context.Context, seriesID string, limit, offset int) ([]models.FeedEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT series_id, number, sources, updated_at
		FROM feed_entries
		WHERE series_id = ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, seriesID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list feed entries: %w", err)
	}
	defer rows.Close()

	out := make([]models.FeedEntry, 0, limit)
	for rows.Next() {
		var (
			entry   models.FeedEntry
			sources string
			updated int64
		)
		if err := rows.Scan(&entry.SeriesID, &entry.Number, &sources, &updated); err != nil {
			return nil, fmt.Errorf("scan feed entry: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &entry.Sources); err != nil {
			return nil, fmt.Errorf("decode feed sources: %w", err)
		}
		entry.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("feed entry rows: %w", err)
	}
	return out, nil
}

// UserFeedItem is one fan-out row joined with its chapter for display.
type UserFeedItem struct {
	ChapterID   string    `json:"chapter_id"`
	SeriesID    string    `json:"series_id"`
	SeriesTitle string    `json:"series_title"`
	Number      string    `json:"number"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *Repo) UserFeed(ctx context.Context, userID string, limit, offset int) ([]UserFeedItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT ufi.chapter_id, c.series_id, s.title, c.number, c.title, ufi.created_at
		FROM user_feed_items ufi
		JOIN chapters c ON c.id = ufi.chapter_id
		JOIN series s ON s.id = c.series_id
		WHERE ufi.user_id = ?
		ORDER BY ufi.created_at DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list user feed: %w", err)
	}
	defer rows.Close()

	out := make([]UserFeedItem, 0, limit)
	for rows.Next() {
		var (
			item    UserFeedItem
			title   sql.NullString
			created int64
		)
		if err := rows.Scan(&item.ChapterID, &item.SeriesID, &item.SeriesTitle, &item.Number, &title, &created); err != nil {
			return nil, fmt.Errorf("scan user feed row: %w", err)
		}
		item.Title = title.String
		item.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user feed rows: %w", err)
	}
	return out, nil
}

// FanOut materializes one ingested chapter into every follower's feed.
// INSERT OR IGNORE keeps the at-least-once job delivery idempotent.
func (r *Repo) FanOut(ctx context.Context, seriesID, chapterID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_feed_items (user_id, chapter_id, created_at)
		SELECT user_id, ?, ?
		FROM library_entries
		WHERE series_id = ?
	`, chapterID, time.Now().UnixMilli(), seriesID)
	if err != nil {
		return 0, fmt.Errorf("fan out chapter %s: %w", chapterID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
