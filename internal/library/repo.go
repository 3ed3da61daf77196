package library

import (
	"context"
	"database/sql"
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

// Upsert inserts or updates a user's library entry. Interactive writes
// stamp server time; offline writes go through the replay engine, which
// keeps the client-asserted timestamp and the LWW guard.
func (r *Repo) Upsert(ctx context.Context, entry models.LibraryEntry) error {
	ts := entry.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO library_entries (user_id, series_id, status, updated_at, device_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, series_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			device_id = excluded.device_id
	`, entry.UserID, entry.SeriesID, entry.Status, ts.UnixMilli(), entry.DeviceID)
	if err != nil {
		return fmt.Errorf("upsert library entry: %w", err)
	}
	return nil
}

func (r *Repo) Delete(ctx context.Context, userID, seriesID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM library_entries
		WHERE user_id = ? AND series_id = ?
	`, userID, seriesID)
	if err != nil {
		return false, fmt.Errorf("delete library entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *Repo) Get(ctx context.Context, userID, seriesID string) (*models.LibraryEntry, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT user_id, series_id, status, updated_at, device_id
		FROM library_entries
		WHERE user_id = ? AND series_id = ?
	`, userID, seriesID)

	var entry models.LibraryEntry
	var updated int64
	if err := row.Scan(&entry.UserID, &entry.SeriesID, &entry.Status, &updated, &entry.DeviceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get library entry: %w", err)
	}
	entry.UpdatedAt = time.UnixMilli(updated).UTC()
	return &entry, nil
}

func (r *Repo) List(ctx context.Context, userID string, status string, limit, offset int) ([]models.LibraryEntry, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	where := `WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM library_entries `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count library: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT user_id, series_id, status, updated_at, device_id
		FROM library_entries `+where+`
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list library: %w", err)
	}
	defer rows.Close()

	out := make([]models.LibraryEntry, 0, limit)
	for rows.Next() {
		var entry models.LibraryEntry
		var updated int64
		if err := rows.Scan(&entry.UserID, &entry.SeriesID, &entry.Status, &updated, &entry.DeviceID); err != nil {
			return nil, 0, fmt.Errorf("scan library row: %w", err)
		}
		entry.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("library rows: %w", err)
	}

	return out, total, nil
}

// Reads returns the user's chapter read markers for one series.
func (r *Repo) Reads(ctx context.Context, userID, seriesID string) ([]models.ChapterRead, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT cr.user_id, cr.chapter_id, cr.is_read, cr.updated_at, cr.server_received_at, cr.device_id
		FROM chapter_reads cr
		JOIN chapters c ON c.id = cr.chapter_id
		WHERE cr.user_id = ? AND c.series_id = ?
		ORDER BY CAST(c.number AS REAL) ASC
	`, userID, seriesID)
	if err != nil {
		return nil, fmt.Errorf("list reads: %w", err)
	}
	defer rows.Close()

	var out []models.ChapterRead
	for rows.Next() {
		var (
			cr       models.ChapterRead
			updated  int64
			received int64
		)
		if err := rows.Scan(&cr.UserID, &cr.ChapterID, &cr.IsRead, &updated, &received, &cr.DeviceID); err != nil {
			return nil, fmt.Errorf("scan read row: %w", err)
		}
		cr.UpdatedAt = time.UnixMilli(updated).UTC()
		cr.ServerReceivedAt = time.UnixMilli(received).UTC()
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return out, nil
}
