package series

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chapterhub/pkg/models"
)

type Repo struct {
	DB *sql.DB
}

type ListQuery struct {
	Q      string // keyword search in title
	Limit  int
	Offset int
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{DB: db}
}

func (r *Repo) Create(ctx context.Context, title, slug string) (*models.Series, error) {
	s := models.Series{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(title),
		Slug:      strings.TrimSpace(slug),
		CreatedAt: time.Now().UTC(),
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO series (id, title, slug) VALUES (?, ?, ?)
	`, s.ID, s.Title, s.Slug)
	if err != nil {
		return nil, fmt.Errorf("create series: %w", err)
	}
	return &s, nil
}

func (r *Repo) AddSource(ctx context.Context, seriesID, name, baseURL string) (*models.SeriesSource, error) {
	src := models.SeriesSource{
		ID:       uuid.NewString(),
		SeriesID: seriesID,
		Name:     strings.TrimSpace(name),
		BaseURL:  strings.TrimSpace(baseURL),
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO series_sources (id, series_id, name, base_url) VALUES (?, ?, ?, ?)
	`, src.ID, src.SeriesID, src.Name, src.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("add source: %w", err)
	}
	return &src, nil
}

func (r *Repo) GetByID(ctx context.Context, id string) (*models.Series, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, title, slug, tier, last_chapter_date, created_at
		FROM series
		WHERE id = ?
	`, id)

	var (
		s        models.Series
		lastDate sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Title, &s.Slug, &s.Tier, &lastDate, &s.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan series: %w", err)
	}
	if lastDate.Valid {
		t := time.UnixMilli(lastDate.Int64).UTC()
		s.LastChapterDate = &t
	}
	return &s, nil
}

func (r *Repo) List(ctx context.Context, q ListQuery) ([]models.Series, int, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var where string
	var args []any
	if kw := strings.TrimSpace(q.Q); kw != "" {
		where = " WHERE LOWER(title) LIKE ?"
		args = append(args, "%"+strings.ToLower(kw)+"%")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM series`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count series: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, title, slug, tier, last_chapter_date, created_at
		FROM series`+where+`
		ORDER BY tier DESC, title ASC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()

	out := make([]models.Series, 0, limit)
	for rows.Next() {
		var (
			s        models.Series
			lastDate sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Title, &s.Slug, &s.Tier, &lastDate, &s.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan series row: %w", err)
		}
		if lastDate.Valid {
			t := time.UnixMilli(lastDate.Int64).UTC()
			s.LastChapterDate = &t
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("series rows: %w", err)
	}
	return out, total, nil
}

// ChapterWithSources pairs a canonical chapter with its availability
// records across all sources.
type ChapterWithSources struct {
	models.Chapter
	Sources []models.ChapterSource `json:"sources"`
}

func (r *Repo) Chapters(ctx context.Context, seriesID string) ([]ChapterWithSources, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, series_id, number, title, slug, published_at, created_at
		FROM chapters
		WHERE series_id = ?
		ORDER BY CAST(number AS REAL) ASC
	`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var out []ChapterWithSources
	index := make(map[string]int)
	for rows.Next() {
		var (
			ch        ChapterWithSources
			title     sql.NullString
			slug      sql.NullString
			published sql.NullInt64
			created   int64
		)
		if err := rows.Scan(&ch.ID, &ch.SeriesID, &ch.Number, &title, &slug, &published, &created); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		ch.Title = title.String
		ch.Slug = slug.String
		if published.Valid {
			t := time.UnixMilli(published.Int64).UTC()
			ch.PublishedAt = &t
		}
		ch.CreatedAt = time.UnixMilli(created).UTC()
		index[ch.ID] = len(out)
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chapter rows: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	srcRows, err := r.DB.QueryContext(ctx, `
		SELECT cs.source_id, cs.chapter_id, cs.url, cs.source_chapter_id,
		       cs.detected_at, cs.is_available, cs.last_checked_at
		FROM chapter_sources cs
		JOIN chapters c ON c.id = cs.chapter_id
		WHERE c.series_id = ?
	`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("list chapter sources: %w", err)
	}
	defer srcRows.Close()

	for srcRows.Next() {
		var (
			cs          models.ChapterSource
			sourceChID  sql.NullString
			detectedAt  int64
			lastChecked int64
		)
		if err := srcRows.Scan(&cs.SourceID, &cs.ChapterID, &cs.URL, &sourceChID,
			&detectedAt, &cs.IsAvailable, &lastChecked); err != nil {
			return nil, fmt.Errorf("scan chapter source: %w", err)
		}
		cs.SourceChapterID = sourceChID.String
		cs.DetectedAt = time.UnixMilli(detectedAt).UTC()
		cs.LastCheckedAt = time.UnixMilli(lastChecked).UTC()
		if i, ok := index[cs.ChapterID]; ok {
			out[i].Sources = append(out[i].Sources, cs)
		}
	}
	if err := srcRows.Err(); err != nil {
		return nil, fmt.Errorf("chapter source rows: %w", err)
	}
	return out, nil
}

// Promote bumps a series' priority tier. Ingestion enqueues this with a
// larger boost for a chapter's first-ever sighting.
func (r *Repo) Promote(ctx context.Context, seriesID string, boost int) error {
	if boost <= 0 {
		return nil
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE series SET tier = tier + ? WHERE id = ?
	`, boost, seriesID)
	if err != nil {
		return fmt.Errorf("promote series: %w", err)
	}
	return nil
}
