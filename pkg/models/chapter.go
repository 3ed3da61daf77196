package models

import "time"

// Chapter is the canonical record for one logical chapter of a series.
// Identity is (series_id, number); number is a normalized decimal string
// ("-1" groups all unnumbered chapters). Identity never changes after
// creation; later sightings only update the mutable attributes.
type Chapter struct {
	ID          string     `json:"id"`
	SeriesID    string     `json:"series_id"`
	Number      string     `json:"number"`
	Title       string     `json:"title,omitempty"`
	Slug        string     `json:"slug,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ChapterSource records that one scraping source can serve a canonical
// chapter. DetectedAt is stamped on first creation and never overwritten;
// all timeline ordering depends on it.
type ChapterSource struct {
	SourceID        string    `json:"source_id"`
	ChapterID       string    `json:"chapter_id"`
	URL             string    `json:"url"`
	SourceChapterID string    `json:"source_chapter_id,omitempty"`
	DetectedAt      time.Time `json:"detected_at"`
	IsAvailable     bool      `json:"is_available"`
	LastCheckedAt   time.Time `json:"last_checked_at"`
}
