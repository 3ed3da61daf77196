package models

import "time"

// FeedSource is one element of a feed entry's aggregated source list.
type FeedSource struct {
	SourceName   string    `json:"source_name"`
	URL          string    `json:"url"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

type FeedEntry struct {
	SeriesID  string       `json:"series_id"`
	Number    string       `json:"number"`
	Sources   []FeedSource `json:"sources"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type FeedItem struct {
	UserID    string    `json:"user_id"`
	ChapterID string    `json:"chapter_id"`
	CreatedAt time.Time `json:"created_at"`
}
