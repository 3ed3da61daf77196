package models

import "time"

type Series struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Slug            string     `json:"slug,omitempty"`
	Tier            int        `json:"tier"`
	LastChapterDate *time.Time `json:"last_chapter_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type SeriesSource struct {
	ID       string `json:"id"`
	SeriesID string `json:"series_id"`
	Name     string `json:"name"`
	BaseURL  string `json:"base_url,omitempty"`
}
