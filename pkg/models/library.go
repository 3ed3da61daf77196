package models

import "time"

type LibraryEntry struct {
	UserID    string    `json:"user_id"`
	SeriesID  string    `json:"series_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	DeviceID  string    `json:"device_id,omitempty"`
}

// ChapterRead is the per-(user, chapter) read marker reconciled by the
// replay engine. UpdatedAt is the client-asserted mutation time;
// ServerReceivedAt is when the carrying batch reached the server and
// breaks exact-timestamp ties (earlier receipt wins).
type ChapterRead struct {
	UserID           string    `json:"user_id"`
	ChapterID        string    `json:"chapter_id"`
	IsRead           bool      `json:"is_read"`
	UpdatedAt        time.Time `json:"updated_at"`
	ServerReceivedAt time.Time `json:"server_received_at"`
	DeviceID         string    `json:"device_id,omitempty"`
}
