package realtime

import "time"

type LibraryEvent struct {
	Type     string    `json:"type"` // "library.update" or "library.delete"
	UserID   string    `json:"user_id"`
	SeriesID string    `json:"series_id"`
	Status   string    `json:"status,omitempty"`
	At       time.Time `json:"at"`
}

// ReplayEvent tells a user's other devices that a sync batch landed and
// they should refresh.
type ReplayEvent struct {
	Type    string    `json:"type"` // "sync.replayed"
	UserID  string    `json:"user_id"`
	Actions int       `json:"actions"`
	Applied int       `json:"applied"`
	At      time.Time `json:"at"`
}
