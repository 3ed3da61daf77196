package models

import "encoding/json"

const (
	ActionChapterRead   = "CHAPTER_READ"
	ActionLibraryUpdate = "LIBRARY_UPDATE"
)

const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// SyncAction is one client-originated mutation replayed by the sync
// engine. Timestamp is client-asserted epoch milliseconds. Field names
// follow the client wire format, which is camelCase like the ingestion
// events.
type SyncAction struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	DeviceID  string          `json:"deviceId"`
}

// ActionResult mirrors one SyncAction in the response. Applied=false on a
// success means the stored row was newer (stale write, not an error).
type ActionResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Applied *bool  `json:"applied,omitempty"`
	Message string `json:"message,omitempty"`
}
