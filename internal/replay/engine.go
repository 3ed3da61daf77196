// Package replay applies batches of offline client actions with
// last-write-wins semantics. Replaying the same batch twice is a pure
// no-op: every write is conditioned on the LWW guard, not on action ids.
package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"chapterhub/internal/conflict"
	"chapterhub/internal/identity"
	"chapterhub/pkg/models"
)

const (
	// DefaultMaxBatch bounds one replay request. A policy constant;
	// oversized batches are rejected before any processing.
	DefaultMaxBatch = 200
	// DefaultTxTimeout bounds the enclosing transaction.
	DefaultTxTimeout = 10 * time.Second
)

// ErrBatchTooLarge rejects the whole request; nothing was applied.
var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

type Engine struct {
	DB        *sql.DB
	MaxBatch  int
	TxTimeout time.Duration
	Logger    *log.Logger

	now func() time.Time
}

func NewEngine(db *sql.DB) *Engine {
	return &Engine{
		DB:        db,
		MaxBatch:  DefaultMaxBatch,
		TxTimeout: DefaultTxTimeout,
		Logger:    log.Default(),
		now:       time.Now,
	}
}

// Replay applies the batch inside one transaction and returns one result
// per action, same order. Per-action failures (bad payload, missing
// entity) land in that action's result slot; only transaction-fatal
// errors (begin/commit) fail the whole call.
func (e *Engine) Replay(ctx context.Context, userID string, actions []models.SyncAction) ([]models.ActionResult, error) {
	if len(actions) > e.MaxBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(actions), e.MaxBatch)
	}

	ctx, cancel := context.WithTimeout(ctx, e.TxTimeout)
	defer cancel()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replay tx: %w", err)
	}
	defer tx.Rollback()

	// Receipt order for the whole batch. Two devices replaying the same
	// logical write tie on timestamp; the batch that reached the server
	// first keeps the row.
	receivedAt := e.now().UnixMilli()

	results := make([]models.ActionResult, len(actions))
	for i, action := range actions {
		results[i] = e.apply(ctx, tx, userID, action, receivedAt)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replay tx: %w", err)
	}
	return results, nil
}

func (e *Engine) apply(ctx context.Context, tx *sql.Tx, userID string, action models.SyncAction, receivedAt int64) models.ActionResult {
	switch action.Type {
	case models.ActionChapterRead:
		return e.applyChapterRead(ctx, tx, userID, action, receivedAt)
	case models.ActionLibraryUpdate:
		return e.applyLibraryUpdate(ctx, tx, userID, action)
	default:
		// Not-yet-supported types are reported, never silently dropped.
		return models.ActionResult{
			ID:      action.ID,
			Status:  models.ResultSkipped,
			Message: fmt.Sprintf("unsupported action type %q", action.Type),
		}
	}
}

type chapterReadPayload struct {
	ChapterID     string `json:"chapter_id"`
	SeriesID      string `json:"series_id"`
	ChapterNumber any    `json:"chapter_number"`
	IsRead        bool   `json:"is_read"`
}

func (e *Engine) applyChapterRead(ctx context.Context, tx *sql.Tx, userID string, action models.SyncAction, receivedAt int64) models.ActionResult {
	var payload chapterReadPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return errorResult(action.ID, "invalid payload")
	}

	chapterID, seriesID, err := e.resolveChapter(ctx, tx, payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errorResult(action.ID, "chapter not found")
		}
		return errorResult(action.ID, "chapter lookup failed")
	}

	var one int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM library_entries WHERE user_id = ? AND series_id = ?
	`, userID, seriesID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errorResult(action.ID, "library entry not found")
	}
	if err != nil {
		return errorResult(action.ID, "library lookup failed")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chapter_reads (user_id, chapter_id, is_read, updated_at, server_received_at, device_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, chapter_id) DO UPDATE SET
			is_read = excluded.is_read,
			updated_at = excluded.updated_at,
			server_received_at = excluded.server_received_at,
			device_id = excluded.device_id
		WHERE `+conflict.UpsertGuard("chapter_reads", "updated_at", "server_received_at"),
		userID, chapterID, payload.IsRead, action.Timestamp, receivedAt, action.DeviceID)
	if err != nil {
		return errorResult(action.ID, "write failed")
	}

	// applied=false means an existing row was strictly newer: a stale
	// write silently superseded, which is the protocol working.
	n, _ := res.RowsAffected()
	return appliedResult(action.ID, n > 0)
}

// resolveChapter maps the action's opaque chapter reference (direct id,
// or series + raw number) to the canonical identity.
func (e *Engine) resolveChapter(ctx context.Context, tx *sql.Tx, payload chapterReadPayload) (chapterID, seriesID string, err error) {
	if payload.ChapterID != "" {
		err = tx.QueryRowContext(ctx, `
			SELECT id, series_id FROM chapters WHERE id = ?
		`, payload.ChapterID).Scan(&chapterID, &seriesID)
		return chapterID, seriesID, err
	}

	key := identity.ChapterKey(payload.ChapterNumber)
	err = tx.QueryRowContext(ctx, `
		SELECT id, series_id FROM chapters WHERE series_id = ? AND number = ?
	`, payload.SeriesID, key).Scan(&chapterID, &seriesID)
	return chapterID, seriesID, err
}

type libraryUpdatePayload struct {
	SeriesID string `json:"series_id"`
	Status   string `json:"status"`
}

var libraryStatuses = map[string]bool{
	"reading":   true,
	"completed": true,
	"wish_list": true,
	"dropped":   true,
}

func (e *Engine) applyLibraryUpdate(ctx context.Context, tx *sql.Tx, userID string, action models.SyncAction) models.ActionResult {
	var payload libraryUpdatePayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return errorResult(action.ID, "invalid payload")
	}

	status := strings.ToLower(strings.TrimSpace(payload.Status))
	if !libraryStatuses[status] {
		return errorResult(action.ID, "invalid status")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE library_entries
		SET status = ?, updated_at = ?, device_id = ?
		WHERE user_id = ? AND series_id = ? AND updated_at < ?
	`, status, action.Timestamp, action.DeviceID, userID, payload.SeriesID, action.Timestamp)
	if err != nil {
		return errorResult(action.ID, "write failed")
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		return appliedResult(action.ID, true)
	}

	// No row matched the guard: missing entry is an error, an existing
	// newer row is just a stale write.
	var one int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM library_entries WHERE user_id = ? AND series_id = ?
	`, userID, payload.SeriesID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errorResult(action.ID, "library entry not found")
	}
	if err != nil {
		return errorResult(action.ID, "library lookup failed")
	}
	return appliedResult(action.ID, false)
}

func errorResult(id, message string) models.ActionResult {
	return models.ActionResult{ID: id, Status: models.ResultError, Message: message}
}

func appliedResult(id string, applied bool) models.ActionResult {
	return models.ActionResult{ID: id, Status: models.ResultSuccess, Applied: &applied}
}
