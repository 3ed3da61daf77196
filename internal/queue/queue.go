// Package queue is the job transport contract plus a SQLite reference
// implementation: at-least-once delivery, per-job retry with backoff, and
// a dead-letter table for jobs that must not be retried. Job ids are
// deterministic so duplicate enqueue attempts collapse into one row.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Job struct {
	ID          string
	Kind        string
	Payload     []byte
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
}

// Enqueuer is what producers (the ingestion pipeline) depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobs ...Job) error
}

// TerminalError marks a failure that retrying cannot change; the job goes
// straight to the dead-letter table.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the consumer dead-letters instead of retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

const (
	defaultMaxAttempts = 5
	backoffBase        = 2 * time.Second
	claimLease         = 60 * time.Second
)

type Queue struct {
	DB *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{DB: db}
}

// Enqueue inserts jobs, ignoring ids already present. Re-delivery of the
// same logical job is a no-op by construction.
func (q *Queue) Enqueue(ctx context.Context, jobs ...Job) error {
	for _, j := range jobs {
		if j.ID == "" {
			j.ID = uuid.NewString()
		}
		if j.MaxAttempts <= 0 {
			j.MaxAttempts = defaultMaxAttempts
		}
		runAt := j.RunAt
		if runAt.IsZero() {
			runAt = time.Now()
		}
		_, err := q.DB.ExecContext(ctx, `
			INSERT OR IGNORE INTO jobs (id, kind, payload, run_at, attempts, max_attempts, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
		`, j.ID, j.Kind, string(j.Payload), runAt.UnixMilli(), j.MaxAttempts, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", j.ID, err)
		}
	}
	return nil
}

// Claim leases the next due job. Returns nil when nothing is due.
func (q *Queue) Claim(ctx context.Context) (*Job, string, error) {
	token := uuid.NewString()
	now := time.Now().UnixMilli()

	res, err := q.DB.ExecContext(ctx, `
		UPDATE jobs
		SET claim_token = ?, claimed_until = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE run_at <= ? AND claimed_until <= ?
			ORDER BY run_at
			LIMIT 1
		)
	`, token, now+claimLease.Milliseconds(), now, now)
	if err != nil {
		return nil, "", fmt.Errorf("claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, "", nil
	}

	row := q.DB.QueryRowContext(ctx, `
		SELECT id, kind, payload, run_at, attempts, max_attempts
		FROM jobs
		WHERE claim_token = ?
	`, token)

	var j Job
	var payload string
	var runAt int64
	if err := row.Scan(&j.ID, &j.Kind, &payload, &runAt, &j.Attempts, &j.MaxAttempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("load claimed job: %w", err)
	}
	j.Payload = []byte(payload)
	j.RunAt = time.UnixMilli(runAt)
	return &j, token, nil
}

// Complete removes a finished job. The claim token guards against a lease
// that expired mid-run and was handed to another worker.
func (q *Queue) Complete(ctx context.Context, id, token string) error {
	_, err := q.DB.ExecContext(ctx, `
		DELETE FROM jobs WHERE id = ? AND claim_token = ?
	`, id, token)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt: exponential backoff while attempts
// remain, dead-letter once exhausted or when the failure is terminal.
func (q *Queue) Fail(ctx context.Context, j *Job, token, reason string, terminal bool) error {
	if terminal || j.Attempts >= j.MaxAttempts {
		return q.deadLetter(ctx, j, token, reason)
	}

	delay := backoffBase << uint(j.Attempts-1)
	_, err := q.DB.ExecContext(ctx, `
		UPDATE jobs
		SET claim_token = '', claimed_until = 0, run_at = ?
		WHERE id = ? AND claim_token = ?
	`, time.Now().Add(delay).UnixMilli(), j.ID, token)
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", j.ID, err)
	}
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, j *Job, token, reason string) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead-letter: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letters (id, kind, payload, reason, attempts, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, j.ID, j.Kind, string(j.Payload), reason, j.Attempts, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert dead letter %s: %w", j.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM jobs WHERE id = ? AND claim_token = ?
	`, j.ID, token); err != nil {
		return fmt.Errorf("remove dead job %s: %w", j.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead-letter: %w", err)
	}
	return nil
}

// ReleaseExpiredClaims frees jobs whose holder died mid-run so another
// worker can pick them up.
func (q *Queue) ReleaseExpiredClaims(ctx context.Context) (int64, error) {
	res, err := q.DB.ExecContext(ctx, `
		UPDATE jobs
		SET claim_token = '', claimed_until = 0
		WHERE claim_token != '' AND claimed_until <= ?
	`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type Stats struct {
	Pending     int `json:"pending"`
	DeadLetters int `json:"dead_letters"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := q.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&s.Pending); err != nil {
		return s, fmt.Errorf("count jobs: %w", err)
	}
	if err := q.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&s.DeadLetters); err != nil {
		return s, fmt.Errorf("count dead letters: %w", err)
	}
	return s, nil
}
