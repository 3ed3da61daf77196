package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"chapterhub/internal/identity"
	"chapterhub/internal/queue"
)

const (
	// Caps keep a badly holed series from flooding the queue in one scan.
	maxMissingPerScan = 100
	maxSeriesPerSweep = 200
)

// Scanner handles gap.scan jobs: it walks a series' numeric chapters,
// finds missing whole numbers, and asks each source to recheck them. The
// recheck jobs are consumed by the external scraping clients.
type Scanner struct {
	DB     *sql.DB
	Jobs   queue.Enqueuer
	Logger *log.Logger
}

func NewScanner(db *sql.DB, jobs queue.Enqueuer) *Scanner {
	return &Scanner{DB: db, Jobs: jobs, Logger: log.Default()}
}

func (s *Scanner) HandleScan(ctx context.Context, seriesID string) error {
	missing, err := s.missingNumbers(ctx, seriesID)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM series_sources WHERE series_id = ?
	`, seriesID)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sourceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan source id: %w", err)
		}
		sourceIDs = append(sourceIDs, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sources rows: %w", err)
	}

	var jobs []queue.Job
	now := time.Now()
	for _, number := range missing {
		for _, sourceID := range sourceIDs {
			payload, _ := json.Marshal(RecheckPayload{
				SourceID: sourceID,
				SeriesID: seriesID,
				Number:   number,
			})
			jobs = append(jobs, queue.Job{
				ID:      RecheckJobID(sourceID, number),
				Kind:    KindRecheck,
				Payload: payload,
				RunAt:   now,
			})
		}
	}

	s.Logger.Printf("[gaps] series %s: %d missing chapters, %d recheck jobs", seriesID, len(missing), len(jobs))
	return s.Jobs.Enqueue(ctx, jobs...)
}

// missingNumbers returns whole-numbered holes between the lowest and
// highest known chapters, capped at maxMissingPerScan.
func (s *Scanner) missingNumbers(ctx context.Context, seriesID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT number FROM chapters WHERE series_id = ? AND number != ?
	`, seriesID, identity.Sentinel)
	if err != nil {
		return nil, fmt.Errorf("list chapter numbers: %w", err)
	}
	defer rows.Close()

	present := make(map[float64]bool)
	var numbers []float64
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan chapter number: %w", err)
		}
		if n, ok := identity.Numeric(raw); ok {
			present[n] = true
			numbers = append(numbers, n)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("numbers rows: %w", err)
	}
	if len(numbers) == 0 {
		return nil, nil
	}

	sort.Float64s(numbers)
	highest := numbers[len(numbers)-1]

	var missing []string
	for n := 1.0; n < highest && len(missing) < maxMissingPerScan; n++ {
		if !present[n] {
			missing = append(missing, identity.ChapterKey(n))
		}
	}
	return missing, nil
}

// Sweep enqueues a scan for every series with a detectable hole. Runs on
// the worker's cron schedule as the catch-all behind inline detection.
func (s *Scanner) Sweep(ctx context.Context) error {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT series_id,
		       COUNT(*) AS n,
		       MAX(CAST(number AS REAL)) AS top
		FROM chapters
		WHERE number != ?
		GROUP BY series_id
		LIMIT ?
	`, identity.Sentinel, maxSeriesPerSweep)
	if err != nil {
		return fmt.Errorf("sweep series: %w", err)
	}
	defer rows.Close()

	var jobs []queue.Job
	now := time.Now()
	for rows.Next() {
		var seriesID string
		var n int
		var top float64
		if err := rows.Scan(&seriesID, &n, &top); err != nil {
			return fmt.Errorf("scan sweep row: %w", err)
		}
		// Fewer rows than the top whole number means at least one hole.
		if float64(n) >= math.Floor(top) {
			continue
		}
		payload, _ := json.Marshal(GapScanPayload{SeriesID: seriesID})
		jobs = append(jobs, queue.Job{
			ID:      GapScanJobID(seriesID),
			Kind:    KindGapScan,
			Payload: payload,
			RunAt:   now,
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sweep rows: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	s.Logger.Printf("[gaps] sweep enqueueing %d scans", len(jobs))
	return s.Jobs.Enqueue(ctx, jobs...)
}
