package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterhub/internal/queue"
)

func TestScannerHandleScan(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	alpha := f.addSource(t, "alpha")
	beta := f.addSource(t, "beta")

	// Chapters 1, 2, 5 present: 3 and 4 are holes.
	for _, n := range []float64{1, 2, 5} {
		require.NoError(t, f.pipe.Ingest(ctx, f.event(alpha, n)))
	}
	f.exec(t, `DELETE FROM jobs`)

	scanner := NewScanner(f.db, queue.New(f.db))
	require.NoError(t, scanner.HandleScan(ctx, f.seriesID))

	assert.Equal(t, 4, f.count(t, `SELECT COUNT(*) FROM jobs WHERE kind = ?`, KindRecheck))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM jobs WHERE id = ?`, RecheckJobID(alpha, "3")))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM jobs WHERE id = ?`, RecheckJobID(beta, "4")))

	// Rescanning before the rechecks resolve does not duplicate them.
	require.NoError(t, scanner.HandleScan(ctx, f.seriesID))
	assert.Equal(t, 4, f.count(t, `SELECT COUNT(*) FROM jobs WHERE kind = ?`, KindRecheck))
}

func TestScannerHandleScanNoHoles(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	alpha := f.addSource(t, "alpha")

	for _, n := range []float64{1, 2, 3} {
		require.NoError(t, f.pipe.Ingest(ctx, f.event(alpha, n)))
	}
	f.exec(t, `DELETE FROM jobs`)

	scanner := NewScanner(f.db, queue.New(f.db))
	require.NoError(t, scanner.HandleScan(ctx, f.seriesID))
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM jobs`))
}

func TestScannerSweep(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	alpha := f.addSource(t, "alpha")

	// 1 and 9 present: the count (2) falls short of the top number (9).
	require.NoError(t, f.pipe.Ingest(ctx, f.event(alpha, 1.0)))
	require.NoError(t, f.pipe.Ingest(ctx, f.event(alpha, 9.0)))
	f.exec(t, `DELETE FROM jobs`)

	scanner := NewScanner(f.db, queue.New(f.db))
	require.NoError(t, scanner.Sweep(ctx))

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM jobs WHERE id = ?`, GapScanJobID(f.seriesID)))
}
