package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSourceUUID = "3e4e2a1c-9f1b-4c2a-8d3e-5f6a7b8c9d0e"
	testSeriesUUID = "a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d"
)

func validRaw(extra string) []byte {
	base := `{
		"seriesSourceId": "` + testSourceUUID + `",
		"seriesId": "` + testSeriesUUID + `",
		"chapterUrl": "https://reader.example.com/ch/12"` + extra + `
	}`
	return []byte(base)
}

func TestParseEventValid(t *testing.T) {
	ev, err := ParseEvent(validRaw(`,
		"chapterNumber": 12.5,
		"chapterTitle": "The Calm",
		"publishedAt": "2026-08-01T10:00:00Z",
		"isRecovery": true`))
	require.NoError(t, err)

	assert.Equal(t, testSourceUUID, ev.SeriesSourceID)
	assert.Equal(t, testSeriesUUID, ev.SeriesID)
	assert.Equal(t, "12.5", ev.Key())
	assert.Equal(t, "The Calm", ev.ChapterTitle)
	assert.True(t, ev.IsRecovery)

	pub := ev.Published()
	require.NotNil(t, pub)
	assert.True(t, pub.Equal(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)))
}

func TestParseEventNumberForms(t *testing.T) {
	ev, err := ParseEvent(validRaw(`, "chapterNumber": "12.50"`))
	require.NoError(t, err)
	assert.Equal(t, "12.5", ev.Key())

	ev, err = ParseEvent(validRaw(``))
	require.NoError(t, err)
	assert.Equal(t, "-1", ev.Key())

	ev, err = ParseEvent(validRaw(`, "chapterNumber": null`))
	require.NoError(t, err)
	assert.Equal(t, "-1", ev.Key())
}

func TestParseEventRejections(t *testing.T) {
	tests := []struct {
		name  string
		raw   []byte
		field string
	}{
		{"malformed json", []byte(`{"seriesId":`), "payload"},
		{"missing required", []byte(`{"seriesId": "` + testSeriesUUID + `"}`), "payload"},
		{"source id not uuid", []byte(`{
			"seriesSourceId": "not-a-uuid",
			"seriesId": "` + testSeriesUUID + `",
			"chapterUrl": "https://x.example.com/1"
		}`), "seriesSourceId"},
		{"series id not uuid", []byte(`{
			"seriesSourceId": "` + testSourceUUID + `",
			"seriesId": "42",
			"chapterUrl": "https://x.example.com/1"
		}`), "seriesId"},
		{"url not http", []byte(`{
			"seriesSourceId": "` + testSourceUUID + `",
			"seriesId": "` + testSeriesUUID + `",
			"chapterUrl": "ftp://x.example.com/1"
		}`), "chapterUrl"},
		{"bad date", validRaw(`, "publishedAt": "yesterday"`), "publishedAt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent(tt.raw)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
