package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChapterKey(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want string
	}{
		{"nil", nil, Sentinel},
		{"float", 12.0, "12"},
		{"float decimal", 10.5, "10.5"},
		{"int", 7, "7"},
		{"numeric string", "12", "12"},
		{"decimal string", "12.50", "12.5"},
		{"padded string", "  3 ", "3"},
		{"json number", json.Number("4.5"), "4.5"},
		{"empty string", "", Sentinel},
		{"garbage string", "extra", Sentinel},
		{"negative", -3.0, Sentinel},
		{"unsupported type", struct{}{}, Sentinel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChapterKey(tt.raw))
		})
	}
}

func TestChapterKeyDeterministic(t *testing.T) {
	// Same logical number in different representations resolves to the
	// same key; it is the join key for idempotent upserts.
	assert.Equal(t, ChapterKey(12.0), ChapterKey("12"))
	assert.Equal(t, ChapterKey(12.0), ChapterKey(json.Number("12.0")))
	assert.Equal(t, ChapterKey(nil), ChapterKey("not a number"))
}

func TestNumeric(t *testing.T) {
	n, ok := Numeric("10.5")
	assert.True(t, ok)
	assert.Equal(t, 10.5, n)

	_, ok = Numeric(Sentinel)
	assert.False(t, ok)
}

func TestPredecessor(t *testing.T) {
	pred, ok := Predecessor("5")
	assert.True(t, ok)
	assert.Equal(t, "4", pred)

	pred, ok = Predecessor("10.5")
	assert.True(t, ok)
	assert.Equal(t, "9.5", pred)

	_, ok = Predecessor("1")
	assert.False(t, ok)

	_, ok = Predecessor(Sentinel)
	assert.False(t, ok)
}
