package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"chapterhub/internal/identity"
)

// ChapterEvent is one validated chapter announcement consumed from the
// job transport.
type ChapterEvent struct {
	SeriesSourceID  string `json:"seriesSourceId"`
	SeriesID        string `json:"seriesId"`
	ChapterNumber   any    `json:"chapterNumber,omitempty"` // number | numeric string | null
	ChapterSlug     string `json:"chapterSlug,omitempty"`
	ChapterTitle    string `json:"chapterTitle,omitempty"`
	ChapterURL      string `json:"chapterUrl"`
	SourceChapterID string `json:"sourceChapterId,omitempty"`
	PublishedAt     string `json:"publishedAt,omitempty"` // RFC 3339
	IsRecovery      bool   `json:"isRecovery,omitempty"`
	TraceID         string `json:"traceId,omitempty"`
}

// Key resolves the event's canonical chapter identity.
func (ev *ChapterEvent) Key() string {
	return identity.ChapterKey(ev.ChapterNumber)
}

// Published returns the parsed publication time, nil when absent.
func (ev *ChapterEvent) Published() *time.Time {
	if ev.PublishedAt == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ev.PublishedAt)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// ValidationError is terminal: re-validating unchanged bad data is
// guaranteed to fail again, so the job must be dead-lettered, not retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["seriesSourceId", "seriesId", "chapterUrl"],
	"properties": {
		"seriesSourceId":  {"type": "string", "minLength": 1},
		"seriesId":        {"type": "string", "minLength": 1},
		"chapterNumber":   {"type": ["number", "string", "null"]},
		"chapterSlug":     {"type": ["string", "null"]},
		"chapterTitle":    {"type": ["string", "null"]},
		"chapterUrl":      {"type": "string", "minLength": 1},
		"sourceChapterId": {"type": ["string", "null"]},
		"publishedAt":     {"type": ["string", "null"]},
		"isRecovery":      {"type": "boolean"},
		"traceId":         {"type": "string"}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		panic(fmt.Sprintf("event schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("chapter_event.json", doc); err != nil {
		panic(fmt.Sprintf("event schema: %v", err))
	}
	sch, err := c.Compile("chapter_event.json")
	if err != nil {
		panic(fmt.Sprintf("event schema: %v", err))
	}
	return sch
}

// ParseEvent validates and decodes a raw announcement payload. Any
// failure is a *ValidationError naming the offending field.
func ParseEvent(raw []byte) (*ChapterEvent, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "malformed JSON"}
	}
	if err := compiledSchema.Validate(inst); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}

	obj, ok := inst.(map[string]any)
	if !ok {
		return nil, &ValidationError{Field: "payload", Reason: "not an object"}
	}

	ev := &ChapterEvent{
		SeriesSourceID:  stringField(obj, "seriesSourceId"),
		SeriesID:        stringField(obj, "seriesId"),
		ChapterNumber:   obj["chapterNumber"],
		ChapterSlug:     stringField(obj, "chapterSlug"),
		ChapterTitle:    stringField(obj, "chapterTitle"),
		ChapterURL:      stringField(obj, "chapterUrl"),
		SourceChapterID: stringField(obj, "sourceChapterId"),
		PublishedAt:     stringField(obj, "publishedAt"),
		TraceID:         stringField(obj, "traceId"),
	}
	if rec, ok := obj["isRecovery"].(bool); ok {
		ev.IsRecovery = rec
	}

	if _, err := uuid.Parse(ev.SeriesSourceID); err != nil {
		return nil, &ValidationError{Field: "seriesSourceId", Reason: "not a UUID"}
	}
	if _, err := uuid.Parse(ev.SeriesID); err != nil {
		return nil, &ValidationError{Field: "seriesId", Reason: "not a UUID"}
	}

	u, err := url.ParseRequestURI(ev.ChapterURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ValidationError{Field: "chapterUrl", Reason: "not a well-formed http(s) URL"}
	}

	if ev.PublishedAt != "" {
		if _, err := time.Parse(time.RFC3339, ev.PublishedAt); err != nil {
			return nil, &ValidationError{Field: "publishedAt", Reason: "not an ISO date string"}
		}
	}

	return ev, nil
}

func stringField(obj map[string]any, key string) string {
	if s, ok := obj[key].(string); ok {
		return s
	}
	return ""
}
