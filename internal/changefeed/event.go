package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"peersupport/api/internal/spaces"
	"peersupport/api/internal/store"
)

type Table string

const (
	TablePosts    Table = "posts"
	TableComments Table = "comments"
)

type Operation string

const (
	OpInsert Operation = "INSERT"
	OpDelete Operation = "DELETE"
)

var ErrMissingRecord = errors.New("change event has no row")

// Event is one row-level change. Inserts carry the new row in Record;
// deletes carry the removed row in OldRecord.
type Event struct {
	Table           Table           `json:"table"`
	Type            Operation       `json:"type"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
}

type rowPayload struct {
	ID         string `json:"id"`
	Space      string `json:"space"`
	PostID     string `json:"post_id"`
	AuthorName string `json:"user_name"`
	Text       string `json:"text"`
	Emotion    string `json:"emotion"`
	CreatedAt  string `json:"created_at"`
}

func (e Event) row() (rowPayload, error) {
	raw := e.Record
	if e.Type == OpDelete {
		raw = e.OldRecord
	}
	if len(raw) == 0 || string(raw) == "null" {
		return rowPayload{}, ErrMissingRecord
	}
	var row rowPayload
	if err := json.Unmarshal(raw, &row); err != nil {
		return rowPayload{}, fmt.Errorf("decode %s row: %w", e.Table, err)
	}
	if row.ID == "" {
		return rowPayload{}, fmt.Errorf("decode %s row: missing id", e.Table)
	}
	return row, nil
}

// RowID returns the id of the affected row.
func (e Event) RowID() (string, error) {
	row, err := e.row()
	if err != nil {
		return "", err
	}
	return row.ID, nil
}

func (e Event) Post() (store.Post, error) {
	row, err := e.row()
	if err != nil {
		return store.Post{}, err
	}
	createdAt, err := parseTimestamp(row.CreatedAt)
	if err != nil {
		return store.Post{}, err
	}
	return store.Post{
		ID:         row.ID,
		Space:      spaces.Space(row.Space),
		AuthorName: row.AuthorName,
		Text:       row.Text,
		Emotion:    row.Emotion,
		CreatedAt:  createdAt,
	}, nil
}

func (e Event) Comment() (store.Comment, error) {
	row, err := e.row()
	if err != nil {
		return store.Comment{}, err
	}
	createdAt, err := parseTimestamp(row.CreatedAt)
	if err != nil {
		return store.Comment{}, err
	}
	return store.Comment{
		ID:         row.ID,
		PostID:     row.PostID,
		AuthorName: row.AuthorName,
		Text:       row.Text,
		Emotion:    row.Emotion,
		CreatedAt:  createdAt,
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02T15:04:05.999999",
}

// parseTimestamp accepts the encodings produced by row_to_json and by
// Supabase Realtime. An empty value is returned as the zero time.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse created_at %q", value)
}
