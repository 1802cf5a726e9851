package changefeed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peersupport/api/internal/spaces"
)

func TestDecodeTriggerInsertPayload(t *testing.T) {
	payload := `{"table":"posts","type":"INSERT","record":{"id":"p1","space":"Anxiety","user_name":"MindfulSoul","text":"hello","emotion":"neutral","created_at":"2026-10-01T09:00:00.123456+00:00"},"commit_timestamp":"2026-10-01T09:00:00.2+00:00"}`
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(payload), &ev))

	post, err := ev.Post()
	require.NoError(t, err)
	assert.Equal(t, "p1", post.ID)
	assert.Equal(t, spaces.Anxiety, post.Space)
	assert.Equal(t, "MindfulSoul", post.AuthorName)
	assert.Equal(t, time.Date(2026, 10, 1, 9, 0, 0, 123456000, time.UTC), post.CreatedAt)
}

func TestDeleteReadsOldRecord(t *testing.T) {
	ev := Event{
		Table:     TableComments,
		Type:      OpDelete,
		OldRecord: json.RawMessage(`{"id":"c1","post_id":"p1","created_at":"2026-10-01 09:00:00+00"}`),
	}
	id, err := ev.RowID()
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	comment, err := ev.Comment()
	require.NoError(t, err)
	assert.Equal(t, "p1", comment.PostID)
	assert.False(t, comment.CreatedAt.IsZero())
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
	}{
		{name: "no record", ev: Event{Table: TablePosts, Type: OpInsert}},
		{name: "null record", ev: Event{Table: TablePosts, Type: OpInsert, Record: json.RawMessage(`null`)}},
		{name: "delete without old record", ev: Event{Table: TablePosts, Type: OpDelete, Record: json.RawMessage(`{"id":"p1"}`)}},
		{name: "missing id", ev: Event{Table: TablePosts, Type: OpInsert, Record: json.RawMessage(`{"space":"Anxiety"}`)}},
		{name: "bad timestamp", ev: Event{Table: TablePosts, Type: OpInsert, Record: json.RawMessage(`{"id":"p1","created_at":"yesterday"}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.ev.Post()
			assert.Error(t, err)
		})
	}
}
