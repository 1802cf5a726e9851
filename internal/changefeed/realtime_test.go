package changefeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSink struct {
	ready  chan struct{}
	events chan Event
}

func newChanSink() *chanSink {
	return &chanSink{ready: make(chan struct{}, 1), events: make(chan Event, 8)}
}

func (s *chanSink) Ready()          { s.ready <- struct{}{} }
func (s *chanSink) Deliver(e Event) { s.events <- e }

// realtimeServer joins every channel and then pushes one change per table.
func realtimeServer(t *testing.T, rejectJoin bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realtime/v1/websocket", r.URL.Path)
		assert.Equal(t, "anon-key", r.URL.Query().Get("apikey"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		joined := 0
		for joined < 2 {
			var msg phxMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Event != phxJoin {
				continue
			}
			assert.True(t, strings.HasPrefix(msg.Topic, "realtime:"))
			status := "ok"
			if rejectJoin {
				status = "error"
			}
			reply, _ := json.Marshal(phxReplyPayload{Status: status, Response: json.RawMessage(`{}`)})
			_ = conn.WriteJSON(phxMessage{Topic: msg.Topic, Event: phxReply, Payload: reply, Ref: msg.Ref})
			joined++
		}

		changes := []string{
			`{"data":{"schema":"public","table":"posts","type":"INSERT","commit_timestamp":"2026-10-01T09:00:00Z","record":{"id":"p1","space":"Anxiety","created_at":"2026-10-01T09:00:00+00:00"},"old_record":{}}}`,
			`{"data":{"schema":"public","table":"comments","type":"DELETE","commit_timestamp":"2026-10-01T09:00:01Z","record":{},"old_record":{"id":"c1","post_id":"p1"}}}`,
		}
		_ = conn.WriteJSON(phxMessage{Topic: "realtime:posts-changes", Event: "presence_state", Payload: json.RawMessage(`{}`)})
		for i, change := range changes {
			topic := ChannelTopic(TablePosts)
			if i == 1 {
				topic = ChannelTopic(TableComments)
			}
			_ = conn.WriteJSON(phxMessage{Topic: topic, Event: pgChanges, Payload: json.RawMessage(change)})
		}

		// Hold the socket open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestRealtimeSourceJoinsAndDeliversChanges(t *testing.T) {
	server := realtimeServer(t, false)
	defer server.Close()

	source, err := NewRealtimeSource(server.URL, "anon-key", WithHeartbeat(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := newChanSink()
	done := make(chan error, 1)
	go func() { done <- source.Stream(ctx, []Table{TablePosts, TableComments}, sink) }()

	select {
	case <-sink.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("source never became ready")
	}

	first := <-sink.events
	assert.Equal(t, TablePosts, first.Table)
	assert.Equal(t, OpInsert, first.Type)
	post, err := first.Post()
	require.NoError(t, err)
	assert.Equal(t, "p1", post.ID)

	second := <-sink.events
	assert.Equal(t, OpDelete, second.Type)
	id, err := second.RowID()
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestRealtimeSourceFailsOnRejectedJoin(t *testing.T) {
	server := realtimeServer(t, true)
	defer server.Close()

	source, err := NewRealtimeSource(server.URL, "anon-key")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = source.Stream(ctx, []Table{TablePosts, TableComments}, newChanSink())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestNewRealtimeSourceRejectsUnknownScheme(t *testing.T) {
	_, err := NewRealtimeSource("ftp://example.com", "key")
	assert.Error(t, err)
}
