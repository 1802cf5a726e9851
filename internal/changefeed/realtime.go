package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	phxJoin      = "phx_join"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	pgChanges    = "postgres_changes"

	defaultHeartbeat = 25 * time.Second
)

// RealtimeSource streams postgres_changes from Supabase Realtime. Each table
// is joined on its own channel (posts-changes, comments-changes).
type RealtimeSource struct {
	endpoint  string
	apiKey    string
	schema    string
	heartbeat time.Duration
	dialer    *websocket.Dialer
	logger    *zap.Logger
}

type RealtimeOption func(*RealtimeSource)

func WithHeartbeat(d time.Duration) RealtimeOption {
	return func(s *RealtimeSource) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

func WithRealtimeLogger(logger *zap.Logger) RealtimeOption {
	return func(s *RealtimeSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRealtimeSource derives the websocket endpoint from the project URL,
// e.g. https://xyz.supabase.co becomes wss://xyz.supabase.co/realtime/v1/websocket.
func NewRealtimeSource(projectURL, apiKey string, opts ...RealtimeOption) (*RealtimeSource, error) {
	u, err := url.Parse(strings.TrimRight(projectURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse supabase url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported supabase url scheme %q", u.Scheme)
	}
	u.Path += "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	s := &RealtimeSource{
		endpoint:  u.String(),
		apiKey:    apiKey,
		schema:    "public",
		heartbeat: defaultHeartbeat,
		dialer:    websocket.DefaultDialer,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type phxReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type pgChangesPayload struct {
	Data struct {
		Schema          string          `json:"schema"`
		Table           string          `json:"table"`
		Type            string          `json:"type"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
		CommitTimestamp string          `json:"commit_timestamp"`
	} `json:"data"`
}

// ChannelTopic is the Realtime topic a table is joined on.
func ChannelTopic(table Table) string {
	return "realtime:" + string(table) + "-changes"
}

func (s *RealtimeSource) Stream(ctx context.Context, tables []Table, sink Sink) error {
	conn, _, err := s.dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	defer conn.Close()

	var (
		writeMu sync.Mutex
		ref     int
	)
	send := func(topic, event string, payload any) (string, error) {
		writeMu.Lock()
		defer writeMu.Unlock()
		ref++
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		msg := phxMessage{Topic: topic, Event: event, Payload: raw, Ref: strconv.Itoa(ref)}
		if event == phxJoin {
			msg.JoinRef = msg.Ref
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return msg.Ref, conn.WriteJSON(msg)
	}

	joins := make(map[string]string, len(tables))
	for _, table := range tables {
		payload := map[string]any{
			"config": map[string]any{
				"broadcast": map[string]any{"self": false},
				"presence":  map[string]any{"key": ""},
				"postgres_changes": []map[string]string{
					{"event": "*", "schema": s.schema, "table": string(table)},
				},
			},
			"access_token": s.apiKey,
		}
		joinRef, err := send(ChannelTopic(table), phxJoin, payload)
		if err != nil {
			return fmt.Errorf("join %s: %w", table, err)
		}
		joins[joinRef] = ChannelTopic(table)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				// Unblock the read loop.
				_ = conn.Close()
				return
			case <-ticker.C:
				if _, err := send("phoenix", phxHeartbeat, map[string]any{}); err != nil {
					s.logger.Warn("realtime heartbeat failed", zap.Error(err))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	wanted := tableSet(tables)
	pendingJoins := len(joins)
	if pendingJoins == 0 {
		sink.Ready()
	}
	for {
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read realtime: %w", err)
		}

		switch msg.Event {
		case phxReply:
			topic, isJoin := joins[msg.Ref]
			if !isJoin {
				continue
			}
			var reply phxReplyPayload
			if err := json.Unmarshal(msg.Payload, &reply); err != nil {
				return fmt.Errorf("decode join reply: %w", err)
			}
			if reply.Status != "ok" {
				return fmt.Errorf("join %s rejected: %s", topic, string(reply.Response))
			}
			delete(joins, msg.Ref)
			pendingJoins--
			if pendingJoins == 0 {
				sink.Ready()
			}
		case pgChanges:
			var payload pgChangesPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				s.logger.Warn("skipping malformed realtime change", zap.Error(err))
				continue
			}
			ev := Event{
				Table:           Table(payload.Data.Table),
				Type:            Operation(strings.ToUpper(payload.Data.Type)),
				Record:          payload.Data.Record,
				OldRecord:       payload.Data.OldRecord,
				CommitTimestamp: payload.Data.CommitTimestamp,
			}
			if !wanted[ev.Table] {
				continue
			}
			sink.Deliver(ev)
		case phxError, phxClose:
			return fmt.Errorf("realtime channel %s closed: %s", msg.Topic, msg.Event)
		default:
			// system, presence_state and other channel chatter.
		}
	}
}
