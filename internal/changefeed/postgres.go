package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DefaultChannel is the NOTIFY channel written by the notify_feed_change
// trigger.
const DefaultChannel = "feed_changes"

// PostgresSource reads trigger notifications over LISTEN/NOTIFY. It holds one
// pooled connection for the lifetime of each stream.
type PostgresSource struct {
	pool    *pgxpool.Pool
	channel string
	logger  *zap.Logger
}

func NewPostgresSource(pool *pgxpool.Pool, channel string, logger *zap.Logger) *PostgresSource {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSource{pool: pool, channel: channel, logger: logger}
}

func (s *PostgresSource) Stream(ctx context.Context, tables []Table, sink Sink) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	channel := pgx.Identifier{s.channel}.Sanitize()
	defer func() {
		cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(cleanup, "UNLISTEN "+channel); err != nil {
			// A connection that cannot unlisten must not go back to the pool.
			_ = conn.Conn().Close(cleanup)
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("listen %s: %w", s.channel, err)
	}
	sink.Ready()

	wanted := tableSet(tables)
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
			s.logger.Warn("skipping malformed notification", zap.Error(err))
			continue
		}
		if !wanted[ev.Table] {
			continue
		}
		sink.Deliver(ev)
	}
}

func tableSet(tables []Table) map[Table]bool {
	set := make(map[Table]bool, len(tables))
	for _, table := range tables {
		set[table] = true
	}
	return set
}
