// Package changefeed delivers row-level insert and delete events for the feed
// tables. A Client multiplexes any number of subscriptions over one
// connection to a Source and keeps that connection alive across transient
// failures. Events missed while disconnected are not replayed.
package changefeed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Sink receives the output of a Source. Deliver is called from a single
// goroutine, so events reach subscribers in the order the source read them.
type Sink interface {
	Ready()
	Deliver(Event)
}

// Source streams events for tables until ctx is done or the connection
// fails. It returns a non-nil error in both cases.
type Source interface {
	Stream(ctx context.Context, tables []Table, sink Sink) error
}

// Metrics is implemented by internal/metrics.
type Metrics interface {
	SetChangeFeedConnected(bool)
	IncChangeFeedReconnects()
}

type Handler func(Event)

type Handle uint64

type subscription struct {
	table    Table
	onInsert Handler
	onDelete Handler
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBackoff bounds the delay between reconnect attempts.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		if min > 0 {
			c.minBackoff = min
		}
		if max >= c.minBackoff {
			c.maxBackoff = max
		}
	}
}

type Client struct {
	source     Source
	logger     *zap.Logger
	metrics    Metrics
	minBackoff time.Duration
	maxBackoff time.Duration

	connected atomic.Bool

	mu          sync.Mutex
	nextHandle  Handle
	subs        map[Handle]subscription
	stop        context.CancelFunc
	done        chan struct{}
	cancelTry   context.CancelFunc
	streaming   map[Table]bool
	resubscribe bool
}

func NewClient(source Source, opts ...Option) *Client {
	c := &Client{
		source:     source,
		logger:     zap.NewNop(),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		subs:       make(map[Handle]subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers handlers for inserts and deletes on table. The first
// subscription opens the stream. Either handler may be nil.
func (c *Client) Subscribe(table Table, onInsert, onDelete Handler) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextHandle++
	h := c.nextHandle
	c.subs[h] = subscription{table: table, onInsert: onInsert, onDelete: onDelete}

	switch {
	case c.stop == nil:
		ctx, cancel := context.WithCancel(context.Background())
		c.stop = cancel
		c.done = make(chan struct{})
		go c.run(ctx, c.done)
	case !c.streaming[table] && c.cancelTry != nil:
		// Reconnect so the new table is part of the stream.
		c.resubscribe = true
		c.cancelTry()
	}
	return h
}

// Unsubscribe removes a subscription. Removing the last one closes the
// stream. Unknown handles are ignored.
func (c *Client) Unsubscribe(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[h]; !ok {
		return
	}
	delete(c.subs, h)
	if len(c.subs) == 0 && c.stop != nil {
		c.stop()
		c.stop = nil
	}
}

// Connected reports whether the stream is currently established.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close drops every subscription and waits for the stream to stop.
func (c *Client) Close() {
	c.mu.Lock()
	c.subs = make(map[Handle]subscription)
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := &backoff.Backoff{Min: c.minBackoff, Max: c.maxBackoff, Factor: 2, Jitter: true}
	for {
		attempt, cancel := context.WithCancel(ctx)
		tables := c.beginAttempt(cancel)
		err := c.source.Stream(attempt, tables, &clientSink{client: c, backoff: b})
		cancel()
		c.setConnected(false)

		if ctx.Err() != nil {
			c.logger.Info("change feed stopped")
			return
		}
		if c.takeResubscribe() {
			continue
		}
		if err == nil {
			err = errors.New("stream ended")
		}
		wait := b.Duration()
		c.logger.Warn("change feed disconnected",
			zap.Error(err),
			zap.Duration("retry_in", wait),
			zap.Float64("attempt", b.Attempt()),
		)
		if c.metrics != nil {
			c.metrics.IncChangeFeedReconnects()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info("change feed stopped")
			return
		case <-timer.C:
		}
	}
}

func (c *Client) beginAttempt(cancel context.CancelFunc) []Table {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelTry = cancel
	c.resubscribe = false
	c.streaming = make(map[Table]bool)
	tables := make([]Table, 0, 2)
	for _, table := range []Table{TablePosts, TableComments} {
		for _, sub := range c.subs {
			if sub.table == table {
				c.streaming[table] = true
				tables = append(tables, table)
				break
			}
		}
	}
	return tables
}

func (c *Client) takeResubscribe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	again := c.resubscribe
	c.resubscribe = false
	return again
}

func (c *Client) setConnected(up bool) {
	if c.connected.Swap(up) == up {
		return
	}
	if c.metrics != nil {
		c.metrics.SetChangeFeedConnected(up)
	}
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.table != ev.Table {
			continue
		}
		switch ev.Type {
		case OpInsert:
			if sub.onInsert != nil {
				handlers = append(handlers, sub.onInsert)
			}
		case OpDelete:
			if sub.onDelete != nil {
				handlers = append(handlers, sub.onDelete)
			}
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

type clientSink struct {
	client  *Client
	backoff *backoff.Backoff
}

func (s *clientSink) Ready() {
	s.backoff.Reset()
	s.client.setConnected(true)
	s.client.logger.Info("change feed connected")
}

func (s *clientSink) Deliver(ev Event) {
	s.client.dispatch(ev)
}
