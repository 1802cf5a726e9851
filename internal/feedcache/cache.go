// Package feedcache holds the in-memory view of every feed space and is the
// only place where that view changes. Local optimistic writes and change-feed
// events are merged here by id, so duplicates, late deletes and comments that
// arrive before their post all converge on the same state.
package feedcache

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"peersupport/api/internal/spaces"
	"peersupport/api/internal/store"
)

const (
	DefaultOrphanRetention = 30 * time.Second
	DefaultOrphanLimit     = 1024
)

// Outcome describes what the cache did with one instruction.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeBuffered  Outcome = "buffered"
	OutcomeAbsent    Outcome = "absent"
	OutcomeDropped   Outcome = "dropped"
)

// Observer receives one call per reconciled event. Implementations must not
// call back into the cache.
type Observer interface {
	ObserveEvent(kind, outcome string)
}

type Option func(*Cache)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(c *Cache) { c.observer = observer }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithOrphanRetention(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.retention = d
		}
	}
}

func WithOrphanLimit(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.orphanLimit = n
		}
	}
}

type origin int

const (
	originLocal origin = iota + 1
	originRemote
)

type commentEntry struct {
	comment store.Comment
	seq     uint64
	pending bool
}

type postEntry struct {
	post     store.Post
	seq      uint64
	pending  bool
	comments []*commentEntry
}

type bucket struct {
	loaded bool
	posts  []*postEntry
}

// Cache is safe for concurrent use. Every mutation happens under one write
// lock, so a reader never sees a half-applied cascade.
type Cache struct {
	mu sync.RWMutex

	logger      *zap.Logger
	observer    Observer
	now         func() time.Time
	retention   time.Duration
	orphanLimit int

	seq           uint64
	buckets       map[spaces.Space]*bucket
	posts         map[string]*postEntry
	commentParent map[string]string
	tombstones    map[string]origin
	orphans       map[string][]orphan
	orphanCount   int
}

func New(opts ...Option) *Cache {
	c := &Cache{
		logger:        zap.NewNop(),
		now:           time.Now,
		retention:     DefaultOrphanRetention,
		orphanLimit:   DefaultOrphanLimit,
		buckets:       make(map[spaces.Space]*bucket),
		posts:         make(map[string]*postEntry),
		commentParent: make(map[string]string),
		tombstones:    make(map[string]origin),
		orphans:       make(map[string][]orphan),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type CommentView struct {
	store.Comment
	Pending bool `json:"pending"`
}

type PostView struct {
	store.Post
	Pending  bool          `json:"pending"`
	Comments []CommentView `json:"comments"`
}

type Stats struct {
	Spaces     int `json:"spaces"`
	Posts      int `json:"posts"`
	Comments   int `json:"comments"`
	Pending    int `json:"pending"`
	Orphans    int `json:"orphans"`
	Tombstones int `json:"tombstones"`
}

// Posts returns a snapshot of space, newest post first. The result is never
// nil and shares nothing with the cache.
func (c *Cache) Posts(space spaces.Space) []PostView {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := c.buckets[space]
	if b == nil {
		return []PostView{}
	}
	out := make([]PostView, 0, len(b.posts))
	for _, entry := range b.posts {
		out = append(out, entry.view())
	}
	return out
}

func (c *Cache) Post(id string) (PostView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.posts[id]
	if !ok {
		return PostView{}, false
	}
	return entry.view(), true
}

func (c *Cache) Comment(id string) (CommentView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	parent, ok := c.posts[c.commentParent[id]]
	if !ok {
		return CommentView{}, false
	}
	for _, ce := range parent.comments {
		if ce.comment.ID == id {
			return ce.view(), true
		}
	}
	return CommentView{}, false
}

// Loaded reports whether space has been seeded from the store.
func (c *Cache) Loaded(space spaces.Space) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := c.buckets[space]
	return b != nil && b.loaded
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		Spaces:     len(c.buckets),
		Posts:      len(c.posts),
		Comments:   len(c.commentParent),
		Orphans:    c.orphanCount,
		Tombstones: len(c.tombstones),
	}
	for _, entry := range c.posts {
		if entry.pending {
			stats.Pending++
		}
		for _, ce := range entry.comments {
			if ce.pending {
				stats.Pending++
			}
		}
	}
	return stats
}

func (e *postEntry) view() PostView {
	v := PostView{Post: e.post, Pending: e.pending, Comments: make([]CommentView, 0, len(e.comments))}
	for _, ce := range e.comments {
		v.Comments = append(v.Comments, ce.view())
	}
	return v
}

func (e *commentEntry) view() CommentView {
	return CommentView{Comment: e.comment, Pending: e.pending}
}

func (c *Cache) nextSeq() uint64 {
	c.seq++
	return c.seq
}

func (c *Cache) bucketFor(space spaces.Space) *bucket {
	b := c.buckets[space]
	if b == nil {
		b = &bucket{}
		c.buckets[space] = b
	}
	return b
}

// postBefore orders newest first; a later-observed post wins a tie.
func postBefore(a, b *postEntry) bool {
	if !a.post.CreatedAt.Equal(b.post.CreatedAt) {
		return a.post.CreatedAt.After(b.post.CreatedAt)
	}
	return a.seq > b.seq
}

// commentBefore orders oldest first; an earlier-observed comment wins a tie.
func commentBefore(a, b *commentEntry) bool {
	if !a.comment.CreatedAt.Equal(b.comment.CreatedAt) {
		return a.comment.CreatedAt.Before(b.comment.CreatedAt)
	}
	return a.seq < b.seq
}

func insertPost(list []*postEntry, entry *postEntry) []*postEntry {
	i := sort.Search(len(list), func(i int) bool { return postBefore(entry, list[i]) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = entry
	return list
}

func insertComment(list []*commentEntry, entry *commentEntry) []*commentEntry {
	i := sort.Search(len(list), func(i int) bool { return commentBefore(entry, list[i]) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = entry
	return list
}

func dropPost(list []*postEntry, id string) []*postEntry {
	for i, entry := range list {
		if entry.post.ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func dropComment(list []*commentEntry, id string) ([]*commentEntry, *commentEntry) {
	for i, entry := range list {
		if entry.comment.ID == id {
			return append(list[:i], list[i+1:]...), entry
		}
	}
	return list, nil
}

func (c *Cache) observe(kind string, outcome Outcome) {
	if c.observer != nil {
		c.observer.ObserveEvent(kind, string(outcome))
	}
}
