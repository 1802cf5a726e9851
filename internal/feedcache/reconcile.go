package feedcache

import (
	"go.uber.org/zap"

	"peersupport/api/internal/spaces"
	"peersupport/api/internal/store"
)

const (
	kindPostInsert    = "post_insert"
	kindCommentInsert = "comment_insert"
	kindPostDelete    = "post_delete"
	kindCommentDelete = "comment_delete"
	kindSeed          = "seed"
	kindOrphan        = "orphan"
)

// Seed merges a full listing of space into the cache and marks it loaded.
// Rows already known from change events are kept, pending rows found in the
// listing are confirmed and deleted ids are skipped.
func (c *Cache) Seed(space spaces.Space, threads []store.Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucketFor(space)
	b.loaded = true

	// The listing is newest first; walk it backwards so that posts sharing a
	// created_at keep the store's order under the later-observed-first rule.
	added := 0
	for i := len(threads) - 1; i >= 0; i-- {
		thread := threads[i]
		if c.isDeleted(thread.ID) {
			continue
		}
		entry, ok := c.posts[thread.ID]
		switch {
		case !ok:
			entry = &postEntry{post: thread.Post, seq: c.nextSeq()}
			entry.post.Space = space
			c.posts[entry.post.ID] = entry
			b.posts = insertPost(b.posts, entry)
			added++
		case entry.pending:
			c.confirmPost(entry, thread.Post)
		}
		for _, comment := range thread.Comments {
			c.mergeComment(entry, comment)
		}
		c.replayOrphans(entry)
	}
	c.logger.Debug("space seeded",
		zap.String("space", string(space)),
		zap.Int("listed", len(threads)),
		zap.Int("added", added),
	)
	c.observe(kindSeed, OutcomeApplied)
}

// AddPendingPost places a locally created post at its ordered position and
// marks it pending until its insert event arrives.
func (c *Cache) AddPendingPost(post store.Post) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isDeleted(post.ID) {
		return false
	}
	if _, exists := c.posts[post.ID]; exists {
		return false
	}
	entry := &postEntry{post: post, seq: c.nextSeq(), pending: true}
	b := c.bucketFor(post.Space)
	b.posts = insertPost(b.posts, entry)
	c.posts[post.ID] = entry
	c.replayOrphans(entry)
	return true
}

// AddPendingComment attaches a locally created comment to its cached parent.
// It reports false when the parent is not cached.
func (c *Cache) AddPendingComment(comment store.Comment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.posts[comment.PostID]
	if !ok || c.isDeleted(comment.ID) {
		return false
	}
	if _, exists := c.commentParent[comment.ID]; exists {
		return false
	}
	c.attachComment(parent, comment, true)
	return true
}

// SettlePost records the row returned by the store for a pending post. The
// entry stays pending until the change feed confirms it.
func (c *Cache) SettlePost(post store.Post) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.posts[post.ID]
	if !ok {
		return false
	}
	c.refreshPost(entry, post)
	return true
}

func (c *Cache) SettleComment(comment store.Comment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.posts[c.commentParent[comment.ID]]
	if !ok {
		return false
	}
	c.refreshComment(parent, comment)
	return true
}

// RejectPost removes a post whose store insert failed. Confirmed posts are
// left alone: the change feed has already proven the row exists.
func (c *Cache) RejectPost(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.posts[id]
	if !ok || !entry.pending {
		return false
	}
	c.detachPost(entry)
	return true
}

func (c *Cache) RejectComment(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.posts[c.commentParent[id]]
	if !ok {
		return false
	}
	for _, ce := range parent.comments {
		if ce.comment.ID == id {
			if !ce.pending {
				return false
			}
			break
		}
	}
	c.detachComment(parent, id)
	return true
}

// ApplyPostInserted reconciles a post insert event.
func (c *Cache) ApplyPostInserted(post store.Post) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcome := c.applyPostInserted(post)
	c.observe(kindPostInsert, outcome)
	return outcome
}

func (c *Cache) applyPostInserted(post store.Post) Outcome {
	if c.isDeleted(post.ID) {
		return OutcomeStale
	}
	if entry, ok := c.posts[post.ID]; ok {
		if entry.post.Space != post.Space {
			c.logger.Warn("post event space differs from cached entry",
				zap.String("post_id", post.ID),
				zap.String("cached_space", string(entry.post.Space)),
				zap.String("event_space", string(post.Space)),
			)
		}
		if !entry.pending {
			return OutcomeDuplicate
		}
		c.confirmPost(entry, post)
		return OutcomeConfirmed
	}

	entry := &postEntry{post: post, seq: c.nextSeq()}
	if entry.post.AuthorName == "" {
		entry.post.AuthorName = store.AnonymousAuthor
	}
	b := c.bucketFor(post.Space)
	b.posts = insertPost(b.posts, entry)
	c.posts[post.ID] = entry
	c.replayOrphans(entry)
	return OutcomeApplied
}

// ApplyCommentInserted reconciles a comment insert event. A comment whose
// parent is not cached yet is buffered until the parent shows up.
func (c *Cache) ApplyCommentInserted(comment store.Comment) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcome := c.applyCommentInserted(comment)
	c.observe(kindCommentInsert, outcome)
	return outcome
}

func (c *Cache) applyCommentInserted(comment store.Comment) Outcome {
	if c.isDeleted(comment.ID) || c.isDeleted(comment.PostID) {
		return OutcomeStale
	}
	if comment.AuthorName == "" {
		comment.AuthorName = store.AnonymousAuthor
	}
	if parentID, ok := c.commentParent[comment.ID]; ok {
		parent := c.posts[parentID]
		for _, ce := range parent.comments {
			if ce.comment.ID != comment.ID {
				continue
			}
			if !ce.pending {
				return OutcomeDuplicate
			}
			ce.pending = false
			c.refreshComment(parent, comment)
			return OutcomeConfirmed
		}
	}
	parent, ok := c.posts[comment.PostID]
	if !ok {
		return c.bufferOrphan(comment)
	}
	c.attachComment(parent, comment, false)
	return OutcomeApplied
}

// ApplyPostDeleted removes a post and every cached or buffered comment of it.
// Deleting an absent id only records the tombstone.
func (c *Cache) ApplyPostDeleted(id string) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcome := OutcomeAbsent
	if entry, ok := c.posts[id]; ok {
		for _, ce := range entry.comments {
			c.tombstones[ce.comment.ID] = originRemote
		}
		c.detachPost(entry)
		outcome = OutcomeApplied
	}
	c.tombstones[id] = originRemote
	c.discardOrphans(id)
	c.observe(kindPostDelete, outcome)
	return outcome
}

func (c *Cache) ApplyCommentDeleted(id string) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcome := OutcomeAbsent
	if parent, ok := c.posts[c.commentParent[id]]; ok {
		c.detachComment(parent, id)
		outcome = OutcomeApplied
	} else if c.discardOrphan(id) {
		outcome = OutcomeApplied
	}
	c.tombstones[id] = originRemote
	c.observe(kindCommentDelete, outcome)
	return outcome
}

// Removal is the receipt of an optimistic local delete. Restore uses it to
// undo the removal when the store call fails.
type Removal struct {
	post    *postEntry
	parent  string
	comment *commentEntry
}

// RemovePost optimistically removes a post and its comments on behalf of the
// local actor.
func (c *Cache) RemovePost(id string) (Removal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.posts[id]
	if !ok {
		return Removal{}, false
	}
	c.detachPost(entry)
	c.tombstones[id] = originLocal
	for _, ce := range entry.comments {
		c.tombstones[ce.comment.ID] = originLocal
	}
	c.discardOrphans(id)
	return Removal{post: entry}, true
}

func (c *Cache) RemoveComment(id string) (Removal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parentID, ok := c.commentParent[id]
	if !ok {
		return Removal{}, false
	}
	removed := c.detachComment(c.posts[parentID], id)
	if removed == nil {
		return Removal{}, false
	}
	c.tombstones[id] = originLocal
	return Removal{parent: parentID, comment: removed}, true
}

// Restore reverts a local removal unless a delete event for the same id has
// arrived in the meantime.
func (c *Cache) Restore(r Removal) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case r.post != nil:
		id := r.post.post.ID
		if c.tombstones[id] != originLocal {
			return false
		}
		delete(c.tombstones, id)
		kept := r.post.comments[:0]
		for _, ce := range r.post.comments {
			if c.tombstones[ce.comment.ID] != originLocal {
				continue
			}
			delete(c.tombstones, ce.comment.ID)
			c.commentParent[ce.comment.ID] = id
			kept = append(kept, ce)
		}
		r.post.comments = kept
		b := c.bucketFor(r.post.post.Space)
		b.posts = insertPost(b.posts, r.post)
		c.posts[id] = r.post
		return true
	case r.comment != nil:
		id := r.comment.comment.ID
		parent, ok := c.posts[r.parent]
		if !ok || c.tombstones[id] != originLocal {
			return false
		}
		delete(c.tombstones, id)
		parent.comments = insertComment(parent.comments, r.comment)
		c.commentParent[id] = r.parent
		return true
	default:
		return false
	}
}

func (c *Cache) isDeleted(id string) bool {
	_, ok := c.tombstones[id]
	return ok
}

func (c *Cache) confirmPost(entry *postEntry, row store.Post) {
	entry.pending = false
	c.refreshPost(entry, row)
}

// refreshPost copies the server-assigned fields of row into entry. The space
// of a cached post never changes.
func (c *Cache) refreshPost(entry *postEntry, row store.Post) {
	if row.CreatedAt.IsZero() || row.CreatedAt.Equal(entry.post.CreatedAt) {
		return
	}
	b := c.buckets[entry.post.Space]
	b.posts = dropPost(b.posts, entry.post.ID)
	entry.post.CreatedAt = row.CreatedAt
	b.posts = insertPost(b.posts, entry)
}

func (c *Cache) refreshComment(parent *postEntry, row store.Comment) {
	if row.CreatedAt.IsZero() {
		return
	}
	var target *commentEntry
	parent.comments, target = dropComment(parent.comments, row.ID)
	if target == nil {
		return
	}
	target.comment.CreatedAt = row.CreatedAt
	parent.comments = insertComment(parent.comments, target)
}

func (c *Cache) mergeComment(parent *postEntry, comment store.Comment) {
	if c.isDeleted(comment.ID) {
		return
	}
	if _, exists := c.commentParent[comment.ID]; exists {
		for _, ce := range parent.comments {
			if ce.comment.ID != comment.ID {
				continue
			}
			if ce.pending {
				ce.pending = false
				c.refreshComment(parent, comment)
			}
			break
		}
		return
	}
	c.attachComment(parent, comment, false)
}

func (c *Cache) attachComment(parent *postEntry, comment store.Comment, pending bool) {
	comment.PostID = parent.post.ID
	entry := &commentEntry{comment: comment, seq: c.nextSeq(), pending: pending}
	parent.comments = insertComment(parent.comments, entry)
	c.commentParent[comment.ID] = parent.post.ID
}

func (c *Cache) detachPost(entry *postEntry) {
	if b := c.buckets[entry.post.Space]; b != nil {
		b.posts = dropPost(b.posts, entry.post.ID)
	}
	delete(c.posts, entry.post.ID)
	for _, ce := range entry.comments {
		delete(c.commentParent, ce.comment.ID)
	}
}

func (c *Cache) detachComment(parent *postEntry, id string) *commentEntry {
	var removed *commentEntry
	parent.comments, removed = dropComment(parent.comments, id)
	delete(c.commentParent, id)
	return removed
}
