package feedcache

import (
	"time"

	"go.uber.org/zap"

	"peersupport/api/internal/store"
)

// orphan is a comment event received before its parent post.
type orphan struct {
	comment  store.Comment
	received time.Time
}

func (c *Cache) bufferOrphan(comment store.Comment) Outcome {
	for _, o := range c.orphans[comment.PostID] {
		if o.comment.ID == comment.ID {
			return OutcomeDuplicate
		}
	}
	if c.orphanCount >= c.orphanLimit {
		c.evictOldestOrphan()
	}
	c.orphans[comment.PostID] = append(c.orphans[comment.PostID], orphan{comment: comment, received: c.now()})
	c.orphanCount++
	return OutcomeBuffered
}

// replayOrphans attaches buffered comments to a post that just appeared.
func (c *Cache) replayOrphans(parent *postEntry) {
	pending, ok := c.orphans[parent.post.ID]
	if !ok {
		return
	}
	delete(c.orphans, parent.post.ID)
	c.orphanCount -= len(pending)

	cutoff := c.now().Add(-c.retention)
	for _, o := range pending {
		if o.received.Before(cutoff) {
			c.logDroppedOrphan(o, "expired")
			continue
		}
		if c.isDeleted(o.comment.ID) {
			continue
		}
		if _, exists := c.commentParent[o.comment.ID]; exists {
			continue
		}
		c.attachComment(parent, o.comment, false)
	}
}

func (c *Cache) discardOrphans(postID string) {
	if pending, ok := c.orphans[postID]; ok {
		for _, o := range pending {
			c.tombstones[o.comment.ID] = originRemote
		}
		c.orphanCount -= len(pending)
		delete(c.orphans, postID)
	}
}

func (c *Cache) discardOrphan(commentID string) bool {
	for postID, pending := range c.orphans {
		for i, o := range pending {
			if o.comment.ID != commentID {
				continue
			}
			pending = append(pending[:i], pending[i+1:]...)
			if len(pending) == 0 {
				delete(c.orphans, postID)
			} else {
				c.orphans[postID] = pending
			}
			c.orphanCount--
			return true
		}
	}
	return false
}

func (c *Cache) evictOldestOrphan() {
	var (
		oldestPost  string
		oldestIndex = -1
		oldest      time.Time
	)
	for postID, pending := range c.orphans {
		for i, o := range pending {
			if oldestIndex < 0 || o.received.Before(oldest) {
				oldestPost, oldestIndex, oldest = postID, i, o.received
			}
		}
	}
	if oldestIndex < 0 {
		return
	}
	pending := c.orphans[oldestPost]
	c.logDroppedOrphan(pending[oldestIndex], "buffer full")
	pending = append(pending[:oldestIndex], pending[oldestIndex+1:]...)
	if len(pending) == 0 {
		delete(c.orphans, oldestPost)
	} else {
		c.orphans[oldestPost] = pending
	}
	c.orphanCount--
}

// Sweep drops buffered comments whose parent did not appear within the
// retention window and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.retention)
	dropped := 0
	for postID, pending := range c.orphans {
		kept := pending[:0]
		for _, o := range pending {
			if o.received.Before(cutoff) {
				c.logDroppedOrphan(o, "expired")
				dropped++
				continue
			}
			kept = append(kept, o)
		}
		if len(kept) == 0 {
			delete(c.orphans, postID)
		} else {
			c.orphans[postID] = kept
		}
	}
	c.orphanCount -= dropped
	return dropped
}

func (c *Cache) logDroppedOrphan(o orphan, reason string) {
	c.logger.Info("dropping orphan comment",
		zap.String("comment_id", o.comment.ID),
		zap.String("post_id", o.comment.PostID),
		zap.String("reason", reason),
		zap.Duration("age", c.now().Sub(o.received)),
	)
	c.observe(kindOrphan, OutcomeDropped)
}
