package feedcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peersupport/api/internal/spaces"
	"peersupport/api/internal/store"
)

func TestDeleteIsIdempotent(t *testing.T) {
	build := func() *Cache {
		c := New()
		c.ApplyPostInserted(post("p1", spaces.Anxiety, 0))
		c.ApplyPostInserted(post("p2", spaces.Anxiety, time.Second))
		c.ApplyCommentInserted(comment("c1", "p2", 2*time.Second))
		c.ApplyCommentInserted(comment("c2", "p2", 3*time.Second))
		return c
	}

	once := build()
	once.ApplyPostDeleted("p1")
	once.ApplyCommentDeleted("c1")

	twice := build()
	assert.Equal(t, OutcomeApplied, twice.ApplyPostDeleted("p1"))
	assert.Equal(t, OutcomeAbsent, twice.ApplyPostDeleted("p1"))
	assert.Equal(t, OutcomeApplied, twice.ApplyCommentDeleted("c1"))
	assert.Equal(t, OutcomeAbsent, twice.ApplyCommentDeleted("c1"))

	assert.Equal(t, once.Posts(spaces.Anxiety), twice.Posts(spaces.Anxiety))
	assert.Equal(t, once.Stats(), twice.Stats())
}

func TestDeletingAbsentIDIsSilent(t *testing.T) {
	c := New()
	assert.Equal(t, OutcomeAbsent, c.ApplyPostDeleted("ghost"))
	assert.Equal(t, OutcomeAbsent, c.ApplyCommentDeleted("ghost-comment"))
	assert.Equal(t, 0, c.Stats().Posts)
}

func TestOwnInsertEventConfirmsPendingPost(t *testing.T) {
	obs := &recordingObserver{}
	c := New(WithObserver(obs))

	local := post("p1", spaces.Anxiety, 0)
	require.True(t, c.AddPendingPost(local))
	view, _ := c.Post("p1")
	assert.True(t, view.Pending)

	server := local
	server.CreatedAt = base.Add(500 * time.Millisecond)
	assert.Equal(t, OutcomeConfirmed, c.ApplyPostInserted(server))
	assert.Equal(t, OutcomeDuplicate, c.ApplyPostInserted(server))

	views := c.Posts(spaces.Anxiety)
	require.Len(t, views, 1)
	assert.False(t, views[0].Pending)
	assert.Equal(t, server.CreatedAt, views[0].CreatedAt)
	assert.Equal(t, []string{"post_insert:confirmed", "post_insert:duplicate"}, obs.events)
}

func TestOwnInsertEventConfirmsPendingComment(t *testing.T) {
	c := New()
	c.ApplyPostInserted(post("p1", spaces.Anxiety, 0))
	require.True(t, c.AddPendingComment(comment("c1", "p1", time.Second)))

	assert.Equal(t, OutcomeConfirmed, c.ApplyCommentInserted(comment("c1", "p1", 2*time.Second)))
	assert.Equal(t, OutcomeDuplicate, c.ApplyCommentInserted(comment("c1", "p1", 2*time.Second)))

	view, _ := c.Post("p1")
	require.Len(t, view.Comments, 1)
	assert.False(t, view.Comments[0].Pending)
}

func TestPendingCommentNeedsCachedParent(t *testing.T) {
	c := New()
	assert.False(t, c.AddPendingComment(comment("c1", "missing", 0)))
	assert.Equal(t, 0, c.Stats().Comments)
}

func TestSettleRepositionsWithServerTimestampButStaysPending(t *testing.T) {
	c := New()
	c.ApplyPostInserted(post("older", spaces.Anxiety, 10*time.Second))
	require.True(t, c.AddPendingPost(post("mine", spaces.Anxiety, time.Minute)))
	assert.Equal(t, []string{"mine", "older"}, postIDs(c.Posts(spaces.Anxiety)))

	settled := post("mine", spaces.Anxiety, 0)
	require.True(t, c.SettlePost(settled))

	views := c.Posts(spaces.Anxiety)
	assert.Equal(t, []string{"older", "mine"}, postIDs(views))
	assert.True(t, views[1].Pending)
}

func TestRejectRemovesOnlyPendingEntries(t *testing.T) {
	c := New()
	require.True(t, c.AddPendingPost(post("p1", spaces.Anxiety, 0)))
	require.True(t, c.AddPendingComment(comment("c1", "p1", time.Second)))

	assert.True(t, c.RejectComment("c1"))
	assert.True(t, c.RejectPost("p1"))
	assert.Empty(t, c.Posts(spaces.Anxiety))
	assert.Equal(t, Stats{Spaces: 1}, c.Stats())

	c.ApplyPostInserted(post("p2", spaces.Anxiety, 0))
	assert.False(t, c.RejectPost("p2"))
	assert.Len(t, c.Posts(spaces.Anxiety), 1)
}

func TestRejectedPostCanStillArriveFromTheFeed(t *testing.T) {
	c := New()
	require.True(t, c.AddPendingPost(post("p1", spaces.Anxiety, 0)))
	require.True(t, c.RejectPost("p1"))

	assert.Equal(t, OutcomeApplied, c.ApplyPostInserted(post("p1", spaces.Anxiety, 0)))
}

func TestPostDeleteCascadesNPlusOneEntries(t *testing.T) {
	c := New()
	c.ApplyPostInserted(post("keep", spaces.Anxiety, 0))
	c.ApplyPostInserted(post("p1", spaces.Anxiety, time.Second))
	const n = 4
	for i := 0; i < n; i++ {
		c.ApplyCommentInserted(comment(string(rune('a'+i)), "p1", time.Duration(i+2)*time.Second))
	}
	before := c.Stats()

	assert.Equal(t, OutcomeApplied, c.ApplyPostDeleted("p1"))

	after := c.Stats()
	removed := (before.Posts - after.Posts) + (before.Comments - after.Comments)
	assert.Equal(t, n+1, removed)
	assert.Equal(t, []string{"keep"}, postIDs(c.Posts(spaces.Anxiety)))
	for i := 0; i < n; i++ {
		_, ok := c.Comment(string(rune('a' + i)))
		assert.False(t, ok)
	}
}

func TestEventsForDeletedIDsAreStale(t *testing.T) {
	c := New()
	c.ApplyPostInserted(post("p1", spaces.Anxiety, 0))
	c.ApplyCommentInserted(comment("c1", "p1", time.Second))
	c.ApplyPostDeleted("p1")

	assert.Equal(t, OutcomeStale, c.ApplyPostInserted(post("p1", spaces.Anxiety, 0)))
	assert.Equal(t, OutcomeStale, c.ApplyCommentInserted(comment("c1", "p1", time.Second)))
	assert.Equal(t, OutcomeStale, c.ApplyCommentInserted(comment("c9", "p1", time.Second)))
	assert.False(t, c.AddPendingPost(post("p1", spaces.Anxiety, 0)))
	assert.Empty(t, c.Posts(spaces.Anxiety))
	assert.Equal(t, 0, c.Stats().Orphans)
}

func TestCommentBeforeParentIsReplayed(t *testing.T) {
	c := New()
	assert.Equal(t, OutcomeBuffered, c.ApplyCommentInserted(comment("c1", "p1", time.Second)))
	assert.Equal(t, OutcomeDuplicate, c.ApplyCommentInserted(comment("c1", "p1", time.Second)))
	assert.Equal(t, 1, c.Stats().Orphans)

	assert.Equal(t, OutcomeApplied, c.ApplyPostInserted(post("p1", spaces.Anxiety, 0)))

	view, ok := c.Post("p1")
	require.True(t, ok)
	assert.Equal(t, []string{"c1"}, commentIDs(view))
	assert.Equal(t, 0, c.Stats().Orphans)
}

func TestSeedMergesWithEarlierEvents(t *testing.T) {
	c := New()
	c.ApplyPostInserted(post("live", spaces.Anxiety, 2*time.Minute))
	c.ApplyPostInserted(post("both", spaces.Anxiety, time.Minute))
	c.ApplyCommentInserted(comment("c-live", "both", 70*time.Second))
	c.ApplyPostDeleted("gone")
	c.ApplyCommentInserted(comment("c-orphan", "old", 5*time.Second))

	c.Seed(spaces.Anxiety, []store.Thread{
		{Post: post("both", spaces.Anxiety, time.Minute), Comments: []store.Comment{
			comment("c-seed", "both", 65*time.Second),
			comment("c-live", "both", 70*time.Second),
		}},
		{Post: post("gone", spaces.Anxiety, 30*time.Second)},
		{Post: post("old", spaces.Anxiety, 0)},
	})

	views := c.Posts(spaces.Anxiety)
	assert.Equal(t, []string{"live", "both", "old"}, postIDs(views))
	assert.Equal(t, []string{"c-seed", "c-live"}, commentIDs(views[1]))
	assert.Equal(t, []string{"c-orphan"}, commentIDs(views[2]))
}

func TestSeedConfirmsPendingPosts(t *testing.T) {
	c := New()
	require.True(t, c.AddPendingPost(post("mine", spaces.Anxiety, 0)))
	c.Seed(spaces.Anxiety, []store.Thread{{Post: post("mine", spaces.Anxiety, time.Second)}})

	views := c.Posts(spaces.Anxiety)
	require.Len(t, views, 1)
	assert.False(t, views[0].Pending)
}

func TestRemoveAndRestorePost(t *testing.T) {
	c := New()
	c.ApplyPostInserted(post("p1", spaces.Anxiety, 0))
	c.ApplyCommentInserted(comment("c1", "p1", time.Second))
	c.ApplyCommentInserted(comment("c2", "p1", 2*time.Second))

	receipt, ok := c.RemovePost("p1")
	require.True(t, ok)
	assert.Empty(t, c.Posts(spaces.Anxiety))

	// One comment is removed remotely while the post delete is in flight.
	c.ApplyCommentDeleted("c2")

	require.True(t, c.Restore(receipt))
	view, ok := c.Post("p1")
	require.True(t, ok)
	assert.Equal(t, []string{"c1"}, commentIDs(view))
	assert.Equal(t, 1, c.Stats().Comments)
}

func TestRestoreLosesToRemoteDelete(t *testing.T) {
	c := New()
	c.ApplyPostInserted(post("p1", spaces.Anxiety, 0))
	receipt, ok := c.RemovePost("p1")
	require.True(t, ok)

	assert.Equal(t, OutcomeAbsent, c.ApplyPostDeleted("p1"))
	assert.False(t, c.Restore(receipt))
	assert.Empty(t, c.Posts(spaces.Anxiety))
}

func TestRemoveAndRestoreComment(t *testing.T) {
	c := New()
	c.ApplyPostInserted(post("p1", spaces.Anxiety, 0))
	c.ApplyCommentInserted(comment("c1", "p1", time.Second))
	c.ApplyCommentInserted(comment("c2", "p1", 2*time.Second))

	receipt, ok := c.RemoveComment("c1")
	require.True(t, ok)
	view, _ := c.Post("p1")
	assert.Equal(t, []string{"c2"}, commentIDs(view))

	require.True(t, c.Restore(receipt))
	view, _ = c.Post("p1")
	assert.Equal(t, []string{"c1", "c2"}, commentIDs(view))

	_, ok = c.RemoveComment("missing")
	assert.False(t, ok)
	assert.False(t, c.Restore(Removal{}))
}

func TestAnonymousAuthorFallback(t *testing.T) {
	c := New()
	p := post("p1", spaces.Anxiety, 0)
	p.AuthorName = ""
	c.ApplyPostInserted(p)
	cm := comment("c1", "p1", time.Second)
	cm.AuthorName = ""
	c.ApplyCommentInserted(cm)

	view, _ := c.Post("p1")
	assert.Equal(t, store.AnonymousAuthor, view.AuthorName)
	assert.Equal(t, store.AnonymousAuthor, view.Comments[0].AuthorName)
}
