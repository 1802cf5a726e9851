package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"peersupport/api/internal/auth"
	"peersupport/api/internal/changefeed"
	"peersupport/api/internal/feedcache"
	"peersupport/api/internal/identity"
	"peersupport/api/internal/rbac"
	"peersupport/api/internal/spaces"
	"peersupport/api/internal/store"
	"peersupport/api/internal/util"
)

// MaxTextLength bounds post and comment bodies in runes. Control characters
// other than newline and tab are stripped first, so each change notification
// stays under the 8000 byte NOTIFY payload limit.
const MaxTextLength = 1500

const (
	defaultSweepInterval    = 10 * time.Second
	defaultBootstrapTimeout = 15 * time.Second
)

// FeedStore is implemented by store.PostgresStore and store.SupabaseStore.
type FeedStore interface {
	InsertPost(context.Context, store.Post) (store.Post, error)
	InsertComment(context.Context, store.Comment) (store.Comment, error)
	DeletePost(context.Context, string) error
	DeleteComment(context.Context, string) error
	ListPosts(context.Context, spaces.Space) ([]store.Thread, error)
	PostSpace(context.Context, string) (spaces.Space, error)
	Ping(context.Context) error
}

type classifier interface {
	Classify(ctx context.Context, text string) string
	IsAcuteDistress(label string) bool
}

type identityResolver interface {
	RoleOf(auth.Caller) rbac.Role
	Resolve(context.Context, auth.Caller) (identity.Identity, error)
	ChoosePseudonym(context.Context, auth.Caller, string) (identity.Identity, error)
}

type cacheGauges interface {
	SetCacheEntries(kind string, n int)
}

type changeFeed interface {
	Subscribe(table changefeed.Table, onInsert, onDelete changefeed.Handler) changefeed.Handle
	Unsubscribe(changefeed.Handle)
	Connected() bool
}

// Deps are the collaborators of a Service. ChangeFeed may be nil, in which
// case pending entries are never confirmed.
type Deps struct {
	Store         FeedStore
	Classifier    classifier
	Identity      identityResolver
	ChangeFeed    changeFeed
	Cache         *feedcache.Cache
	Gauges        cacheGauges
	Logger        *zap.Logger
	SweepInterval time.Duration
	Now           func() time.Time
	NewID         func() string
}

type Service struct {
	store      FeedStore
	classifier classifier
	identity   identityResolver
	feed       changeFeed
	cache      *feedcache.Cache
	gauges     cacheGauges
	logger     *zap.Logger
	sweepEvery time.Duration
	now        func() time.Time
	newID      func() string

	bootstraps singleflight.Group

	subMu      sync.Mutex
	subscribed bool
	closed     bool
	handles    []changefeed.Handle
	closeOnce  sync.Once
}

func New(deps Deps) *Service {
	s := &Service{
		store:      deps.Store,
		classifier: deps.Classifier,
		identity:   deps.Identity,
		feed:       deps.ChangeFeed,
		cache:      deps.Cache,
		gauges:     deps.Gauges,
		logger:     deps.Logger,
		sweepEvery: deps.SweepInterval,
		now:        deps.Now,
		newID:      deps.NewID,
	}
	if s.cache == nil {
		s.cache = feedcache.New()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.sweepEvery <= 0 {
		s.sweepEvery = defaultSweepInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = util.NewID
	}
	return s
}

// CrisisSignal accompanies a write whose text was labelled as acute distress.
type CrisisSignal struct {
	Label     string            `json:"label"`
	Message   string            `json:"message"`
	Resources []spaces.Resource `json:"resources"`
}

type CreatedPost struct {
	Post   feedcache.PostView `json:"post"`
	Crisis *CrisisSignal      `json:"crisis,omitempty"`
}

type CreatedComment struct {
	Comment feedcache.CommentView `json:"comment"`
	Crisis  *CrisisSignal         `json:"crisis,omitempty"`
}

type Feed struct {
	Space     spaces.Space         `json:"space"`
	Posts     []feedcache.PostView `json:"posts"`
	Connected bool                 `json:"connected"`
}

type Directory struct {
	Role      rbac.Role     `json:"role"`
	Spaces    []spaces.Info `json:"spaces"`
	Community []spaces.Info `json:"community"`
}

type Me struct {
	Identity          identity.Identity `json:"identity"`
	PseudonymRequired bool              `json:"pseudonymRequired"`
}

// ListFeed returns the cached feed of space, loading it from the store on
// first use.
func (s *Service) ListFeed(ctx context.Context, caller auth.Caller, space spaces.Space) (Feed, error) {
	role := s.identity.RoleOf(caller)
	if _, err := s.feedSpace(role, space); err != nil {
		return Feed{}, err
	}
	if err := s.ensureBootstrap(ctx, space); err != nil {
		return Feed{}, err
	}
	return Feed{Space: space, Posts: s.cache.Posts(space), Connected: s.connected()}, nil
}

// CreatePost classifies text, shows the post optimistically and writes it to
// the store. The optimistic entry is rolled back if the write fails.
func (s *Service) CreatePost(ctx context.Context, caller auth.Caller, space spaces.Space, text string) (CreatedPost, error) {
	clean, err := s.cleanText(text)
	if err != nil {
		return CreatedPost{}, err
	}
	id, err := s.author(ctx, caller)
	if err != nil {
		return CreatedPost{}, err
	}
	if _, err := s.feedSpace(id.Role, space); err != nil {
		return CreatedPost{}, err
	}
	s.ensureSubscribed()

	label := s.classifier.Classify(ctx, clean)
	post := store.Post{
		ID:         s.newID(),
		Space:      space,
		AuthorName: id.DisplayName,
		Text:       clean,
		Emotion:    label,
		CreatedAt:  s.now().UTC(),
	}
	s.cache.AddPendingPost(post)

	saved, err := s.store.InsertPost(ctx, post)
	if err != nil {
		s.cache.RejectPost(post.ID)
		s.logger.Warn("post insert failed",
			zap.String("post_id", post.ID),
			zap.String("space", string(space)),
			zap.Error(err),
		)
		return CreatedPost{}, domainError(http.StatusBadGateway, CodeCreateFailed, "Post could not be saved; please try again", nil)
	}
	s.cache.SettlePost(saved)

	view, ok := s.cache.Post(post.ID)
	if !ok {
		// Removed by a concurrent delete before this response.
		view = feedcache.PostView{Post: saved, Comments: []feedcache.CommentView{}}
	}
	return CreatedPost{Post: view, Crisis: s.crisisFor(label)}, nil
}

// CreateComment mirrors CreatePost for a reply to a post. A post whose space
// has not been loaded yet is found through the store.
func (s *Service) CreateComment(ctx context.Context, caller auth.Caller, postID, text string) (CreatedComment, error) {
	clean, err := s.cleanText(text)
	if err != nil {
		return CreatedComment{}, err
	}
	id, err := s.author(ctx, caller)
	if err != nil {
		return CreatedComment{}, err
	}
	parent, err := s.parentPost(ctx, id.Role, postID)
	if err != nil {
		return CreatedComment{}, err
	}
	if !spaces.Visible(id.Role, parent.Space) {
		return CreatedComment{}, forbidden("Space is not available to this role")
	}
	s.ensureSubscribed()

	label := s.classifier.Classify(ctx, clean)
	comment := store.Comment{
		ID:         s.newID(),
		PostID:     postID,
		AuthorName: id.DisplayName,
		Text:       clean,
		Emotion:    label,
		CreatedAt:  s.now().UTC(),
	}
	if !s.cache.AddPendingComment(comment) {
		return CreatedComment{}, notFound("Post not found")
	}

	saved, err := s.store.InsertComment(ctx, comment)
	if err != nil {
		s.cache.RejectComment(comment.ID)
		s.logger.Warn("comment insert failed",
			zap.String("comment_id", comment.ID),
			zap.String("post_id", postID),
			zap.Error(err),
		)
		return CreatedComment{}, domainError(http.StatusBadGateway, CodeCreateFailed, "Comment could not be saved; please try again", nil)
	}
	s.cache.SettleComment(saved)

	view, ok := s.cache.Comment(comment.ID)
	if !ok {
		view = feedcache.CommentView{Comment: saved}
	}
	return CreatedComment{Comment: view, Crisis: s.crisisFor(label)}, nil
}

// DeletePost removes a post and its comments. Only admins may delete; the
// check happens before any store call.
func (s *Service) DeletePost(ctx context.Context, caller auth.Caller, postID string) error {
	if !rbac.Can(s.identity.RoleOf(caller), rbac.ActionDelete) {
		return forbidden("Only admins can delete posts")
	}
	s.ensureSubscribed()

	receipt, removed := s.cache.RemovePost(postID)
	if err := s.store.DeletePost(ctx, postID); err != nil {
		if removed {
			s.cache.Restore(receipt)
		}
		s.logger.Warn("post delete failed", zap.String("post_id", postID), zap.Error(err))
		return domainError(http.StatusBadGateway, CodeDeleteFailed, "Post could not be deleted", nil)
	}
	return nil
}

func (s *Service) DeleteComment(ctx context.Context, caller auth.Caller, commentID string) error {
	if !rbac.Can(s.identity.RoleOf(caller), rbac.ActionDelete) {
		return forbidden("Only admins can delete comments")
	}
	s.ensureSubscribed()

	receipt, removed := s.cache.RemoveComment(commentID)
	if err := s.store.DeleteComment(ctx, commentID); err != nil {
		if removed {
			s.cache.Restore(receipt)
		}
		s.logger.Warn("comment delete failed", zap.String("comment_id", commentID), zap.Error(err))
		return domainError(http.StatusBadGateway, CodeDeleteFailed, "Comment could not be deleted", nil)
	}
	return nil
}

func (s *Service) ChoosePseudonym(ctx context.Context, caller auth.Caller, name string) (identity.Identity, error) {
	id, err := s.identity.ChoosePseudonym(ctx, caller, name)
	if errors.Is(err, identity.ErrInvalidPseudonym) {
		return identity.Identity{}, validationError(err.Error(), map[string]any{"max": identity.MaxPseudonymLength})
	}
	return id, err
}

func (s *Service) Me(ctx context.Context, caller auth.Caller) (Me, error) {
	id, err := s.identity.Resolve(ctx, caller)
	if err != nil {
		return Me{}, err
	}
	return Me{Identity: id, PseudonymRequired: !id.Complete()}, nil
}

// Spaces lists the caller's catalog followed by the community catalog, and
// the community catalog on its own for cross-linking.
func (s *Service) Spaces(caller auth.Caller) Directory {
	role := s.identity.RoleOf(caller)
	dir := Directory{Role: role}
	for _, space := range spaces.For(role) {
		if info, ok := spaces.Lookup(space); ok {
			dir.Spaces = append(dir.Spaces, info)
		}
	}
	for _, space := range spaces.Community() {
		if info, ok := spaces.Lookup(space); ok {
			dir.Community = append(dir.Community, info)
		}
	}
	return dir
}

func (s *Service) Space(caller auth.Caller, space spaces.Space) (spaces.Info, error) {
	info, ok := spaces.Lookup(space)
	if !ok {
		return spaces.Info{}, notFound("Space not found")
	}
	if !spaces.Visible(s.identity.RoleOf(caller), space) {
		return spaces.Info{}, forbidden("Space is not available to this role")
	}
	return info, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Status summarizes the cache and the change feed link for readiness checks.
func (s *Service) Status() (feedcache.Stats, bool) {
	return s.cache.Stats(), s.connected()
}

// Run sweeps expired orphan comments and reports cache sizes until ctx is
// done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	s.reportCache()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := s.cache.Sweep(); dropped > 0 {
				s.logger.Info("swept orphan comments", zap.Int("dropped", dropped))
			}
			s.reportCache()
		}
	}
}

func (s *Service) reportCache() {
	if s.gauges == nil {
		return
	}
	stats := s.cache.Stats()
	s.gauges.SetCacheEntries("spaces", stats.Spaces)
	s.gauges.SetCacheEntries("posts", stats.Posts)
	s.gauges.SetCacheEntries("comments", stats.Comments)
	s.gauges.SetCacheEntries("pending", stats.Pending)
	s.gauges.SetCacheEntries("orphans", stats.Orphans)
	s.gauges.SetCacheEntries("tombstones", stats.Tombstones)
}

// Close releases the change feed subscriptions. It is safe to call more than
// once; later calls do nothing.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.subMu.Lock()
		handles := s.handles
		s.handles = nil
		s.closed = true
		s.subMu.Unlock()

		for _, h := range handles {
			s.feed.Unsubscribe(h)
		}
		s.logger.Info("feed session closed", zap.Int("released", len(handles)))
	})
}

func (s *Service) feedSpace(role rbac.Role, space spaces.Space) (spaces.Info, error) {
	info, ok := spaces.Lookup(space)
	if !ok {
		return spaces.Info{}, notFound("Space not found")
	}
	if !spaces.Visible(role, space) {
		return spaces.Info{}, forbidden("Space is not available to this role")
	}
	if info.Kind != spaces.KindFeed {
		return spaces.Info{}, domainError(http.StatusConflict, CodeNotAFeed, "Space does not hold posts", map[string]any{"space": space})
	}
	return info, nil
}

func (s *Service) author(ctx context.Context, caller auth.Caller) (identity.Identity, error) {
	id, err := s.identity.Resolve(ctx, caller)
	if err != nil {
		return identity.Identity{}, err
	}
	if !id.Complete() {
		return identity.Identity{}, domainError(http.StatusPreconditionRequired, CodePseudonymRequired, "Choose a pseudonym before posting", nil)
	}
	return id, nil
}

func (s *Service) parentPost(ctx context.Context, role rbac.Role, postID string) (feedcache.PostView, error) {
	if parent, ok := s.cache.Post(postID); ok {
		return parent, nil
	}
	space, err := s.store.PostSpace(ctx, postID)
	if errors.Is(err, store.ErrNotFound) {
		return feedcache.PostView{}, notFound("Post not found")
	}
	if err != nil {
		s.logger.Warn("post lookup failed", zap.String("post_id", postID), zap.Error(err))
		return feedcache.PostView{}, domainError(http.StatusServiceUnavailable, CodeFeedUnavailable, "Feed is temporarily unavailable", nil)
	}
	if _, err := s.feedSpace(role, space); err != nil {
		return feedcache.PostView{}, err
	}
	if err := s.ensureBootstrap(ctx, space); err != nil {
		return feedcache.PostView{}, err
	}
	parent, ok := s.cache.Post(postID)
	if !ok {
		return feedcache.PostView{}, notFound("Post not found")
	}
	return parent, nil
}

func (s *Service) cleanText(text string) (string, error) {
	clean := util.PlainText(text)
	if clean == "" {
		return "", validationError("Text is required", nil)
	}
	if utf8.RuneCountInString(clean) > MaxTextLength {
		return "", validationError("Text is too long", map[string]any{"max": MaxTextLength})
	}
	return clean, nil
}

func (s *Service) crisisFor(label string) *CrisisSignal {
	if !s.classifier.IsAcuteDistress(label) {
		return nil
	}
	return &CrisisSignal{
		Label:     label,
		Message:   "You are not alone. If you are in immediate danger, please reach out to one of these services.",
		Resources: spaces.SupportResources(),
	}
}

func (s *Service) ensureBootstrap(ctx context.Context, space spaces.Space) error {
	s.ensureSubscribed()
	if s.cache.Loaded(space) {
		return nil
	}

	// The load outlives any single caller; waiters share its result.
	_, err, _ := s.bootstraps.Do(string(space), func() (any, error) {
		if s.cache.Loaded(space) {
			return nil, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultBootstrapTimeout)
		defer cancel()

		threads, err := s.store.ListPosts(loadCtx, space)
		if err != nil {
			return nil, err
		}
		s.cache.Seed(space, threads)
		s.logger.Info("space bootstrapped", zap.String("space", string(space)), zap.Int("posts", len(threads)))
		return nil, nil
	})
	if err != nil {
		s.logger.Error("space bootstrap failed", zap.String("space", string(space)), zap.Error(err))
		return domainError(http.StatusServiceUnavailable, CodeFeedUnavailable, "Feed is temporarily unavailable", nil)
	}
	return nil
}

// ensureSubscribed acquires the change feed subscriptions once per session.
func (s *Service) ensureSubscribed() {
	if s.feed == nil {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subscribed || s.closed {
		return
	}
	s.subscribed = true
	s.handles = append(s.handles,
		s.feed.Subscribe(changefeed.TablePosts, s.onPostInserted, s.onPostDeleted),
		s.feed.Subscribe(changefeed.TableComments, s.onCommentInserted, s.onCommentDeleted),
	)
}

func (s *Service) connected() bool {
	return s.feed != nil && s.feed.Connected()
}

func (s *Service) onPostInserted(ev changefeed.Event) {
	post, err := ev.Post()
	if err != nil {
		s.logger.Warn("skipping undecodable post event", zap.Error(err))
		return
	}
	outcome := s.cache.ApplyPostInserted(post)
	s.logger.Debug("post event", zap.String("post_id", post.ID), zap.String("outcome", string(outcome)))
}

func (s *Service) onPostDeleted(ev changefeed.Event) {
	id, err := ev.RowID()
	if err != nil {
		s.logger.Warn("skipping undecodable post delete", zap.Error(err))
		return
	}
	outcome := s.cache.ApplyPostDeleted(id)
	s.logger.Debug("post delete event", zap.String("post_id", id), zap.String("outcome", string(outcome)))
}

func (s *Service) onCommentInserted(ev changefeed.Event) {
	comment, err := ev.Comment()
	if err != nil {
		s.logger.Warn("skipping undecodable comment event", zap.Error(err))
		return
	}
	outcome := s.cache.ApplyCommentInserted(comment)
	s.logger.Debug("comment event", zap.String("comment_id", comment.ID), zap.String("outcome", string(outcome)))
}

func (s *Service) onCommentDeleted(ev changefeed.Event) {
	id, err := ev.RowID()
	if err != nil {
		s.logger.Warn("skipping undecodable comment delete", zap.Error(err))
		return
	}
	outcome := s.cache.ApplyCommentDeleted(id)
	s.logger.Debug("comment delete event", zap.String("comment_id", id), zap.String("outcome", string(outcome)))
}
