package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"peersupport/api/internal/spaces"
)

// SupabaseStore talks to the same schema through Supabase's PostgREST API.
// The supabase client does not accept a context; calls are bounded by the
// client's HTTP timeout instead.
type SupabaseStore struct {
	client *supabase.Client
}

type postRow struct {
	ID         string `json:"id,omitempty"`
	Space      string `json:"space"`
	AuthorName string `json:"user_name"`
	Text       string `json:"text"`
	Emotion    string `json:"emotion"`
}

type commentRow struct {
	ID         string `json:"id,omitempty"`
	PostID     string `json:"post_id"`
	AuthorName string `json:"user_name"`
	Text       string `json:"text"`
	Emotion    string `json:"emotion"`
}

func NewSupabaseStore(url, key string) (*SupabaseStore, error) {
	client, err := supabase.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

func (s *SupabaseStore) InsertPost(ctx context.Context, post Post) (Post, error) {
	if err := ctx.Err(); err != nil {
		return Post{}, err
	}
	row := postRow{
		ID:         post.ID,
		Space:      string(post.Space),
		AuthorName: authorOrAnonymous(post.AuthorName),
		Text:       post.Text,
		Emotion:    post.Emotion,
	}
	var inserted []Post
	if _, err := s.client.From("posts").Insert(row, false, "", "representation", "").ExecuteTo(&inserted); err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	if len(inserted) == 0 {
		return Post{}, fmt.Errorf("insert post: empty representation")
	}
	return inserted[0], nil
}

func (s *SupabaseStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	if err := ctx.Err(); err != nil {
		return Comment{}, err
	}
	row := commentRow{
		ID:         comment.ID,
		PostID:     comment.PostID,
		AuthorName: authorOrAnonymous(comment.AuthorName),
		Text:       comment.Text,
		Emotion:    comment.Emotion,
	}
	var inserted []Comment
	if _, err := s.client.From("comments").Insert(row, false, "", "representation", "").ExecuteTo(&inserted); err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	if len(inserted) == 0 {
		return Comment{}, fmt.Errorf("insert comment: empty representation")
	}
	return inserted[0], nil
}

// DeletePost relies on the ON DELETE CASCADE foreign key for comments.
func (s *SupabaseStore) DeletePost(ctx context.Context, postID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := s.client.From("posts").Delete("minimal", "").Eq("id", postID).Execute(); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

func (s *SupabaseStore) DeleteComment(ctx context.Context, commentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := s.client.From("comments").Delete("minimal", "").Eq("id", commentID).Execute(); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

// ListPosts embeds comments through the posts->comments foreign key.
func (s *SupabaseStore) ListPosts(ctx context.Context, space spaces.Space) ([]Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var threads []Thread
	_, err := s.client.From("posts").
		Select("id,space,user_name,text,emotion,created_at,comments(id,post_id,user_name,text,emotion,created_at)", "", false).
		Eq("space", string(space)).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&threads)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	for i := range threads {
		if threads[i].Comments == nil {
			threads[i].Comments = []Comment{}
		}
		comments := threads[i].Comments
		sort.SliceStable(comments, func(a, b int) bool {
			return comments[a].CreatedAt.Before(comments[b].CreatedAt)
		})
	}
	if threads == nil {
		threads = []Thread{}
	}
	return threads, nil
}

func (s *SupabaseStore) PostSpace(ctx context.Context, postID string) (spaces.Space, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var rows []struct {
		Space string `json:"space"`
	}
	if _, err := s.client.From("posts").Select("space", "", false).Eq("id", postID).ExecuteTo(&rows); err != nil {
		return "", fmt.Errorf("post space: %w", err)
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	return spaces.Space(rows[0].Space), nil
}

func (s *SupabaseStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := s.client.From("posts").Select("id", "", false).Limit(1, "").Execute(); err != nil {
		return fmt.Errorf("ping supabase: %w", err)
	}
	return nil
}
