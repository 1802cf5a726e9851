package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"peersupport/api/internal/spaces"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertPost(ctx context.Context, post Post) (Post, error) {
	var inserted Post
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO posts (id, space, user_name, text, emotion)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, space, user_name, text, emotion, created_at
	`, post.ID, string(post.Space), authorOrAnonymous(post.AuthorName), post.Text, post.Emotion).Scan(
		&inserted.ID, &inserted.Space, &inserted.AuthorName, &inserted.Text, &inserted.Emotion, &inserted.CreatedAt,
	)
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	var inserted Comment
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, post_id, user_name, text, emotion)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, post_id, user_name, text, emotion, created_at
	`, comment.ID, comment.PostID, authorOrAnonymous(comment.AuthorName), comment.Text, comment.Emotion).Scan(
		&inserted.ID, &inserted.PostID, &inserted.AuthorName, &inserted.Text, &inserted.Emotion, &inserted.CreatedAt,
	)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return inserted, nil
}

// DeletePost removes the post; comments go with it through the foreign key
// cascade in the same statement.
func (s *PostgresStore) DeletePost(ctx context.Context, postID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id=$1`, postID); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPosts(ctx context.Context, space spaces.Space) ([]Thread, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin list tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, space, user_name, text, emotion, created_at
		FROM posts
		WHERE space = $1
		ORDER BY created_at DESC
	`, string(space))
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	threads := make([]Thread, 0)
	index := make(map[string]int)
	for rows.Next() {
		var post Post
		if err := rows.Scan(&post.ID, &post.Space, &post.AuthorName, &post.Text, &post.Emotion, &post.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan post: %w", err)
		}
		index[post.ID] = len(threads)
		threads = append(threads, Thread{Post: post, Comments: []Comment{}})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	rows.Close()

	if len(threads) == 0 {
		return threads, nil
	}

	commentRows, err := tx.QueryContext(ctx, `
		SELECT c.id, c.post_id, c.user_name, c.text, c.emotion, c.created_at
		FROM comments c
		JOIN posts p ON p.id = c.post_id
		WHERE p.space = $1
		ORDER BY c.created_at ASC
	`, string(space))
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer commentRows.Close()

	for commentRows.Next() {
		var comment Comment
		if err := commentRows.Scan(&comment.ID, &comment.PostID, &comment.AuthorName, &comment.Text, &comment.Emotion, &comment.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if i, ok := index[comment.PostID]; ok {
			threads[i].Comments = append(threads[i].Comments, comment)
		}
	}
	if err := commentRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return threads, nil
}

// PostSpace returns the space a stored post belongs to.
func (s *PostgresStore) PostSpace(ctx context.Context, postID string) (spaces.Space, error) {
	var space string
	err := s.db.QueryRowContext(ctx, `SELECT space FROM posts WHERE id=$1`, postID).Scan(&space)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("post space: %w", err)
	}
	return spaces.Space(space), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
