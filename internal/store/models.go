package store

import (
	"errors"
	"time"

	"peersupport/api/internal/spaces"
)

// ErrNotFound is returned when a looked up row does not exist.
var ErrNotFound = errors.New("not found")

// AnonymousAuthor labels rows written without an author name.
const AnonymousAuthor = "Anonymous"

type Post struct {
	ID         string       `json:"id"`
	Space      spaces.Space `json:"space"`
	AuthorName string       `json:"user_name"`
	Text       string       `json:"text"`
	Emotion    string       `json:"emotion"`
	CreatedAt  time.Time    `json:"created_at"`
}

type Comment struct {
	ID         string    `json:"id"`
	PostID     string    `json:"post_id"`
	AuthorName string    `json:"user_name"`
	Text       string    `json:"text"`
	Emotion    string    `json:"emotion"`
	CreatedAt  time.Time `json:"created_at"`
}

// Thread is a post together with its comments, oldest comment first.
type Thread struct {
	Post
	Comments []Comment `json:"comments"`
}

func authorOrAnonymous(name string) string {
	if name == "" {
		return AnonymousAuthor
	}
	return name
}
