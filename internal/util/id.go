package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4. Posts and comments use it as their primary
// key so an optimistic entry and its confirmation share one id.
func NewID() string {
	return uuid.NewString()
}
