// Package session persists the pseudonym each caller chose, keyed by caller id.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PseudonymData is the value stored for each caller.
type PseudonymData struct {
	CallerID string    `json:"caller_id"`
	Name     string    `json:"name"`
	ChosenAt time.Time `json:"chosen_at"`
}

// RedisStore implements pseudonym storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed pseudonym store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "pseudonym:",
	}
}

func (s *RedisStore) key(callerID string) string {
	return s.prefix + callerID
}

// SavePseudonym stores name for callerID, replacing any earlier choice.
func (s *RedisStore) SavePseudonym(ctx context.Context, callerID, name string) error {
	jsonData, err := json.Marshal(PseudonymData{CallerID: callerID, Name: name, ChosenAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal pseudonym: %w", err)
	}
	if err := s.client.Set(ctx, s.key(callerID), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("save pseudonym: %w", err)
	}
	return nil
}

// GetPseudonym returns the stored name and whether one exists.
func (s *RedisStore) GetPseudonym(ctx context.Context, callerID string) (string, bool, error) {
	jsonData, err := s.client.Get(ctx, s.key(callerID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup pseudonym: %w", err)
	}

	var data PseudonymData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return "", false, fmt.Errorf("unmarshal pseudonym: %w", err)
	}
	if data.Name == "" {
		return "", false, nil
	}
	return data.Name, true, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
