package session

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected error for malformed redis url")
	}
}

func TestSaveAndGetPseudonym(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.SavePseudonym(ctx, "uid-123", "MindfulSoul"); err != nil {
		t.Fatalf("SavePseudonym failed: %v", err)
	}

	name, ok, err := store.GetPseudonym(ctx, "uid-123")
	if err != nil {
		t.Fatalf("GetPseudonym failed: %v", err)
	}
	if !ok || name != "MindfulSoul" {
		t.Errorf("expected MindfulSoul, got %q (found=%v)", name, ok)
	}

	if !s.Exists("pseudonym:uid-123") {
		t.Error("expected pseudonym key to be namespaced")
	}
	if ttl := s.TTL("pseudonym:uid-123"); ttl != 0 {
		t.Errorf("pseudonyms must not expire, got ttl %v", ttl)
	}
}

func TestGetMissingPseudonym(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	name, ok, err := store.GetPseudonym(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetPseudonym failed: %v", err)
	}
	if ok || name != "" {
		t.Errorf("expected no pseudonym, got %q", name)
	}
}

func TestSavePseudonymOverwrites(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.SavePseudonym(ctx, "uid-1", "First"); err != nil {
		t.Fatalf("SavePseudonym failed: %v", err)
	}
	if err := store.SavePseudonym(ctx, "uid-1", "Second"); err != nil {
		t.Fatalf("SavePseudonym failed: %v", err)
	}
	name, _, _ := store.GetPseudonym(ctx, "uid-1")
	if name != "Second" {
		t.Errorf("expected Second, got %q", name)
	}
}

func TestCorruptPseudonymValue(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()

	if err := s.Set("pseudonym:uid-bad", "{not json"); err != nil {
		t.Fatalf("seed corrupt value: %v", err)
	}
	if _, _, err := store.GetPseudonym(context.Background(), "uid-bad"); err == nil {
		t.Error("expected error for corrupt value, got nil")
	}
}

func TestPseudonymIsolation(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	_ = store.SavePseudonym(ctx, "uid-1", "One")
	_ = store.SavePseudonym(ctx, "uid-2", "Two")

	one, _, _ := store.GetPseudonym(ctx, "uid-1")
	two, _, _ := store.GetPseudonym(ctx, "uid-2")
	if one != "One" || two != "Two" {
		t.Errorf("expected isolated names, got %q and %q", one, two)
	}
}

func TestRedisUnavailable(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	s.Close()

	if _, _, err := store.GetPseudonym(context.Background(), "uid-1"); err == nil {
		t.Error("expected error when redis is down")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, ok, _ := store.GetPseudonym(ctx, "uid-1"); ok {
		t.Fatal("expected empty store")
	}
	_ = store.SavePseudonym(ctx, "uid-1", "Quiet")
	name, ok, err := store.GetPseudonym(ctx, "uid-1")
	if err != nil || !ok || name != "Quiet" {
		t.Fatalf("GetPseudonym = %q, %v, %v", name, ok, err)
	}
}
