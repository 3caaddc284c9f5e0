package cache

import (
	"context"
	"fmt"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-topic-service/pkg/topics"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or a specific error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the keys.
	Del(ctx context.Context, keys ...string) error
}

// CachedSubscriptionStore is a Decorator that adds Read-Aside caching to any SubscriptionStore.
type CachedSubscriptionStore struct {
	realStore topics.SubscriptionStore
	cache     CacheClient
	ttl       time.Duration
}

func NewCachedSubscriptionStore(realStore topics.SubscriptionStore, cache CacheClient, ttl time.Duration) *CachedSubscriptionStore {
	return &CachedSubscriptionStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedSubscriptionStore) Topics(ctx context.Context, token string) ([]string, error) {
	key := s.cacheKey(token)

	var cached []string
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	fresh, err := s.realStore.Topics(ctx, token)
	if err != nil {
		return nil, err
	}

	// Populate failures are ignored; Firestore stays authoritative.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)

	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedSubscriptionStore) RecordSubscribed(ctx context.Context, actor urn.URN, topic string, tokens []string) error {
	if err := s.realStore.RecordSubscribed(ctx, actor, topic, tokens); err != nil {
		return err
	}
	return s.invalidate(ctx, tokens)
}

func (s *CachedSubscriptionStore) RecordUnsubscribed(ctx context.Context, topic string, tokens []string) error {
	if err := s.realStore.RecordUnsubscribed(ctx, topic, tokens); err != nil {
		return err
	}
	return s.invalidate(ctx, tokens)
}

// --- Helpers ---

func (s *CachedSubscriptionStore) invalidate(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = s.cacheKey(t)
	}
	return s.cache.Del(ctx, keys...)
}

func (s *CachedSubscriptionStore) cacheKey(token string) string {
	return fmt.Sprintf("topics:registration:%s", token)
}
