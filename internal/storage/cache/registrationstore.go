// Package cache adds a Redis read-aside layer in front of a registration store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get decodes the value into dest, or returns ErrMiss.
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// CachedRegistrationStore is a decorator that adds read-aside caching to any RegistrationStore.
type CachedRegistrationStore struct {
	realStore dispatch.RegistrationStore
	cache     CacheClient
	ttl       time.Duration
}

func NewCachedRegistrationStore(realStore dispatch.RegistrationStore, cache CacheClient, ttl time.Duration) *CachedRegistrationStore {
	return &CachedRegistrationStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedRegistrationStore) Lookup(ctx context.Context, recipientID string) (*dispatch.DeviceRegistration, error) {
	key := cacheKey(recipientID)

	var cached dispatch.DeviceRegistration
	cacheErr := s.cache.Get(ctx, key, &cached)
	if cacheErr == nil && cached.Token != "" {
		return &cached, nil
	}

	fresh, err := s.realStore.Lookup(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	// Only fill on a clean miss; an unreachable cache is served around, not written to.
	if errors.Is(cacheErr, ErrMiss) {
		_ = s.cache.Set(ctx, key, fresh, s.ttl)
	}
	return fresh, nil
}

// ListActive is an admin listing and always reads the real store.
func (s *CachedRegistrationStore) ListActive(ctx context.Context) ([]dispatch.DeviceRegistration, error) {
	return s.realStore.ListActive(ctx)
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedRegistrationStore) Register(ctx context.Context, reg dispatch.DeviceRegistration) error {
	if err := s.realStore.Register(ctx, reg); err != nil {
		return err
	}
	return s.invalidate(ctx, reg.RecipientID)
}

func (s *CachedRegistrationStore) Unregister(ctx context.Context, recipientID, token string) error {
	if err := s.realStore.Unregister(ctx, recipientID, token); err != nil {
		return err
	}
	return s.invalidate(ctx, recipientID)
}

// MarkInvalid must clear the cache too, otherwise the rejected token keeps
// being served until the entry expires.
func (s *CachedRegistrationStore) MarkInvalid(ctx context.Context, reg dispatch.DeviceRegistration) error {
	if err := s.realStore.MarkInvalid(ctx, reg); err != nil {
		return err
	}
	return s.invalidate(ctx, reg.RecipientID)
}

func (s *CachedRegistrationStore) invalidate(ctx context.Context, recipientID string) error {
	if err := s.cache.Del(ctx, cacheKey(recipientID)); err != nil {
		return fmt.Errorf("failed to invalidate cached device for %s: %w", recipientID, err)
	}
	return nil
}

func cacheKey(recipientID string) string {
	return fmt.Sprintf("push:device:%s", recipientID)
}
