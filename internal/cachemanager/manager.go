// Package cachemanager provides a small typed TTL cache. The activation
// registries use it to remember identities that were recently revoked or
// consumed, so a late activation can be told apart from an unknown one.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is a typed key/value cache with per-entry expiry.
type CacheManager[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
}
