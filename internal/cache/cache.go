// Package cache provides the shared TTL cache used on peripheral read
// paths (canon search and digest results). Values are stored as JSON so
// the in-process and Redis backends are interchangeable.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/roundtable-ai/roundtable/internal/config"
)

// Cache is the backend-neutral surface. Get reports a miss with a false
// boolean, never an error; errors mean the backend itself failed.
type Cache interface {
	// Get unmarshals the value stored under key into dest.
	Get(ctx context.Context, key string, dest any) (bool, error)

	// Set stores value under key for ttl. A non-positive ttl uses the
	// backend's configured default.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// New selects a backend from configuration. The default is the
// in-process cache; "redis" requires a reachable server.
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(cfg.TTL), nil
	case "redis":
		return NewRedisCache(cfg)
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
