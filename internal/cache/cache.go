// Package cache is a small key/value port with a Redis implementation.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	// Get reports ok=false on a miss.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}
