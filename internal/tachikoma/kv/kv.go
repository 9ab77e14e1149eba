// Package kv defines the key-value store contract the session manager is
// written against, together with three implementations: Redis (production),
// SQLite (single-node deployments without a Redis), and an in-memory store
// for tests and development.
//
// Values are opaque strings; structured data is serialized to JSON before it
// crosses this boundary. Missing keys are normal misses reported through a
// boolean, never an error. Errors returned by a Store mean the backing store
// itself misbehaved and no state read through it can be trusted.
package kv

import (
	"context"
	"time"
)

// Store is the operation set consumed by the session manager.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the string value under key. The boolean is false on a miss.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key. A positive ttl arms expiry for the key;
	// ttl zero stores without expiry and clears any previous expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// HGet returns the value of one hash field. The boolean is false when
	// either the key or the field is absent.
	HGet(ctx context.Context, key, field string) (string, bool, error)

	// HSet stores one hash field, creating the hash when absent.
	HSet(ctx context.Context, key, field, value string) error

	// HGetAll returns every field of the hash under key. An absent key
	// yields an empty (never nil) map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HDel removes the given fields. Absent fields are ignored.
	HDel(ctx context.Context, key string, fields ...string) error

	// RPush appends values to the list under key, creating it when absent.
	RPush(ctx context.Context, key string, values ...string) error

	// LRange returns list elements between start and stop inclusive.
	// Negative indices count from the end, -1 being the last element.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LLen returns the length of the list under key, 0 when absent.
	LLen(ctx context.Context, key string) (int64, error)

	// Expire arms (or re-arms) expiry on an existing key of any type.
	// It is a no-op when the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection or file handles.
	Close() error
}
