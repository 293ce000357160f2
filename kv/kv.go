// Package kv defines the narrow key/value store capability the treasury
// core depends on. The interface covers exactly the command subset the
// pipeline uses; callers receive an implementation at construction time
// and never reach for a concrete driver themselves.
package kv

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNil is returned by read commands when the requested key or field is
// absent. Callers branch on it with errors.Is.
var ErrNil = errors.New("kv: nil")

// SetOptions mirror the SET command modifiers the core relies on.
type SetOptions struct {
	// NX makes the write succeed only if the key does not already exist.
	NX bool
	// TTL expires the key after the given duration. Zero means no expiry.
	TTL time.Duration
}

// Store is the command subset required by the treasury pipeline. All
// single-command writes are atomic; compound updates go through Pipeline,
// which preserves ordering but guarantees no atomicity across commands.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set returns true iff the write was accepted. With NX the write is
	// rejected (false, nil) when the key already exists.
	Set(ctx context.Context, key, value string, opts SetOptions) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)

	LPush(ctx context.Context, key string, values ...string) (int64, error)
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Scan walks the keyspace with a glob pattern. Iteration terminates
	// when the returned cursor is zero.
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)

	Pipeline() Pipeline
}

// Pipeline batches writes. Commands are queued client-side and flushed by
// Exec in order. A failed command does not roll back the ones before it.
type Pipeline interface {
	Set(key, value string, opts SetOptions)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	HSet(key string, fields map[string]string)
	LPush(key string, values ...string)
	RPush(key string, values ...string)
	LTrim(key string, start, stop int64)
	ZAdd(key string, score float64, member string)
	Exec(ctx context.Context) error
}
