// Package kvstore implements the external key/value store protocol the
// fork/join barrier depends on: a subset of list operations (push,
// conditional push, blocking right-pop, atomic rename, range read, delete,
// per-key expiration). Two implementations are provided: Redis-backed
// (internal/kvstore's RedisStore, used in production) and an in-memory
// fake (MemStore) for tests and the cmd/conductor run local harness.
package kvstore

import (
	"context"
	"time"
)

// Store is the opaque list/expire/rename protocol the barrier package uses
// to implement fork/join rendezvous. All operations are keyed by plain
// string keys (e.g. "live/<barrierId>", "done/<barrierId>").
type Store interface {
	// LPush prepends value to the list at key, creating it if absent, and
	// returns the list length after the push.
	LPush(ctx context.Context, key string, value []byte) (int64, error)
	// LPushX prepends value to the list at key only if the key already
	// exists, returning the length after push, or 0 if the key was absent.
	LPushX(ctx context.Context, key string, value []byte) (int64, error)
	// BRPop blocking-pops one element from the right (tail) of the list at
	// key, waiting up to timeout. Returns ok=false on timeout.
	BRPop(ctx context.Context, key string, timeout time.Duration) (value []byte, ok bool, err error)
	// Rename atomically renames key src to dst.
	Rename(ctx context.Context, src, dst string) error
	// LRange returns all elements of the list at key, head to tail.
	LRange(ctx context.Context, key string) ([][]byte, error)
	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error
	// Expire sets a time-to-live on key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// BarrierTTL is the time-to-live the distilled spec assigns to barrier keys
// so orphaned barriers self-reap.
const BarrierTTL = 24 * time.Hour
