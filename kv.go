package agora

import (
	"context"
	"errors"
	"time"
)

var ErrKeyNotFound = errors.New("key not found")

// KV is the shared key-value store every piece of session state lives in.
// A zero ttl means the key does not expire.
type KV interface {
	// Get returns ErrKeyNotFound for missing or expired keys.
	Get(ctx context.Context, key string) (string, error)

	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) error

	// Keys lists keys matching a glob pattern (`*` wildcard).
	Keys(ctx context.Context, pattern string) ([]string, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	LPush(ctx context.Context, key string, values ...string) error

	// LTrim keeps elements in the inclusive [start, stop] range.
	LTrim(ctx context.Context, key string, start int64, stop int64) error

	LRange(ctx context.Context, key string, start int64, stop int64) ([]string, error)

	SAdd(ctx context.Context, key string, members ...string) error

	SRem(ctx context.Context, key string, members ...string) error

	SMembers(ctx context.Context, key string) ([]string, error)
}
