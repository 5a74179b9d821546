package devicestate

import (
	"context"
	"time"
)

// KV is the generic key-value collaborator behind the device-state cache.
// A zero ttl means the value never expires.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
