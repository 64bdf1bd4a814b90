package store

import (
	"context"
	"errors"
)

// Key families used by the offline core. Every component shares one Store, so
// keys are namespaced by prefix.
const (
	CounterKeyPrefix = "counters:"
	QueueKeyPrefix   = "queue:"
	CacheKeyPrefix   = "cache:"
	DeviceKeyPrefix  = "device:"
)

var ErrNotFound = errors.New("key not found")

// Store is the durable key-value store every component persists through.
// Values are JSON-serializable. Implementations must be safe for concurrent
// use; callers are responsible for serializing read-modify-write sequences.
type Store interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
	Remove(ctx context.Context, key string) error
}
