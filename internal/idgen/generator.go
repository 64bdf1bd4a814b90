package idgen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dukapos-offline-core/internal/domain"
	"dukapos-offline-core/internal/store"
)

// counterState is the persisted shape of one counter namespace.
type counterState struct {
	Namespace string `json:"namespace"`
	Value     int64  `json:"value"`
	Period    string `json:"period,omitempty"`
}

// Generator issues unique, formatted reference strings from persisted
// monotonic counters. Every increment to a namespace is serialized through a
// per-namespace mutex held across the durable read-increment-write, so no two
// Generate calls for the same namespace ever observe the same pre-increment
// value, however concurrently they are issued.
type Generator struct {
	store store.Store
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewGenerator(s store.Store) *Generator {
	return &Generator{
		store: s,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source. Tests use it to drive period rollover.
func (g *Generator) SetClock(now func() time.Time) {
	g.now = now
}

func (g *Generator) Generate(ctx context.Context, kind domain.IdentifierKind, ictx domain.IdentifierContext) (string, error) {
	spec, ok := kindSpecs[kind]
	if !ok {
		return "", fmt.Errorf("unknown identifier kind: %s", kind)
	}

	lock := g.namespaceLock(spec.namespace)
	lock.Lock()
	defer lock.Unlock()

	now := g.now()
	key := store.CounterKeyPrefix + spec.namespace

	var state counterState
	if err := g.store.Get(ctx, key, &state); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		state = counterState{Namespace: spec.namespace}
	}

	period := spec.period(now)
	if spec.resets && state.Period != period {
		state.Value = 0
	}

	state.Value++
	state.Period = period

	// The increment must be durably committed before the identifier is
	// returned; on failure the caller observes no counter advance.
	if err := g.store.Set(ctx, key, state); err != nil {
		return "", err
	}

	return spec.format(now, ictx, state.Value), nil
}

// Peek reports the current counter value for a namespace without advancing it.
func (g *Generator) Peek(ctx context.Context, kind domain.IdentifierKind) (int64, error) {
	spec, ok := kindSpecs[kind]
	if !ok {
		return 0, fmt.Errorf("unknown identifier kind: %s", kind)
	}

	lock := g.namespaceLock(spec.namespace)
	lock.Lock()
	defer lock.Unlock()

	var state counterState
	if err := g.store.Get(ctx, store.CounterKeyPrefix+spec.namespace, &state); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return state.Value, nil
}

func (g *Generator) namespaceLock(namespace string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	lock, ok := g.locks[namespace]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[namespace] = lock
	}
	return lock
}
