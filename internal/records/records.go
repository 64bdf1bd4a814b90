package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"dukapos-offline-core/internal/bus"
	"dukapos-offline-core/internal/domain"
	"dukapos-offline-core/internal/idgen"
	"dukapos-offline-core/internal/store"

	"github.com/google/uuid"
)

// Store creates locally-originated business records tagged unsynced and
// maintains one FIFO sync queue per entity type. Records created offline and
// online are structurally identical; only the synced flag differs, so the UI
// never branches on connectivity.
type Store struct {
	kv  store.Store
	ids *idgen.Generator
	bus *bus.Bus
	now func() time.Time

	mu    sync.Mutex
	locks map[domain.EntityType]*sync.Mutex
}

func NewStore(kv store.Store, ids *idgen.Generator, b *bus.Bus) *Store {
	return &Store{
		kv:    kv,
		ids:   ids,
		bus:   b,
		now:   time.Now,
		locks: make(map[domain.EntityType]*sync.Mutex),
	}
}

// SetClock overrides the time source used for record timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Create assigns a transaction id, timestamps the record, appends it to the
// entity type's queue and persists the queue, all before returning. The
// caller gets optimistic local success regardless of connectivity.
func (s *Store) Create(ctx context.Context, req *domain.CreateRecordRequest) (*domain.PendingOperation, error) {
	if !req.EntityType.Valid() {
		return nil, fmt.Errorf("unknown entity type: %s", req.EntityType)
	}

	txID, err := s.ids.Generate(ctx, transactionKind(req.EntityType), domain.IdentifierContext{})
	if err != nil {
		return nil, err
	}

	op := &domain.PendingOperation{
		ID:            uuid.New().String(),
		TransactionID: txID,
		EntityType:    req.EntityType,
		Action:        req.Action,
		EntityID:      req.EntityID,
		Payload:       req.Payload,
		CreatedAt:     s.now(),
		Synced:        false,
		Status:        domain.StatusPending,
	}

	lock := s.queueLock(req.EntityType)
	lock.Lock()
	defer lock.Unlock()

	queue, err := s.loadQueue(ctx, req.EntityType)
	if err != nil {
		return nil, err
	}

	queue = append(queue, op)
	if err := s.saveQueue(ctx, req.EntityType, queue); err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(domain.EventRecordCreated, domain.RecordCreatedEvent{Operation: op})
	}

	return op, nil
}

// ListPending returns the queue's unfailed operations in FIFO order.
func (s *Store) ListPending(ctx context.Context, entityType domain.EntityType) ([]*domain.PendingOperation, error) {
	lock := s.queueLock(entityType)
	lock.Lock()
	defer lock.Unlock()

	queue, err := s.loadQueue(ctx, entityType)
	if err != nil {
		return nil, err
	}

	var pending []*domain.PendingOperation
	for _, op := range queue {
		if op.Status != domain.StatusFailed {
			pending = append(pending, op)
		}
	}
	return pending, nil
}

// ListFailed returns terminally failed operations across all entity types.
// They stay visible and user-actionable until retried or discarded.
func (s *Store) ListFailed(ctx context.Context) ([]*domain.PendingOperation, error) {
	var failed []*domain.PendingOperation
	for _, entityType := range domain.EntityTypes {
		lock := s.queueLock(entityType)
		lock.Lock()
		queue, err := s.loadQueue(ctx, entityType)
		lock.Unlock()
		if err != nil {
			return nil, err
		}

		for _, op := range queue {
			if op.Status == domain.StatusFailed {
				failed = append(failed, op)
			}
		}
	}
	return failed, nil
}

// QueueLength reports the number of unfailed operations awaiting sync.
func (s *Store) QueueLength(ctx context.Context, entityType domain.EntityType) (int, error) {
	ops, err := s.ListPending(ctx, entityType)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// MarkSyncing flags an operation as in flight.
func (s *Store) MarkSyncing(ctx context.Context, entityType domain.EntityType, opID string) error {
	return s.update(ctx, entityType, opID, func(op *domain.PendingOperation) {
		op.Status = domain.StatusSyncing
	})
}

// MarkSynced removes a delivered operation from its queue.
func (s *Store) MarkSynced(ctx context.Context, entityType domain.EntityType, opID string) error {
	lock := s.queueLock(entityType)
	lock.Lock()
	defer lock.Unlock()

	queue, err := s.loadQueue(ctx, entityType)
	if err != nil {
		return err
	}

	for i, op := range queue {
		if op.ID == opID {
			queue = append(queue[:i], queue[i+1:]...)
			return s.saveQueue(ctx, entityType, queue)
		}
	}
	return fmt.Errorf("operation %s not found in %s queue", opID, entityType)
}

// MarkFailed retains the operation with a terminal status so the user can
// edit-and-resubmit or discard it. Failed items do not block the queue.
func (s *Store) MarkFailed(ctx context.Context, entityType domain.EntityType, opID, reason string) error {
	return s.update(ctx, entityType, opID, func(op *domain.PendingOperation) {
		op.Status = domain.StatusFailed
		op.LastError = reason
	})
}

// RecordAttempt bumps the retry count after a transient delivery failure and
// returns the operation back to pending.
func (s *Store) RecordAttempt(ctx context.Context, entityType domain.EntityType, opID, reason string) (int, error) {
	var count int
	err := s.update(ctx, entityType, opID, func(op *domain.PendingOperation) {
		op.RetryCount++
		op.Status = domain.StatusPending
		op.LastError = reason
		count = op.RetryCount
	})
	return count, err
}

// Retry resubmits a failed operation in place. The transaction id is kept so
// the server-side idempotency guarantee still covers any earlier delivery
// attempt; the payload may be replaced with an edited one.
func (s *Store) Retry(ctx context.Context, entityType domain.EntityType, opID string, payload json.RawMessage) (*domain.PendingOperation, error) {
	var updated *domain.PendingOperation
	err := s.update(ctx, entityType, opID, func(op *domain.PendingOperation) {
		if len(payload) > 0 {
			op.Payload = payload
		}
		op.Status = domain.StatusPending
		op.RetryCount = 0
		op.LastError = ""
		updated = op
	})
	return updated, err
}

// Discard removes an operation without syncing it.
func (s *Store) Discard(ctx context.Context, entityType domain.EntityType, opID string) error {
	return s.MarkSynced(ctx, entityType, opID)
}

func (s *Store) update(ctx context.Context, entityType domain.EntityType, opID string, mutate func(*domain.PendingOperation)) error {
	lock := s.queueLock(entityType)
	lock.Lock()
	defer lock.Unlock()

	queue, err := s.loadQueue(ctx, entityType)
	if err != nil {
		return err
	}

	for _, op := range queue {
		if op.ID == opID {
			mutate(op)
			return s.saveQueue(ctx, entityType, queue)
		}
	}
	return fmt.Errorf("operation %s not found in %s queue", opID, entityType)
}

func (s *Store) loadQueue(ctx context.Context, entityType domain.EntityType) ([]*domain.PendingOperation, error) {
	var queue []*domain.PendingOperation
	err := s.kv.Get(ctx, store.QueueKeyPrefix+string(entityType), &queue)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return queue, nil
}

func (s *Store) saveQueue(ctx context.Context, entityType domain.EntityType, queue []*domain.PendingOperation) error {
	if queue == nil {
		queue = []*domain.PendingOperation{}
	}
	return s.kv.Set(ctx, store.QueueKeyPrefix+string(entityType), queue)
}

func (s *Store) queueLock(entityType domain.EntityType) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[entityType]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[entityType] = lock
	}
	return lock
}

// transactionKind maps an entity type to the identifier kind used for its
// locally generated transaction ids.
func transactionKind(entityType domain.EntityType) domain.IdentifierKind {
	switch entityType {
	case domain.EntitySale:
		return domain.KindPOS
	case domain.EntityExpense:
		return domain.KindExpense
	default:
		return domain.KindTransaction
	}
}
