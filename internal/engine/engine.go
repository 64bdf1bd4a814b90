package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"dukapos-offline-core/internal/bus"
	"dukapos-offline-core/internal/domain"
	"dukapos-offline-core/internal/records"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"
)

const (
	StateIdle    = "idle"
	StateSyncing = "syncing"
	StateBackoff = "backoff"
)

// Deliverer replays one pending operation against the remote API.
type Deliverer interface {
	Deliver(ctx context.Context, op *domain.PendingOperation) (*domain.ServerRecord, error)
}

// ConnectivitySource is the slice of the connectivity monitor the engine needs.
type ConnectivitySource interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) func()
}

type Config struct {
	// BackoffBase and BackoffMax bound the transient-failure delay:
	// base * 2^retryCount, capped at max.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxRetries caps transient retries per item before it is marked failed.
	MaxRetries int
	// SyncInterval is the periodic wake while online with non-empty queues.
	SyncInterval time.Duration
}

// Engine drains the per-entity-type sync queues against the remote API when
// online. Queues drain concurrently with each other but strictly FIFO within
// each queue. Validation rejections are terminal; transient failures back off
// exponentially and eventually exhaust into a terminal failure as well.
type Engine struct {
	records *records.Store
	remote  Deliverer
	conn    ConnectivitySource
	bus     *bus.Bus
	cfg     Config

	machine *fsm.FSM
	sleep   func(d time.Duration) bool

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}

	unsubscribe func()
	startOnce   sync.Once
	stopOnce    sync.Once
}

func New(r *records.Store, remote Deliverer, conn ConnectivitySource, b *bus.Bus, cfg Config) *Engine {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}

	e := &Engine{
		records: r,
		remote:  remote,
		conn:    conn,
		bus:     b,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	e.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "sync", Src: []string{StateIdle, StateBackoff}, Dst: StateSyncing},
			{Name: "pause", Src: []string{StateSyncing}, Dst: StateBackoff},
			{Name: "settle", Src: []string{StateSyncing, StateBackoff}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)

	e.sleep = func(d time.Duration) bool {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return true
		case <-e.stop:
			return false
		}
	}

	return e
}

// SetSleep overrides the backoff sleep. Tests use it to observe delays
// without real wall-clock waits.
func (e *Engine) SetSleep(sleep func(d time.Duration) bool) {
	e.sleep = sleep
}

// Start launches the run loop and subscribes to connectivity transitions so
// an offline→online flip kicks off a drain.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		if e.conn != nil {
			e.unsubscribe = e.conn.Subscribe(func(online bool) {
				if online {
					e.TriggerSync()
				}
			})
		}
		go e.run()
	})
}

// Stop halts the engine cooperatively between item attempts.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		close(e.stop)
		<-e.done
	})
}

// TriggerSync requests a drain pass. Requests arriving while a pass is
// already queued coalesce into one, so a manual sync racing the connectivity
// trigger cannot double-deliver (the idempotency keys guard the rest).
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// State reports the current machine state (idle, syncing, backoff).
func (e *Engine) State() string {
	return e.machine.Current()
}

func (e *Engine) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-e.trigger:
		case <-ticker.C:
			if !e.hasWork() {
				continue
			}
		}

		if e.conn != nil && !e.conn.IsOnline() {
			continue
		}

		for {
			e.machine.Event(context.Background(), "sync")

			retry, ok := e.drainAll()
			if !ok {
				e.machine.Event(context.Background(), "settle")
				return
			}
			if retry <= 0 {
				e.machine.Event(context.Background(), "settle")
				break
			}

			e.machine.Event(context.Background(), "pause")
			if !e.sleep(retry) {
				e.machine.Event(context.Background(), "settle")
				return
			}
			if e.conn != nil && !e.conn.IsOnline() {
				e.machine.Event(context.Background(), "settle")
				break
			}
		}
	}
}

func (e *Engine) hasWork() bool {
	ctx := context.Background()
	for _, entityType := range domain.EntityTypes {
		n, err := e.records.QueueLength(ctx, entityType)
		if err == nil && n > 0 {
			return true
		}
	}
	return false
}

// drainAll processes every entity-type queue concurrently. It returns the
// shortest backoff delay requested by any queue (0 when all drained clean)
// and false when the engine is stopping.
func (e *Engine) drainAll() (time.Duration, bool) {
	ctx := context.Background()

	var mu sync.Mutex
	var retry time.Duration
	stopped := false

	g, ctx := errgroup.WithContext(ctx)
	for _, entityType := range domain.EntityTypes {
		entityType := entityType
		g.Go(func() error {
			delay, ok := e.drainQueue(ctx, entityType)

			mu.Lock()
			defer mu.Unlock()
			if !ok {
				stopped = true
			}
			if delay > 0 && (retry == 0 || delay < retry) {
				retry = delay
			}
			return nil
		})
	}
	g.Wait()

	return retry, !stopped
}

// drainQueue delivers a queue's operations in FIFO order. A transient failure
// stops the queue for this pass (order must hold), returning the item's
// backoff delay; terminal failures are marked and skipped so they never block
// the records behind them.
func (e *Engine) drainQueue(ctx context.Context, entityType domain.EntityType) (time.Duration, bool) {
	ops, err := e.records.ListPending(ctx, entityType)
	if err != nil {
		log.Printf("[sync] list %s queue: %v", entityType, err)
		return 0, true
	}

	for _, op := range ops {
		select {
		case <-e.stop:
			return 0, false
		default:
		}

		if err := e.records.MarkSyncing(ctx, entityType, op.ID); err != nil {
			log.Printf("[sync] mark syncing %s: %v", op.TransactionID, err)
			return 0, true
		}

		record, err := e.remote.Deliver(ctx, op)

		var conflict *domain.ConflictError
		if err == nil || errors.As(err, &conflict) {
			e.settleDelivered(ctx, op, record)
			continue
		}

		var validation *domain.ValidationError
		if errors.As(err, &validation) {
			e.settleFailed(ctx, op, validation.Error())
			continue
		}

		// Transient: bump the retry count and stop this queue until the
		// backoff elapses. FIFO forbids skipping ahead of the failed item.
		count, rerr := e.records.RecordAttempt(ctx, entityType, op.ID, err.Error())
		if rerr != nil {
			log.Printf("[sync] record attempt %s: %v", op.TransactionID, rerr)
			return 0, true
		}

		if count > e.cfg.MaxRetries {
			exhausted := &domain.ExhaustedRetriesError{TransactionID: op.TransactionID, Attempts: count}
			e.settleFailed(ctx, op, exhausted.Error())
			continue
		}

		log.Printf("[sync] %s attempt %d failed: %v", op.TransactionID, count, err)
		return e.backoffDelay(count), true
	}

	return 0, true
}

func (e *Engine) settleDelivered(ctx context.Context, op *domain.PendingOperation, record *domain.ServerRecord) {
	if err := e.records.MarkSynced(ctx, op.EntityType, op.ID); err != nil {
		log.Printf("[sync] mark synced %s: %v", op.TransactionID, err)
		return
	}

	op.Synced = true
	serverID := ""
	if record != nil {
		serverID = record.ID
	}

	log.Printf("[sync] delivered %s %s (%s)", op.EntityType, op.TransactionID, serverID)

	if e.bus != nil {
		e.bus.Publish(domain.EventRecordSynced, domain.RecordSyncedEvent{
			Operation: op,
			ServerID:  serverID,
		})
	}
}

func (e *Engine) settleFailed(ctx context.Context, op *domain.PendingOperation, reason string) {
	if err := e.records.MarkFailed(ctx, op.EntityType, op.ID, reason); err != nil {
		log.Printf("[sync] mark failed %s: %v", op.TransactionID, err)
		return
	}

	log.Printf("[sync] %s %s failed terminally: %s", op.EntityType, op.TransactionID, reason)

	if e.bus != nil {
		e.bus.Publish(domain.EventRecordSyncFailed, domain.RecordSyncFailedEvent{
			Operation: op,
			Reason:    reason,
			Terminal:  true,
		})
	}
}

// backoffDelay computes the delay before the attempt following the n-th
// consecutive transient failure: base * 2^n, capped at BackoffMax.
func (e *Engine) backoffDelay(retryCount int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = e.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	d := bo.NextBackOff()
	for i := 0; i < retryCount; i++ {
		d = bo.NextBackOff()
	}
	return d
}
