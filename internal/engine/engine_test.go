package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dukapos-offline-core/internal/bus"
	"dukapos-offline-core/internal/domain"
	"dukapos-offline-core/internal/idgen"
	"dukapos-offline-core/internal/records"
	"dukapos-offline-core/internal/remote"
	"dukapos-offline-core/internal/store"
)

// fakeRemote scripts Deliver outcomes per transaction id. Transactions with
// no script succeed.
type fakeRemote struct {
	mu       sync.Mutex
	outcomes map[string][]error
	calls    []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{outcomes: make(map[string][]error)}
}

func (r *fakeRemote) script(txID string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[txID] = append(r.outcomes[txID], errs...)
}

func (r *fakeRemote) Deliver(ctx context.Context, op *domain.PendingOperation) (*domain.ServerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, op.TransactionID)

	queue := r.outcomes[op.TransactionID]
	if len(queue) == 0 {
		return &domain.ServerRecord{ID: "srv-" + op.TransactionID, TransactionID: op.TransactionID}, nil
	}

	next := queue[0]
	r.outcomes[op.TransactionID] = queue[1:]
	if next == nil {
		return &domain.ServerRecord{ID: "srv-" + op.TransactionID, TransactionID: op.TransactionID}, nil
	}
	return nil, next
}

func (r *fakeRemote) deliveries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *fakeRemote) deliveryCount(txID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.calls {
		if id == txID {
			n++
		}
	}
	return n
}

type fakeConn struct {
	mu     sync.Mutex
	online bool
	subs   []func(bool)
}

func (c *fakeConn) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConn) Subscribe(fn func(online bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
	return func() {}
}

func (c *fakeConn) set(online bool) {
	c.mu.Lock()
	c.online = online
	subs := make([]func(bool), len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

func newTestEngine(t *testing.T, remote Deliverer, conn ConnectivitySource, b *bus.Bus) (*Engine, *records.Store) {
	t.Helper()

	kv := store.NewMemoryStore()
	ids := idgen.NewGenerator(kv)
	recs := records.NewStore(kv, ids, b)

	e := New(recs, remote, conn, b, Config{
		BackoffBase:  time.Second,
		BackoffMax:   2 * time.Minute,
		MaxRetries:   5,
		SyncInterval: time.Hour,
	})
	e.SetSleep(func(d time.Duration) bool { return true })

	return e, recs
}

func createSale(t *testing.T, recs *records.Store, payload string) *domain.PendingOperation {
	t.Helper()

	op, err := recs.Create(context.Background(), &domain.CreateRecordRequest{
		EntityType: domain.EntitySale,
		Action:     domain.ActionCreate,
		Payload:    json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	return op
}

func waitForEmptyQueue(t *testing.T, recs *records.Store, entityType domain.EntityType) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := recs.QueueLength(context.Background(), entityType)
		if err != nil {
			t.Fatalf("queue length: %v", err)
		}
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queue did not drain before timeout")
}

func TestEngine_DrainsQueueInOrder(t *testing.T) {
	remote := newFakeRemote()
	conn := &fakeConn{online: true}
	e, recs := newTestEngine(t, remote, conn, nil)

	first := createSale(t, recs, `{"total":100}`)
	second := createSale(t, recs, `{"total":250}`)
	third := createSale(t, recs, `{"total":75}`)

	e.Start()
	defer e.Stop()
	e.TriggerSync()

	waitForEmptyQueue(t, recs, domain.EntitySale)

	got := remote.deliveries()
	want := []string{first.TransactionID, second.TransactionID, third.TransactionID}
	if len(got) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestEngine_SkipsDrainWhileOffline(t *testing.T) {
	remote := newFakeRemote()
	conn := &fakeConn{online: false}
	e, recs := newTestEngine(t, remote, conn, nil)

	createSale(t, recs, `{"total":100}`)

	e.Start()
	defer e.Stop()
	e.TriggerSync()

	time.Sleep(50 * time.Millisecond)

	if len(remote.deliveries()) != 0 {
		t.Errorf("expected no deliveries while offline, got %d", len(remote.deliveries()))
	}
	n, _ := recs.QueueLength(context.Background(), domain.EntitySale)
	if n != 1 {
		t.Errorf("expected record to stay queued, got length %d", n)
	}
}

func TestEngine_OnlineTransitionTriggersDrain(t *testing.T) {
	remote := newFakeRemote()
	conn := &fakeConn{online: false}
	e, recs := newTestEngine(t, remote, conn, nil)

	op := createSale(t, recs, `{"total":100}`)

	e.Start()
	defer e.Stop()

	// A manual sync racing the connectivity flip must coalesce into a single
	// delivery per record.
	conn.set(true)
	e.TriggerSync()

	waitForEmptyQueue(t, recs, domain.EntitySale)
	time.Sleep(50 * time.Millisecond)

	if n := remote.deliveryCount(op.TransactionID); n != 1 {
		t.Errorf("expected exactly one delivery, got %d", n)
	}
}

func TestEngine_TransientFailureRetriesSameRecord(t *testing.T) {
	remote := newFakeRemote()
	conn := &fakeConn{online: true}
	e, recs := newTestEngine(t, remote, conn, nil)

	op := createSale(t, recs, `{"total":100}`)
	remote.script(op.TransactionID,
		&domain.NetworkError{Op: "deliver", Err: errors.New("timeout")},
		&domain.NetworkError{Op: "deliver", Err: errors.New("timeout")},
		nil,
	)

	var mu sync.Mutex
	var delays []time.Duration
	e.SetSleep(func(d time.Duration) bool {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		return true
	})

	e.Start()
	defer e.Stop()
	e.TriggerSync()

	waitForEmptyQueue(t, recs, domain.EntitySale)

	if n := remote.deliveryCount(op.TransactionID); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(delays))
	}
	if delays[0] != 2*time.Second {
		t.Errorf("expected first backoff 2s, got %v", delays[0])
	}
	if delays[1] != 4*time.Second {
		t.Errorf("expected second backoff 4s, got %v", delays[1])
	}
}

func TestEngine_ValidationFailureIsTerminal(t *testing.T) {
	remote := newFakeRemote()
	conn := &fakeConn{online: true}
	b := bus.New()
	e, recs := newTestEngine(t, remote, conn, b)

	failures := make(chan domain.RecordSyncFailedEvent, 1)
	b.Subscribe(domain.EventRecordSyncFailed, func(event string, payload interface{}) {
		if ev, ok := payload.(domain.RecordSyncFailedEvent); ok {
			failures <- ev
		}
	})

	bad := createSale(t, recs, `{"total":-1}`)
	good := createSale(t, recs, `{"total":50}`)
	remote.script(bad.TransactionID, &domain.ValidationError{Field: "total", Reason: "must be positive"})

	e.Start()
	defer e.Stop()
	e.TriggerSync()

	waitForEmptyQueue(t, recs, domain.EntitySale)

	// The rejected record must not block the one behind it.
	if n := remote.deliveryCount(good.TransactionID); n != 1 {
		t.Errorf("expected the following record delivered, got %d attempts", n)
	}
	if n := remote.deliveryCount(bad.TransactionID); n != 1 {
		t.Errorf("expected no retry of the rejected record, got %d attempts", n)
	}

	select {
	case ev := <-failures:
		if !ev.Terminal {
			t.Error("expected a terminal failure event")
		}
		if ev.Operation.TransactionID != bad.TransactionID {
			t.Errorf("expected failure for %s, got %s", bad.TransactionID, ev.Operation.TransactionID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected record-sync-failed event")
	}

	failed, err := recs.ListFailed(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].TransactionID != bad.TransactionID {
		t.Errorf("expected rejected record retained as failed, got %v", failed)
	}
}

func TestEngine_ConflictTreatedAsDelivered(t *testing.T) {
	remote := newFakeRemote()
	conn := &fakeConn{online: true}
	b := bus.New()
	e, recs := newTestEngine(t, remote, conn, b)

	synced := make(chan domain.RecordSyncedEvent, 1)
	b.Subscribe(domain.EventRecordSynced, func(event string, payload interface{}) {
		if ev, ok := payload.(domain.RecordSyncedEvent); ok {
			synced <- ev
		}
	})

	op := createSale(t, recs, `{"total":100}`)
	remote.script(op.TransactionID, &domain.ConflictError{TransactionID: op.TransactionID})

	e.Start()
	defer e.Stop()
	e.TriggerSync()

	waitForEmptyQueue(t, recs, domain.EntitySale)

	select {
	case ev := <-synced:
		if ev.Operation.TransactionID != op.TransactionID {
			t.Errorf("expected synced event for %s, got %s", op.TransactionID, ev.Operation.TransactionID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected record-synced event for duplicate delivery")
	}
}

func TestEngine_ExhaustedRetriesMarksFailed(t *testing.T) {
	remote := newFakeRemote()
	conn := &fakeConn{online: true}
	e, recs := newTestEngine(t, remote, conn, nil)

	op := createSale(t, recs, `{"total":100}`)
	transient := &domain.NetworkError{Op: "deliver", Err: errors.New("connection reset")}
	for i := 0; i < 6; i++ {
		remote.script(op.TransactionID, transient)
	}

	e.Start()
	defer e.Stop()
	e.TriggerSync()

	waitForEmptyQueue(t, recs, domain.EntitySale)

	if n := remote.deliveryCount(op.TransactionID); n != 6 {
		t.Errorf("expected 6 attempts before exhaustion, got %d", n)
	}

	failed, err := recs.ListFailed(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed record, got %d", len(failed))
	}
	wantReason := (&domain.ExhaustedRetriesError{TransactionID: op.TransactionID, Attempts: 6}).Error()
	if failed[0].LastError != wantReason {
		t.Errorf("expected reason %q, got %q", wantReason, failed[0].LastError)
	}
}

func TestEngine_TransientFailureBlocksQueueBehindIt(t *testing.T) {
	remote := newFakeRemote()
	conn := &fakeConn{online: true}
	e, recs := newTestEngine(t, remote, conn, nil)

	first := createSale(t, recs, `{"total":100}`)
	second := createSale(t, recs, `{"total":250}`)
	remote.script(first.TransactionID, &domain.NetworkError{Op: "deliver", Err: errors.New("timeout")}, nil)

	e.Start()
	defer e.Stop()
	e.TriggerSync()

	waitForEmptyQueue(t, recs, domain.EntitySale)

	got := remote.deliveries()
	want := []string{first.TransactionID, first.TransactionID, second.TransactionID}
	if len(got) != len(want) {
		t.Fatalf("expected deliveries %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected deliveries %v, got %v", want, got)
		}
	}
}

func TestEngine_QueuesDrainIndependently(t *testing.T) {
	remote := newFakeRemote()
	conn := &fakeConn{online: true}
	e, recs := newTestEngine(t, remote, conn, nil)

	sale := createSale(t, recs, `{"total":100}`)
	expense, err := recs.Create(context.Background(), &domain.CreateRecordRequest{
		EntityType: domain.EntityExpense,
		Action:     domain.ActionCreate,
		Payload:    json.RawMessage(`{"amount":40}`),
	})
	if err != nil {
		t.Fatalf("create expense: %v", err)
	}

	// The sale never succeeds this pass; the expense queue must still drain.
	remote.script(sale.TransactionID,
		&domain.NetworkError{Op: "deliver", Err: errors.New("timeout")},
		nil,
	)

	e.Start()
	defer e.Stop()
	e.TriggerSync()

	waitForEmptyQueue(t, recs, domain.EntityExpense)
	waitForEmptyQueue(t, recs, domain.EntitySale)

	if n := remote.deliveryCount(expense.TransactionID); n != 1 {
		t.Errorf("expected expense delivered once, got %d", n)
	}
}

func TestEngine_StateSettlesIdle(t *testing.T) {
	remote := newFakeRemote()
	conn := &fakeConn{online: true}
	e, recs := newTestEngine(t, remote, conn, nil)

	if e.State() != StateIdle {
		t.Fatalf("expected initial state idle, got %s", e.State())
	}

	createSale(t, recs, `{"total":100}`)

	e.Start()
	defer e.Stop()
	e.TriggerSync()

	waitForEmptyQueue(t, recs, domain.EntitySale)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.State() == StateIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state to settle idle, got %s", e.State())
}

// End-to-end offline sale: captured offline, drained through the real HTTP
// client once connectivity returns, settled with the server's id.
func TestEngine_OfflineSaleEndToEnd(t *testing.T) {
	var mu sync.Mutex
	var keys []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(domain.ServerRecord{ID: "srv-e2e"})
	}))
	defer srv.Close()

	conn := &fakeConn{online: false}
	b := bus.New()

	kv := store.NewMemoryStore()
	ids := idgen.NewGenerator(kv)
	recs := records.NewStore(kv, ids, b)
	client := remote.NewClient(srv.URL, "token", "device-1", time.Second)

	e := New(recs, client, conn, b, Config{SyncInterval: time.Hour})
	e.SetSleep(func(d time.Duration) bool { return true })

	synced := make(chan domain.RecordSyncedEvent, 1)
	b.Subscribe(domain.EventRecordSynced, func(event string, payload interface{}) {
		if ev, ok := payload.(domain.RecordSyncedEvent); ok {
			synced <- ev
		}
	})

	op, err := recs.Create(context.Background(), &domain.CreateRecordRequest{
		EntityType: domain.EntitySale,
		Action:     domain.ActionCreate,
		Payload:    json.RawMessage(`{"total":350,"items":[{"sku":"SKU-DRI-0001","qty":2}]}`),
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if op.Synced {
		t.Error("expected record captured unsynced")
	}
	if n, _ := recs.QueueLength(context.Background(), domain.EntitySale); n != 1 {
		t.Fatalf("expected queue length 1, got %d", n)
	}

	e.Start()
	defer e.Stop()

	mu.Lock()
	if len(keys) != 0 {
		t.Fatalf("expected no delivery while offline, saw %d", len(keys))
	}
	mu.Unlock()

	conn.set(true)

	select {
	case ev := <-synced:
		if ev.ServerID != "srv-e2e" {
			t.Errorf("expected server id srv-e2e, got %s", ev.ServerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected record-synced event after going online")
	}

	waitForEmptyQueue(t, recs, domain.EntitySale)

	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 1 || keys[0] != op.TransactionID {
		t.Errorf("expected one delivery keyed %s, got %v", op.TransactionID, keys)
	}
}

func TestEngine_BackoffDelay(t *testing.T) {
	e := New(nil, nil, nil, nil, Config{
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	})

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{10, time.Minute},
	}

	for _, tt := range tests {
		if got := e.backoffDelay(tt.retryCount); got != tt.want {
			t.Errorf("backoffDelay(%d): expected %v, got %v", tt.retryCount, tt.want, got)
		}
	}
}
