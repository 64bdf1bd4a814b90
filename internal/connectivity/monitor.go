package connectivity

import (
	"context"
	"log"
	"sync"
	"time"

	"dukapos-offline-core/internal/bus"
	"dukapos-offline-core/internal/domain"
)

// Prober checks reachability of the remote API. A device can report "online"
// at the host level while the API is still unreachable, so the monitor trusts
// the probe over raw signals.
type Prober interface {
	Health(ctx context.Context) error
}

type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// DebounceWindow collapses rapid flapping: a raw transition is published
	// only after it has held for this long.
	DebounceWindow time.Duration
}

// Monitor tracks online/offline transitions and exposes a subscription
// interface. Raw signals (periodic probes plus host hints forwarded by the
// UI) are debounced before subscribers and the bus see them.
type Monitor struct {
	prober Prober
	bus    *bus.Bus
	cfg    Config
	now    func() time.Time

	mu      sync.Mutex
	online  bool
	since   time.Time
	raw     bool
	pending *time.Timer
	nextID  int
	subs    map[int]func(online bool)

	stop chan struct{}
	done chan struct{}
}

func NewMonitor(prober Prober, b *bus.Bus, cfg Config) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 2 * time.Second
	}

	now := time.Now()
	return &Monitor{
		prober: prober,
		bus:    b,
		cfg:    cfg,
		now:    time.Now,
		since:  now,
		subs:   make(map[int]func(bool)),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the periodic reachability probe. An immediate probe runs
// first so the state settles soon after boot.
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)

		m.probe()

		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.probe()
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done

	m.mu.Lock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.mu.Unlock()
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) State() domain.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.ConnectivityState{Online: m.online, Since: m.since}
}

// Subscribe registers a listener for debounced transitions and returns an
// unsubscribe function.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Hint feeds a raw host-level online/offline signal into the debouncer. The
// UI forwards the renderer's connectivity events here.
func (m *Monitor) Hint(online bool) {
	m.observe(online)
}

func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()

	err := m.prober.Health(ctx)
	m.observe(err == nil)
}

// observe records a raw signal. A change from the published state arms the
// debounce timer; observing the published state again disarms it, so a flap
// inside the window collapses to no transition at all.
func (m *Monitor) observe(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.raw = online

	if online == m.online {
		if m.pending != nil {
			m.pending.Stop()
			m.pending = nil
		}
		return
	}

	if m.pending != nil {
		return
	}

	m.pending = time.AfterFunc(m.cfg.DebounceWindow, m.commit)
}

func (m *Monitor) commit() {
	m.mu.Lock()
	m.pending = nil

	if m.raw == m.online {
		m.mu.Unlock()
		return
	}

	m.online = m.raw
	m.since = m.now()
	state := domain.ConnectivityState{Online: m.online, Since: m.since}

	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	log.Printf("[connectivity] now %s", stateLabel(state.Online))

	for _, fn := range subs {
		fn(state.Online)
	}

	if m.bus != nil {
		m.bus.Publish(domain.EventConnectivityChanged, domain.ConnectivityChangedEvent{
			Online: state.Online,
			Since:  state.Since,
		})
	}
}

func stateLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
