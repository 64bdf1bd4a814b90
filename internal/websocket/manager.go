package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"dukapos-offline-core/internal/bus"
	"dukapos-offline-core/internal/domain"
)

// Manager tracks the UI windows connected to the agent and forwards bus
// events to them, so forms see record and connectivity changes without
// polling.
type Manager struct {
	clients      map[string]*Client
	clientsMutex sync.RWMutex
	Register     chan *Client
	Unregister   chan *Client
	writeWait    time.Duration
	pongWait     time.Duration
	pingPeriod   time.Duration
}

func NewManager(writeWait, pongWait, pingPeriod time.Duration) *Manager {
	return &Manager{
		clients:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

// WireBus forwards every domain event to connected windows.
func (m *Manager) WireBus(b *bus.Bus) {
	events := []string{
		domain.EventRecordCreated,
		domain.EventRecordSynced,
		domain.EventRecordSyncFailed,
		domain.EventCacheInvalidated,
		domain.EventConnectivityChanged,
	}

	for _, event := range events {
		b.Subscribe(event, func(event string, payload interface{}) {
			msg, err := NewMessage(event, payload)
			if err != nil {
				log.Printf("[ws] encode %s: %v", event, err)
				return
			}
			m.Broadcast(msg)
		})
	}
}

func (m *Manager) Run() {
	for {
		select {
		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	m.clients[client.ID] = client
	log.Printf("[ws] window connected: %s", client.ID)
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		close(client.Send)
		log.Printf("[ws] window disconnected: %s", client.ID)
	}
}

// Broadcast sends a message to every connected window. A window with a full
// send buffer is disconnected rather than allowed to stall the rest.
func (m *Manager) Broadcast(message *Message) {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	messageBytes, err := json.Marshal(message)
	if err != nil {
		log.Printf("[ws] marshal broadcast: %v", err)
		return
	}

	for id, client := range m.clients {
		select {
		case client.Send <- messageBytes:
		default:
			log.Printf("[ws] window %s send buffer full, closing", id)
			go func(c *Client) { m.Unregister <- c }(client)
		}
	}
}

// ConnectionCount reports the number of connected windows.
func (m *Manager) ConnectionCount() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}
