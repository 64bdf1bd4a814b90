package domain

import "time"

// Event names published on the internal bus. Components announce domain events
// here instead of holding references to each other.
const (
	EventRecordCreated       = "record-created"
	EventRecordSynced        = "record-synced"
	EventRecordSyncFailed    = "record-sync-failed"
	EventCacheInvalidated    = "cache-invalidated"
	EventConnectivityChanged = "connectivity-changed"
)

type RecordCreatedEvent struct {
	Operation *PendingOperation `json:"operation"`
}

type RecordSyncedEvent struct {
	Operation *PendingOperation `json:"operation"`
	ServerID  string            `json:"server_id"`
}

type RecordSyncFailedEvent struct {
	Operation *PendingOperation `json:"operation"`
	Reason    string            `json:"reason"`
	Terminal  bool              `json:"terminal"`
}

type CacheInvalidatedEvent struct {
	Keys []string `json:"keys"`
}

type ConnectivityChangedEvent struct {
	Online bool      `json:"online"`
	Since  time.Time `json:"since"`
}
