package domain

import (
	"encoding/json"
	"time"
)

type EntityType string

const (
	EntitySale     EntityType = "sale"
	EntityExpense  EntityType = "expense"
	EntityProduct  EntityType = "product"
	EntityCustomer EntityType = "customer"
)

// EntityTypes lists every entity type that owns a sync queue, in the order
// the engine drains them.
var EntityTypes = []EntityType{EntitySale, EntityExpense, EntityProduct, EntityCustomer}

func (t EntityType) Valid() bool {
	switch t {
	case EntitySale, EntityExpense, EntityProduct, EntityCustomer:
		return true
	}
	return false
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

type OperationStatus string

const (
	StatusPending OperationStatus = "pending"
	StatusSyncing OperationStatus = "syncing"
	StatusFailed  OperationStatus = "failed"
)

// PendingOperation is one locally-originated mutation awaiting delivery to the
// remote API. TransactionID doubles as the idempotency key, so a retried
// delivery after a lost ACK cannot create a duplicate entity server-side.
type PendingOperation struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	EntityType    EntityType      `json:"entity_type"`
	Action        Action          `json:"action"`
	EntityID      string          `json:"entity_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	Synced        bool            `json:"synced"`
	Status        OperationStatus `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
}

type CreateRecordRequest struct {
	EntityType EntityType      `json:"entity_type" validate:"required,oneof=sale expense product customer"`
	Action     Action          `json:"action" validate:"required,oneof=create update"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

type RetryRecordRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// ServerRecord is the canonical record the remote API returns after accepting
// a pending operation.
type ServerRecord struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	EntityType    EntityType      `json:"entity_type"`
	Data          json.RawMessage `json:"data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type ConnectivityState struct {
	Online bool      `json:"online"`
	Since  time.Time `json:"since"`
}

// DeviceIdentity is generated once per install and attached to every outgoing
// sync so the server can attribute records to the originating device.
type DeviceIdentity struct {
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
}
