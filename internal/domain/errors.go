package domain

import "fmt"

// StorageError means a durable read or write failed. It is fatal to the call
// that triggered it and is never silently swallowed.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NetworkError is a transient delivery failure. The sync engine retries it
// with exponential backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError means the remote API rejected the payload. Retrying cannot
// succeed, so the item is terminal and surfaced to the user immediately.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// ExhaustedRetriesError marks an item whose transient failures outlived the
// retry cap. The item is kept, marked failed, and left for manual action.
type ExhaustedRetriesError struct {
	TransactionID string
	Attempts      int
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("gave up on %s after %d attempts", e.TransactionID, e.Attempts)
}

// ConflictError means the remote API already processed this idempotency key.
// The earlier attempt succeeded, so callers treat it as success.
type ConflictError struct {
	TransactionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction %s already processed", e.TransactionID)
}
