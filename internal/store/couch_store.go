package store

import (
	"context"
	"encoding/json"
	"net/http"

	"dukapos-offline-core/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

// couchDoc wraps a stored value in a CouchDB document envelope so the raw
// value round-trips untouched under "value".
type couchDoc struct {
	ID    string          `json:"_id"`
	Rev   string          `json:"_rev,omitempty"`
	Value json.RawMessage `json:"value"`
}

type CouchStore struct {
	client *kivik.Client
	dbName string
}

func NewCouchStore(client *kivik.Client, dbName string) *CouchStore {
	return &CouchStore{
		client: client,
		dbName: dbName,
	}
}

func (s *CouchStore) Get(ctx context.Context, key string, dest interface{}) error {
	db := s.client.DB(s.dbName)

	row := db.Get(ctx, key)

	var doc couchDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return ErrNotFound
		}
		return &domain.StorageError{Op: "get", Key: key, Err: err}
	}

	if err := json.Unmarshal(doc.Value, dest); err != nil {
		return &domain.StorageError{Op: "get", Key: key, Err: err}
	}

	return nil
}

func (s *CouchStore) Set(ctx context.Context, key string, value interface{}) error {
	db := s.client.DB(s.dbName)

	raw, err := json.Marshal(value)
	if err != nil {
		return &domain.StorageError{Op: "set", Key: key, Err: err}
	}

	doc := couchDoc{ID: key, Value: raw}

	// An existing document needs its current revision or the put is rejected.
	row := db.Get(ctx, key)
	var existing couchDoc
	if err := row.ScanDoc(&existing); err == nil {
		doc.Rev = existing.Rev
	} else if kivik.HTTPStatus(err) != http.StatusNotFound {
		return &domain.StorageError{Op: "set", Key: key, Err: err}
	}

	if _, err := db.Put(ctx, key, doc); err != nil {
		return &domain.StorageError{Op: "set", Key: key, Err: err}
	}

	return nil
}

func (s *CouchStore) Remove(ctx context.Context, key string) error {
	db := s.client.DB(s.dbName)

	row := db.Get(ctx, key)
	var existing couchDoc
	if err := row.ScanDoc(&existing); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil
		}
		return &domain.StorageError{Op: "remove", Key: key, Err: err}
	}

	if _, err := db.Delete(ctx, key, existing.Rev); err != nil {
		return &domain.StorageError{Op: "remove", Key: key, Err: err}
	}

	return nil
}
