package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dukapos-offline-core/internal/domain"
)

// Client talks to the remote dukapos API. Every create/update carries the
// record's locally generated transaction id as an idempotency key, so a
// retried delivery after a timeout cannot create a duplicate entity.
type Client struct {
	baseURL  string
	token    string
	deviceID string
	client   *http.Client
}

func NewClient(baseURL, token, deviceID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		token:    token,
		deviceID: deviceID,
		client:   &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// Deliver replays one pending operation against the entity's endpoint.
// A 409 is returned as *domain.ConflictError: the earlier attempt for this
// idempotency key already succeeded, so callers treat it as success.
func (c *Client) Deliver(ctx context.Context, op *domain.PendingOperation) (*domain.ServerRecord, error) {
	method := http.MethodPost
	url := fmt.Sprintf("%s/api/v1/%ss", c.baseURL, op.EntityType)
	if op.Action == domain.ActionUpdate {
		method = http.MethodPut
		url = fmt.Sprintf("%s/%s", url, op.EntityID)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(op.Payload))
	if err != nil {
		return nil, &domain.NetworkError{Op: "deliver", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.TransactionID)
	c.decorate(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{Op: "deliver", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var record domain.ServerRecord
		if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
			return nil, &domain.NetworkError{Op: "deliver", Err: err}
		}
		return &record, nil

	case resp.StatusCode == http.StatusConflict:
		return nil, &domain.ConflictError{TransactionID: op.TransactionID}

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		var body errorBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
			body.Error = fmt.Sprintf("rejected with status %d", resp.StatusCode)
		}
		return nil, &domain.ValidationError{Field: body.Field, Reason: body.Error}

	default:
		return nil, &domain.NetworkError{
			Op:  "deliver",
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
}

// Fetch retrieves reference data for a cache key, e.g. "customers" or
// "products?category=drinks".
func (c *Client) Fetch(ctx context.Context, key string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/api/v1/%s", c.baseURL, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.NetworkError{Op: "fetch", Err: err}
	}
	c.decorate(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.NetworkError{
			Op:  "fetch",
			Err: fmt.Errorf("unexpected status %d for %s", resp.StatusCode, key),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.NetworkError{Op: "fetch", Err: err}
	}
	return body, nil
}

// Health probes the remote API's liveness endpoint. The connectivity monitor
// uses it to supplement unreliable host-level online signals.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &domain.NetworkError{Op: "health", Err: err}
	}
	c.decorate(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return &domain.NetworkError{Op: "health", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &domain.NetworkError{
			Op:  "health",
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	return nil
}

func (c *Client) decorate(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
}
