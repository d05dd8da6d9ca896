package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// saveStateRequest is the POST body for creating or overwriting a record.
type saveStateRequest struct {
	Key               string         `json:"key"`
	Type              OperationType  `json:"type"`
	Data              map[string]any `json:"data"`
	ExpirationMinutes int            `json:"expirationMinutes"`
}

// updateStateRequest is the PATCH body. The server merges Updates by key
// into the record's existing data; it never replaces the map wholesale.
type updateStateRequest struct {
	Updates map[string]any `json:"updates"`
}

// GetState fetches one operation record by key. Returns ErrNotFound
// (wrapped in an APIError) when no record exists.
func (c *Client) GetState(ctx context.Context, key string) (*OperationRecord, error) {
	var rec OperationRecord
	if err := c.DoJSON(ctx, http.MethodGet, "/api/operation-state/"+url.PathEscape(key), nil, &rec); err != nil {
		return nil, err
	}

	return &rec, nil
}

// SaveState creates or overwrites the record for key with the given TTL.
func (c *Client) SaveState(ctx context.Context, key string, typ OperationType, data map[string]any, ttlMinutes int) (*OperationRecord, error) {
	req := saveStateRequest{
		Key:               key,
		Type:              typ,
		Data:              data,
		ExpirationMinutes: ttlMinutes,
	}

	var rec OperationRecord
	if err := c.DoJSON(ctx, http.MethodPost, "/api/operation-state", req, &rec); err != nil {
		return nil, fmt.Errorf("saving operation state %q: %w", key, err)
	}

	return &rec, nil
}

// UpdateState merges the given partial data into the record for key.
func (c *Client) UpdateState(ctx context.Context, key string, updates map[string]any) (*OperationRecord, error) {
	var rec OperationRecord

	err := c.DoJSON(ctx, http.MethodPatch, "/api/operation-state/"+url.PathEscape(key), updateStateRequest{Updates: updates}, &rec)
	if err != nil {
		return nil, fmt.Errorf("updating operation state %q: %w", key, err)
	}

	return &rec, nil
}

// DeleteState removes the record for key. The server reports success even
// when the key was already absent.
func (c *Client) DeleteState(ctx context.Context, key string) (*RemoveResult, error) {
	var res RemoveResult
	if err := c.DoJSON(ctx, http.MethodDelete, "/api/operation-state/"+url.PathEscape(key), nil, &res); err != nil {
		return nil, fmt.Errorf("removing operation state %q: %w", key, err)
	}

	return &res, nil
}

// ListStates returns all live records, optionally filtered by type.
func (c *Client) ListStates(ctx context.Context, typ OperationType) ([]OperationRecord, error) {
	path := "/api/operation-state"
	if typ != "" {
		path += "?type=" + url.QueryEscape(string(typ))
	}

	var recs []OperationRecord
	if err := c.DoJSON(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, fmt.Errorf("listing operation state: %w", err)
	}

	return recs, nil
}
