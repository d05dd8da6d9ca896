package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// cancelTimeout bounds a cancel request. Cancels are fire-and-forget:
// they get one attempt with a short deadline and are never retried.
const cancelTimeout = 5 * time.Second

// StartCacheClear asks the server to begin a full cache clear and returns
// the operation id to track.
func (c *Client) StartCacheClear(ctx context.Context) (*StartResult, error) {
	var res StartResult
	if err := c.DoJSON(ctx, http.MethodPost, "/api/cache/clear", nil, &res); err != nil {
		return nil, fmt.Errorf("starting cache clear: %w", err)
	}

	return &res, nil
}

// CacheClearStatus polls the status of a cache clear operation.
func (c *Client) CacheClearStatus(ctx context.Context, operationID string) (*OperationStatus, error) {
	var st OperationStatus
	if err := c.DoJSON(ctx, http.MethodGet, "/api/cache/clear-status/"+url.PathEscape(operationID), nil, &st); err != nil {
		return nil, err
	}

	return &st, nil
}

// CancelCacheClear requests cancellation of a cache clear operation.
// Best-effort: the server may not reach a terminal state before the
// caller's own timeout fires.
func (c *Client) CancelCacheClear(ctx context.Context, operationID string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	return c.DoJSON(ctx, http.MethodPost, "/api/cache/clear-cancel/"+url.PathEscape(operationID), nil, nil)
}

// StartLogProcessing asks the server to reprocess the full access log.
func (c *Client) StartLogProcessing(ctx context.Context) (*StartResult, error) {
	var res StartResult
	if err := c.DoJSON(ctx, http.MethodPost, "/api/logs/process", nil, &res); err != nil {
		return nil, fmt.Errorf("starting log processing: %w", err)
	}

	return &res, nil
}

// LogProcessingStatus polls the status of the log processing job. The
// server runs at most one, so the endpoint takes no id.
func (c *Client) LogProcessingStatus(ctx context.Context) (*OperationStatus, error) {
	var st OperationStatus
	if err := c.DoJSON(ctx, http.MethodGet, "/api/logs/processing-status", nil, &st); err != nil {
		return nil, err
	}

	return &st, nil
}

// CancelLogProcessing requests cancellation of the log processing job.
func (c *Client) CancelLogProcessing(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	return c.DoJSON(ctx, http.MethodPost, "/api/logs/processing-cancel", nil, nil)
}

// StartServiceRemoval asks the server to remove all log entries for the
// named service (e.g. "steam", "epic").
func (c *Client) StartServiceRemoval(ctx context.Context, service string) (*StartResult, error) {
	var res StartResult
	if err := c.DoJSON(ctx, http.MethodPost, "/api/services/"+url.PathEscape(service)+"/remove", nil, &res); err != nil {
		return nil, fmt.Errorf("starting removal of service %q: %w", service, err)
	}

	return &res, nil
}

// ServiceRemovalStatus polls the status of a service removal operation.
func (c *Client) ServiceRemovalStatus(ctx context.Context, operationID string) (*OperationStatus, error) {
	var st OperationStatus
	if err := c.DoJSON(ctx, http.MethodGet, "/api/services/remove-status/"+url.PathEscape(operationID), nil, &st); err != nil {
		return nil, err
	}

	return &st, nil
}

// CancelServiceRemoval requests cancellation of a service removal operation.
func (c *Client) CancelServiceRemoval(ctx context.Context, operationID string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	return c.DoJSON(ctx, http.MethodPost, "/api/services/remove-cancel/"+url.PathEscape(operationID), nil, nil)
}
