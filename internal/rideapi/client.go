// Package rideapi talks JSON over HTTP to the ride service, which owns the
// authoritative ride lifecycle.
package rideapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ride-sync/internal/models"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ride api %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client performs ride lookups and commands against the ride service.
type Client struct {
	Endpoint string
	Client   *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 5 * time.Second}}
}

// GetRide fetches the current snapshot of one ride.
func (c *Client) GetRide(ctx context.Context, rideID string) (models.RideSnapshot, error) {
	var out models.RideSnapshot
	err := c.do(ctx, http.MethodGet, "/rides/"+url.PathEscape(rideID), "", nil, &out)
	return out, err
}

// RequestRide creates a ride. idempotencyKey lets the service collapse
// retried submissions of the same request.
func (c *Client) RequestRide(ctx context.Context, req models.RideRequestPayload, idempotencyKey string) (models.RideSnapshot, error) {
	var out models.RideSnapshot
	err := c.do(ctx, http.MethodPost, "/rides", idempotencyKey, req, &out)
	return out, err
}

func (c *Client) CancelRide(ctx context.Context, req models.RideCancelPayload, idempotencyKey string) error {
	return c.do(ctx, http.MethodPost, "/rides/"+url.PathEscape(req.RideID)+"/cancel", idempotencyKey, req, nil)
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
