package rideapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/retryqueue"
)

// The queued action id doubles as the idempotency key, so every retry of one
// action is the same request as far as the ride service is concerned.

func (c *Client) RideRequestExecutor() retryqueue.Executor {
	return retryqueue.ExecutorFunc(func(ctx context.Context, a models.QueuedAction) error {
		var p models.RideRequestPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("decode ride request: %w", err)
		}
		_, err := c.RequestRide(ctx, p, a.ID)
		return err
	})
}

func (c *Client) RideCancelExecutor() retryqueue.Executor {
	return retryqueue.ExecutorFunc(func(ctx context.Context, a models.QueuedAction) error {
		var p models.RideCancelPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("decode ride cancel: %w", err)
		}
		if p.RideID == "" {
			return fmt.Errorf("ride cancel: missing ride_id")
		}
		return c.CancelRide(ctx, p, a.ID)
	})
}
