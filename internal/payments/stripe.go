package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/retryqueue"
)

var ErrInvalidPayment = errors.New("invalid payment")

// intents is the slice of the PaymentIntent API the client uses.
type intents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeIntents struct{}

func (stripeIntents) New(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(p)
}

func (stripeIntents) Capture(id string, p *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Capture(id, p)
}

func (stripeIntents) Cancel(id string, p *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Cancel(id, p)
}

// StripeClient wraps stripe-go for ride payments: immediate charges plus the
// hold, capture and release flow for pre-authorised fares.
type StripeClient struct {
	api intents
}

// NewStripeClient sets the global stripe key and returns a client.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{api: stripeIntents{}}
}

// Charge creates and confirms a PaymentIntent for a ride. The idempotency key
// makes a retried charge return the original intent instead of billing twice.
func (s *StripeClient) Charge(ctx context.Context, p models.PaymentPayload, idempotencyKey string) (string, error) {
	params, err := intentParams(ctx, p, idempotencyKey)
	if err != nil {
		return "", err
	}
	params.Confirm = stripe.Bool(true)
	pi, err := s.api.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Hold authorises the fare without capturing it. The returned intent id is
// what a later capture or release action refers to.
func (s *StripeClient) Hold(ctx context.Context, p models.PaymentPayload, idempotencyKey string) (string, error) {
	params, err := intentParams(ctx, p, idempotencyKey)
	if err != nil {
		return "", err
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	if p.PaymentMethod != "" {
		params.Confirm = stripe.Bool(true)
	}
	pi, err := s.api.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture collects a held fare. A positive amount captures only part of it,
// which is how a cancellation fee is taken from a larger hold.
func (s *StripeClient) Capture(ctx context.Context, intentID string, amountCents int64, idempotencyKey string) error {
	if intentID == "" {
		return fmt.Errorf("%w: capture without intent id", ErrInvalidPayment)
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if amountCents > 0 {
		params.AmountToCapture = stripe.Int64(amountCents)
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	_, err := s.api.Capture(intentID, params)
	return err
}

// Release drops a hold, e.g. after a free cancellation.
func (s *StripeClient) Release(ctx context.Context, intentID string, idempotencyKey string) error {
	if intentID == "" {
		return fmt.Errorf("%w: release without intent id", ErrInvalidPayment)
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	_, err := s.api.Cancel(intentID, params)
	return err
}

// Executor delivers queued payment actions, keyed by action id.
func (s *StripeClient) Executor() retryqueue.Executor {
	return retryqueue.ExecutorFunc(func(ctx context.Context, a models.QueuedAction) error {
		var p models.PaymentPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayment, err)
		}
		var err error
		switch p.Mode {
		case "", models.PaymentCharge:
			_, err = s.Charge(ctx, p, a.ID)
		case models.PaymentHold:
			_, err = s.Hold(ctx, p, a.ID)
		case models.PaymentCapture:
			err = s.Capture(ctx, p.IntentID, p.AmountCents, a.ID)
		case models.PaymentRelease:
			err = s.Release(ctx, p.IntentID, a.ID)
		default:
			err = fmt.Errorf("%w: unknown mode %q", ErrInvalidPayment, p.Mode)
		}
		return err
	})
}

func intentParams(ctx context.Context, p models.PaymentPayload, idempotencyKey string) (*stripe.PaymentIntentParams, error) {
	if p.AmountCents <= 0 || p.RideID == "" {
		return nil, fmt.Errorf("%w: ride %q amount %d", ErrInvalidPayment, p.RideID, p.AmountCents)
	}
	currency := p.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.AmountCents),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	if p.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(p.PaymentMethod)
	}
	params.AddMetadata("ride_id", p.RideID)
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	return params, nil
}
