package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Money is an amount in cents. Fees and fares never go through float math.
type Money int64

func Dollars(d float64) Money {
	if d < 0 {
		return -Money(-d*100 + 0.5)
	}
	return Money(d*100 + 0.5)
}

func (m Money) Dollars() float64 { return float64(m) / 100 }

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

type ConnectionType string

const (
	ConnWifi     ConnectionType = "wifi"
	ConnCellular ConnectionType = "cellular"
	ConnEthernet ConnectionType = "ethernet"
	ConnUnknown  ConnectionType = "unknown"
)

func ParseConnectionType(s string) ConnectionType {
	switch ConnectionType(s) {
	case ConnWifi, ConnCellular, ConnEthernet:
		return ConnectionType(s)
	default:
		return ConnUnknown
	}
}

type NetworkStatus struct {
	IsConnected         bool           `json:"is_connected"`
	IsInternetReachable bool           `json:"is_internet_reachable"`
	ConnectionType      ConnectionType `json:"connection_type"`
	LastConnectedAt     *time.Time     `json:"last_connected_at,omitempty"`
}

// Online reports whether outbound actions can be attempted.
func (s NetworkStatus) Online() bool { return s.IsConnected && s.IsInternetReachable }

type ActionKind string

const (
	ActionRideRequest    ActionKind = "ride_request"
	ActionRideCancel     ActionKind = "ride_cancel"
	ActionPayment        ActionKind = "payment"
	ActionLocationUpdate ActionKind = "location_update"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionRideRequest, ActionRideCancel, ActionPayment, ActionLocationUpdate:
		return true
	}
	return false
}

type QueuedAction struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	NextDelay  time.Duration   `json:"next_delay_ns"`
}

type RideRequestPayload struct {
	RiderID     string `json:"rider_id"`
	Origin      Coord  `json:"origin"`
	Destination Coord  `json:"destination"`
	RideType    string `json:"ride_type,omitempty"`
}

type RideCancelPayload struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason,omitempty"`
}

// PaymentMode selects what a payment action does with the gateway. An empty
// mode is a charge.
type PaymentMode string

const (
	PaymentCharge  PaymentMode = "charge"
	PaymentHold    PaymentMode = "hold"
	PaymentCapture PaymentMode = "capture"
	PaymentRelease PaymentMode = "release"
)

// PaymentPayload describes one payment action. Hold and charge need the ride
// and amount; capture and release act on the IntentID returned by a hold.
type PaymentPayload struct {
	Mode          PaymentMode `json:"mode,omitempty"`
	RideID        string      `json:"ride_id"`
	AmountCents   int64       `json:"amount_cents"`
	Currency      string      `json:"currency"`
	CustomerID    string      `json:"customer_id,omitempty"`
	PaymentMethod string      `json:"payment_method,omitempty"`
	IntentID      string      `json:"intent_id,omitempty"`
}

type LocationPayload struct {
	RiderID   string    `json:"rider_id"`
	RideID    string    `json:"ride_id,omitempty"`
	Loc       Coord     `json:"loc"`
	Timestamp time.Time `json:"timestamp"`
}

type EventCategory string

const (
	CategoryStatus         EventCategory = "status"
	CategoryDriverLocation EventCategory = "driver_location"
)

// RideEvent is a push from the real-time transport. It only signals that
// authoritative ride state should be re-fetched.
type RideEvent struct {
	RideID      string        `json:"ride_id"`
	DriverID    string        `json:"driver_id,omitempty"`
	Category    EventCategory `json:"category"`
	Status      string        `json:"status,omitempty"`
	Message     string        `json:"message,omitempty"`
	CancelledBy string        `json:"cancelled_by,omitempty"`
	Location    *Coord        `json:"location,omitempty"`
	ETAMinutes  *float64      `json:"eta_minutes,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// RideSnapshot is ride state as reported by the ride service.
type RideSnapshot struct {
	ID         string     `json:"id"`
	RiderID    string     `json:"rider_id"`
	DriverID   string     `json:"driver_id,omitempty"`
	State      RideState  `json:"status"`
	PriceCents Money      `json:"price_cents"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
