// Package cancellation prices a rider-initiated cancellation from the ride's
// lifecycle state, how long ago a driver accepted, and the ride price.
// Cancellation is never blocked, only priced.
package cancellation

import (
	"time"

	"github.com/example/ride-sync/internal/config"
	"github.com/example/ride-sync/internal/models"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Policy is the fee table. Every field comes from configuration.
type Policy struct {
	Fees                  map[models.RideState]models.Money
	InProgressFarePercent int64
	FreeWindow            time.Duration
	MediumMax             models.Money
	HighMax               models.Money
}

func DefaultPolicy() Policy {
	return Policy{
		Fees: map[models.RideState]models.Money{
			models.StateSearching:     0,
			models.StateAssigned:      250,
			models.StateDriverEnRoute: 250,
			models.StateArrived:       500,
		},
		InProgressFarePercent: 100,
		FreeWindow:            300 * time.Second,
		MediumMax:             250,
		HighMax:               500,
	}
}

// PolicyFromConfig builds the fee table from the agent config.
func PolicyFromConfig(c config.CancellationConfig) Policy {
	p := DefaultPolicy()
	p.Fees = map[models.RideState]models.Money{
		models.StateSearching:     models.Money(c.FeeSearching),
		models.StateAssigned:      models.Money(c.FeeAssigned),
		models.StateDriverEnRoute: models.Money(c.FeeDriverEnRoute),
		models.StateArrived:       models.Money(c.FeeArrived),
	}
	p.InProgressFarePercent = c.InProgressFarePercent
	p.FreeWindow = c.FreeWindow
	return p
}

func (p Policy) severity(fee models.Money, free bool) Severity {
	switch {
	case free || fee <= 0:
		return SeverityLow
	case fee <= p.MediumMax:
		return SeverityMedium
	case fee <= p.HighMax:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}
