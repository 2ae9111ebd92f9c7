package cancellation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
)

const msgNotCancellable = "This ride cannot be cancelled"

type QuoteInput struct {
	State      models.RideState
	RidePrice  models.Money
	AcceptedAt *time.Time
	Now        time.Time
}

// Quote is derived on demand and never stored.
type Quote struct {
	Fee                 models.Money `json:"fee_cents"`
	FeeDisplay          string       `json:"fee"`
	IsFree              bool         `json:"is_free"`
	FreeWindowRemaining int          `json:"free_window_remaining_sec"`
	Reason              string       `json:"reason"`
	Consequences        []string     `json:"consequences"`
	Severity            Severity     `json:"severity"`
}

type Engine struct {
	policy Policy
	logger *slog.Logger
}

func NewEngine(p Policy, logger *slog.Logger) *Engine {
	if p.Fees == nil {
		p.Fees = DefaultPolicy().Fees
	}
	return &Engine{policy: p, logger: logging.Or(logger)}
}

func (e *Engine) Policy() Policy { return e.policy }

// Allowed reports whether a ride in state s may be cancelled. Cancellation is
// priced, never refused.
func (e *Engine) Allowed(models.RideState) bool { return true }

// Quote computes the fee, free-window remaining, rationale, consequences and
// severity. It never fails; unknown states get a zero fee.
func (e *Engine) Quote(in QuoteInput) Quote {
	q := e.quote(in)
	q.FeeDisplay = q.Fee.String()
	observability.CancellationQuotes.WithLabelValues(string(q.Severity)).Inc()
	e.logger.Debug("cancellation_quoted",
		"state", in.State,
		"fee_cents", int64(q.Fee),
		"free_window_remaining_sec", q.FreeWindowRemaining,
		"severity", q.Severity,
	)
	return q
}

// QuoteSnapshot quotes a stored ride snapshot at now.
func (e *Engine) QuoteSnapshot(s models.RideSnapshot, now time.Time) Quote {
	return e.Quote(QuoteInput{State: s.State, RidePrice: s.PriceCents, AcceptedAt: s.AcceptedAt, Now: now})
}

func (e *Engine) quote(in QuoteInput) Quote {
	p := e.policy

	if !in.State.Cancellable() {
		if !in.State.Known() {
			e.logger.Warn("cancellation_unknown_state", "state", in.State)
		}
		return Quote{
			IsFree:       true,
			Reason:       fmt.Sprintf("Ride is %s", stateLabel(in.State)),
			Consequences: []string{msgNotCancellable},
			Severity:     SeverityLow,
		}
	}

	var fee models.Money
	if in.State == models.StateInProgress {
		fee = in.RidePrice * models.Money(p.InProgressFarePercent) / 100
	} else {
		fee = p.Fees[in.State]
	}

	remaining := 0
	if in.State == models.StateAssigned {
		remaining = freeWindowRemaining(p.FreeWindow, in.AcceptedAt, in.Now)
		if remaining > 0 {
			fee = 0
		}
	}
	if fee < 0 {
		fee = 0
	}
	free := fee == 0

	return Quote{
		Fee:                 fee,
		IsFree:              free,
		FreeWindowRemaining: remaining,
		Reason:              reason(in.State, fee, remaining),
		Consequences:        consequences(in.State, fee, free),
		Severity:            p.severity(fee, free),
	}
}

// freeWindowRemaining returns whole seconds left in the window. Elapsed time is
// truncated, so at 299.9s one second remains.
func freeWindowRemaining(window time.Duration, acceptedAt *time.Time, now time.Time) int {
	var elapsed int64
	if acceptedAt != nil {
		elapsed = int64(now.Sub(*acceptedAt) / time.Second)
		if elapsed < 0 {
			elapsed = 0
		}
	}
	rem := int64(window/time.Second) - elapsed
	if rem < 0 {
		return 0
	}
	return int(rem)
}

func reason(s models.RideState, fee models.Money, remaining int) string {
	switch s {
	case models.StateSearching:
		return "No driver has been assigned yet, so cancelling is free"
	case models.StateAssigned:
		if remaining > 0 {
			return fmt.Sprintf("Free cancellation for %s more", formatRemaining(remaining))
		}
		return fmt.Sprintf("A %s fee applies because the free cancellation window has passed", fee)
	case models.StateDriverEnRoute:
		return fmt.Sprintf("A %s fee applies because your driver is on the way", fee)
	case models.StateArrived:
		return fmt.Sprintf("A %s fee applies because your driver has arrived", fee)
	case models.StateInProgress:
		return fmt.Sprintf("Your trip is in progress; cancelling charges %s", fee)
	}
	return ""
}

func consequences(s models.RideState, fee models.Money, free bool) []string {
	var out []string
	if free {
		out = append(out, "You will not be charged")
	}
	switch s {
	case models.StateSearching:
		out = append(out, "Your ride request will be withdrawn")
	case models.StateAssigned, models.StateDriverEnRoute:
		if !free {
			out = append(out, fmt.Sprintf("A cancellation fee of %s will be charged", fee))
		}
		out = append(out, "Driver rating may be affected")
	case models.StateArrived:
		out = append(out,
			fmt.Sprintf("A cancellation fee of %s will be charged", fee),
			"Your driver is waiting at the pickup point",
		)
	case models.StateInProgress:
		out = append(out,
			"You will be charged the full ride fare",
			"The trip ends at your current location",
		)
	}
	return out
}

func formatRemaining(sec int) string {
	if sec < 60 {
		return fmt.Sprintf("%ds", sec)
	}
	return fmt.Sprintf("%dm %02ds", sec/60, sec%60)
}

func stateLabel(s models.RideState) string {
	if s == "" || !s.Known() {
		return "in an unknown state"
	}
	return string(s)
}
