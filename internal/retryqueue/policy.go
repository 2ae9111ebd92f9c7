package retryqueue

import (
	"math"
	"time"
)

// Policy holds the retry knobs. All of them are configuration inputs so the
// backend can tune delivery without a client release.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// DrainPacing separates attempts when the queue is drained after a
	// reconnect, so the backend does not see a burst.
	DrainPacing time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		BackoffFactor: 2,
		MaxDelay:      30 * time.Second,
		DrainPacing:   500 * time.Millisecond,
	}
}

// normalized fills zero or nonsensical values from the defaults.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 1 {
		p.MaxRetries = d.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = d.BackoffFactor
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.DrainPacing < 0 {
		p.DrainPacing = 0
	}
	return p
}

// Delay returns min(MaxDelay, BaseDelay * BackoffFactor^retryCount).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(retryCount))
	if math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
