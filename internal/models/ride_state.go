package models

type RideState string

const (
	StateSearching     RideState = "searching"
	StateAssigned      RideState = "assigned"
	StateDriverEnRoute RideState = "driver_en_route"
	StateArrived       RideState = "arrived"
	StateInProgress    RideState = "in_progress"
	StateCompleted     RideState = "completed"
	StateCancelled     RideState = "cancelled"
)

// AllowedTransitions is the server-side lifecycle. The client never applies
// these itself; it only uses them to sanity-check fetched snapshots.
var AllowedTransitions = map[RideState][]RideState{
	StateSearching:     {StateAssigned, StateCancelled},
	StateAssigned:      {StateDriverEnRoute, StateCancelled},
	StateDriverEnRoute: {StateArrived, StateCancelled},
	StateArrived:       {StateInProgress, StateCancelled},
	StateInProgress:    {StateCompleted, StateCancelled},
}

func CanTransition(from, to RideState) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s RideState) Known() bool {
	switch s {
	case StateSearching, StateAssigned, StateDriverEnRoute, StateArrived,
		StateInProgress, StateCompleted, StateCancelled:
		return true
	}
	return false
}

func (s RideState) Terminal() bool { return s == StateCompleted || s == StateCancelled }

func (s RideState) Cancellable() bool { return s.Known() && !s.Terminal() }
