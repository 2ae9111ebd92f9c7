package events

import "errors"

var (
	ErrConnection     = errors.New("realtime connection error")
	ErrMalformedEvent = errors.New("malformed ride event")
	ErrRefresh        = errors.New("ride refresh failed")
	ErrEmptyRideID    = errors.New("ride id is required")
)
