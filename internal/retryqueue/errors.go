package retryqueue

import (
	"context"
	"errors"
)

var (
	ErrExhausted   = errors.New("retries exhausted")
	ErrNoExecutor  = errors.New("no executor registered for action kind")
	ErrUnknownKind = errors.New("unknown action kind")
	ErrClosed      = errors.New("retry queue closed")
)

// Kind maps an error to a short label for logs and API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrExhausted):
		return "exhausted"

	case errors.Is(err, ErrNoExecutor):
		return "no_executor"

	case errors.Is(err, ErrUnknownKind):
		return "unknown_kind"

	case errors.Is(err, ErrClosed):
		return "closed"

	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "internal"
	}
}
