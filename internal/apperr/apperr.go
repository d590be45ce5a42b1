// Package apperr classifies errors surfaced by the storefront-facing
// endpoints (checkout proxy, signing, rate limiting) into kinds.
package apperr

import (
	"context"
	"errors"
)

var (
	ErrBadRequest         = errors.New("bad request")
	ErrMisconfigured      = errors.New("misconfigured")
	ErrGatewayUnreachable = errors.New("gateway unreachable")
	ErrRateLimited        = errors.New("rate limited")
)

// Kind names the class of err. Transport code maps kinds to statuses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrBadRequest):
		return "bad_request"

	case errors.Is(err, ErrMisconfigured):
		return "misconfigured"

	case errors.Is(err, ErrGatewayUnreachable):
		return "gateway_unreachable"

	case errors.Is(err, ErrRateLimited):
		return "rate_limited"

	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "internal"
	}
}
