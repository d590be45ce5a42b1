package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("unit price: %w", ErrBadRequest)

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "bad_request", err: ErrBadRequest, want: "bad_request"},
		{name: "bad_request_wrapped", err: wrapped, want: "bad_request"},
		{name: "misconfigured", err: ErrMisconfigured, want: "misconfigured"},
		{name: "gateway_unreachable", err: ErrGatewayUnreachable, want: "gateway_unreachable"},
		{name: "rate_limited", err: ErrRateLimited, want: "rate_limited"},
		{name: "deadline", err: context.DeadlineExceeded, want: "timeout"},
		{name: "canceled", err: context.Canceled, want: "canceled"},
		{name: "unknown", err: errors.New("unknown"), want: "internal"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Kind(tt.err); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
