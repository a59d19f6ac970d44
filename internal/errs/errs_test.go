package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: fmt.Errorf("decode: %w", ErrProtocol), want: "protocol_error"},
		{err: fmt.Errorf("age 2: %w", ErrAuth), want: "auth_error"},
		{err: ErrSafetyViolation, want: "safety_violation"},
		{err: fmt.Errorf("generation: %w", ErrUpstreamUnavailable), want: "upstream_unavailable"},
		{err: ErrStageTimeout, want: "stage_timeout"},
		{err: ErrResourceExhausted, want: "resource_exhausted"},
		{err: context.Canceled, want: "canceled"},
		{err: errors.New("boom"), want: "internal_error"},
	}

	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Errorf("Code(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestScopeHelpers(t *testing.T) {
	if !IsConnectionFatal(fmt.Errorf("x: %w", ErrAuth)) {
		t.Fatal("auth errors close the connection")
	}
	if IsConnectionFatal(ErrStageTimeout) {
		t.Fatal("stage timeout must not close the connection")
	}
	if !IsTurnFatal(ErrUpstreamUnavailable) {
		t.Fatal("upstream failure aborts the turn")
	}
	if IsTurnFatal(ErrProtocol) {
		t.Fatal("protocol error is not a turn-level error")
	}
	if !IsRetryLater(fmt.Errorf("pool: %w", ErrResourceExhausted)) {
		t.Fatal("resource exhausted should signal retry-later")
	}
}
