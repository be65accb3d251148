package errs

import (
	"context"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrThrottled, true},
		{fmt.Errorf("read: %w", ErrUnavailable), true},
		{context.DeadlineExceeded, false},
		{fmt.Errorf("read: %w", context.Canceled), false},
		{ErrMalformed, false},
		{ErrConflict, false},
		{ErrCircuitOpen, false},
		{ErrNotFound, false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsCallerGone(t *testing.T) {
	if !IsCallerGone(fmt.Errorf("read: %w", context.Canceled)) || !IsCallerGone(context.DeadlineExceeded) {
		t.Fatalf("context errors must be reported as caller gone")
	}
	if IsCallerGone(ErrUnavailable) || IsCallerGone(nil) {
		t.Fatalf("store errors are not caller gone")
	}
}

func TestUserMessageSeparatesDegradedFromDefinitive(t *testing.T) {
	degraded := UserMessage(fmt.Errorf("bind: %w", ErrCircuitOpen))
	notFound := UserMessage(ErrPartnerNotFound)
	if degraded == notFound {
		t.Fatalf("degraded and not-found must differ: %q", degraded)
	}
	if UserMessage(nil) != "" {
		t.Fatalf("expected empty message for nil")
	}
	if UserMessage(fmt.Errorf("x: %w", ErrUnavailable)) != degraded {
		t.Fatalf("unavailable and circuit open should share the retry message")
	}
	if UserMessage(context.DeadlineExceeded) != degraded {
		t.Fatalf("a timed out request should ask the user to retry")
	}
}
