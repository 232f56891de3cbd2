package agentcontext

import (
	"context"
	"testing"
)

func TestContextValues(t *testing.T) {
	ctx := WithSessionID(context.Background(), "s1")
	ctx = WithTurnID(ctx, "m1")
	ctx = WithRequestID(ctx, "r1")

	if got := SessionIDFromContext(ctx); got != "s1" {
		t.Fatalf("session id = %q", got)
	}
	if got := TurnIDFromContext(ctx); got != "m1" {
		t.Fatalf("turn id = %q", got)
	}
	if got := RequestIDFromContext(ctx); got != "r1" {
		t.Fatalf("request id = %q", got)
	}
}

func TestEmptyValuesLeaveContextUntouched(t *testing.T) {
	base := context.Background()
	if WithSessionID(base, "") != base {
		t.Fatalf("expected same context for empty session id")
	}
	if got := SessionIDFromContext(nil); got != "" { //nolint:staticcheck // nil context is part of the contract
		t.Fatalf("expected empty id from nil context, got %q", got)
	}
}
