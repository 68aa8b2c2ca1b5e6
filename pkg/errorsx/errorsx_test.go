package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonHandshake)
	if Reason(err) != ReasonHandshake {
		t.Fatalf("expected reason %s, got %s", ReasonHandshake, Reason(err))
	}
	if !HasReason(err, ReasonHandshake) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSendRejected)
	second := Wrap(first, ReasonHandshake)
	if Reason(second) != ReasonSendRejected {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestNewCarriesReasonThroughWrapping(t *testing.T) {
	err := New(ReasonReconnectExhausted, "gave up after %d attempts", 3)
	outer := fmt.Errorf("session teardown: %w", err)
	if Reason(outer) != ReasonReconnectExhausted {
		t.Fatalf("expected reason to survive fmt wrapping, got %s", Reason(outer))
	}
	if err.Error() != "gave up after 3 attempts" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestReasonOnPlainError(t *testing.T) {
	if Reason(errors.New("plain")) != ReasonUnknown {
		t.Fatalf("expected unknown reason for plain error")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
