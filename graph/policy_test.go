package graph

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"single attempt", RetryPolicy{MaxAttempts: 1}, false},
		{"with backoff", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}, false},
		{"base only", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second}, false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, true},
		{"negative delay", RetryPolicy{MaxAttempts: 2, BaseDelay: -time.Second}, true},
		{"max below base", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Millisecond}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("expected ErrInvalidRetryPolicy, got %v", err)
			}
		})
	}
}

func TestRetryPolicy_Attempts(t *testing.T) {
	if got := (RetryPolicy{}).Attempts(); got != 1 {
		t.Errorf("zero policy: Attempts() = %d, want 1", got)
	}
	if got := (RetryPolicy{MaxAttempts: 4}).Attempts(); got != 4 {
		t.Errorf("Attempts() = %d, want 4", got)
	}
}

func TestComputeBackoff(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	if got := computeBackoff(3, 0, time.Second, rng); got != 0 {
		t.Errorf("zero base: got %v, want 0", got)
	}

	base := 100 * time.Millisecond
	for attempt, floor := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		got := computeBackoff(attempt, base, 0, rng)
		if got < floor || got >= floor+base {
			t.Errorf("attempt %d: got %v, want in [%v, %v)", attempt, got, floor, floor+base)
		}
	}

	capped := computeBackoff(20, base, time.Second, rng)
	if capped < time.Second || capped >= time.Second+base {
		t.Errorf("capped delay %v outside [1s, 1.1s)", capped)
	}

	a := computeBackoff(2, base, 0, rand.New(rand.NewSource(42)))
	b := computeBackoff(2, base, 0, rand.New(rand.NewSource(42)))
	if a != b {
		t.Errorf("same seed produced different delays: %v vs %v", a, b)
	}
}
