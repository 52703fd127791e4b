package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	declined := errors.New("card declined")

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassSuccess},
		{"transient", Transient("reserve", errors.New("connection refused")), ClassTransient},
		{"rejection", Reject("declined", declined), ClassRejection},
		{"wrapped rejection", fmt.Errorf("charge: %w", Reject("declined", declined)), ClassRejection},
		{"breaker open", &BreakerOpenError{Dependency: "payment"}, ClassBreakerOpen},
		{"canceled", context.Canceled, ClassCanceled},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"unknown", errors.New("boom"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", Transient("op", errors.New("503")), true},
		{"unclassified", errors.New("unclassified"), true},
		{"rejection", Reject("out of stock", nil), false},
		{"breaker open", &BreakerOpenError{Dependency: "inventory"}, false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	last := errors.New("timeout")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient with op", Transient("reserve", errors.New("refused")), "reserve: transient: refused"},
		{"transient without op", Transient("", errors.New("refused")), "transient: refused"},
		{"rejection with cause", Reject("declined", errors.New("insufficient funds")), "rejected: declined: insufficient funds"},
		{"rejection", Reject("declined", nil), "rejected: declined"},
		{"breaker open with last", &BreakerOpenError{Dependency: "payment", Last: last}, "circuit breaker open for payment (last error: timeout)"},
		{"breaker open", &BreakerOpenError{Dependency: "payment"}, "circuit breaker open for payment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Fatalf("Error() = %q, want %q", got, tt.want)
			}
		})
	}

	if err := Transient("reserve", nil); err != nil {
		t.Fatalf("expected nil for nil cause, got %v", err)
	}
	if !errors.Is(&BreakerOpenError{Dependency: "payment", Last: last}, last) {
		t.Fatalf("expected breaker open error to unwrap to last error")
	}
}
