package httpclient

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryableError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *RetryableError
		expected string
	}{
		{
			name: "with_retry_after",
			err: &RetryableError{
				StatusCode: 429,
				Message:    "Rate limit exceeded",
				RetryAfter: 30 * time.Second,
			},
			expected: "HTTP 429: Rate limit exceeded (retry after 30s)",
		},
		{
			name: "without_retry_after",
			err: &RetryableError{
				StatusCode: 503,
				Message:    "Service unavailable",
			},
			expected: "HTTP 503: Service unavailable",
		},
		{
			name: "sub_second_retry_after",
			err: &RetryableError{
				StatusCode: 429,
				Message:    "Rate limit exceeded",
				RetryAfter: 1500 * time.Millisecond,
			},
			expected: "HTTP 429: Rate limit exceeded (retry after 1.5s)",
		},
		{
			name: "transport_failure_without_status",
			err: &RetryableError{
				StatusCode: 0,
				Message:    "max HTTP retries (2) exceeded",
			},
			expected: "HTTP 0: max HTTP retries (2) exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRetryableError_Wrapping(t *testing.T) {
	root := errors.New("connection reset")
	err := &RetryableError{
		StatusCode: 502,
		Message:    "Bad gateway",
		RetryAfter: 5 * time.Second,
		Err:        root,
	}

	if err.Unwrap() != root {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), root)
	}

	wrapped := fmt.Errorf("upstream call failed: %w", err)
	if !errors.Is(wrapped, root) {
		t.Error("errors.Is should reach the root cause through the chain")
	}

	var re *RetryableError
	if !errors.As(wrapped, &re) {
		t.Fatal("errors.As should extract RetryableError from the chain")
	}
	if re.StatusCode != 502 || re.RetryAfter != 5*time.Second {
		t.Errorf("extracted error = %+v, want StatusCode=502 RetryAfter=5s", re)
	}
}

func TestRetryableError_UnwrapNil(t *testing.T) {
	err := &RetryableError{StatusCode: 500, Message: "Internal server error"}
	if err.Unwrap() != nil {
		t.Errorf("Unwrap() = %v, want nil", err.Unwrap())
	}
	if !err.IsRetryable() {
		t.Error("IsRetryable() should be true for every RetryableError")
	}
}
