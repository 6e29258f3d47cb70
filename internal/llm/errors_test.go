package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsUnavailable(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"nil error", nil, false},
		{"connection refused", errors.New("dial tcp 127.0.0.1:11434: connection refused"), true},
		{"no such host", errors.New("dial tcp: lookup ollama: no such host"), true},
		{"deadline", errors.New("context deadline exceeded"), true},
		{"rate limited", errors.New("HTTP 429: too many requests"), true},
		{"bad gateway", errors.New("HTTP 502: bad gateway"), true},
		{"overloaded", errors.New("model is overloaded, try again later"), true},
		{"wrapped", fmt.Errorf("embed batch: %w", errors.New("connection reset by peer")), true},
		{"bad request", errors.New("HTTP 400: invalid request"), false},
		{"auth failure", errors.New("invalid api key"), false},
		{"dimension mismatch", errors.New("dimension mismatch: got 768, want 384"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUnavailable(tt.err); got != tt.unavailable {
				t.Errorf("isUnavailable(%v) = %v, want %v", tt.err, got, tt.unavailable)
			}
		})
	}
}

func TestWrapUnavailable(t *testing.T) {
	t.Run("tags outage errors", func(t *testing.T) {
		err := errors.New("dial tcp: connection refused")
		wrapped := wrapUnavailable(err)
		if !errors.Is(wrapped, ErrProviderUnavailable) {
			t.Errorf("expected wrapped error to match ErrProviderUnavailable")
		}
	})

	t.Run("passes through other errors", func(t *testing.T) {
		err := errors.New("dimension mismatch")
		result := wrapUnavailable(err)
		if errors.Is(result, ErrProviderUnavailable) {
			t.Errorf("non-outage error should not be tagged")
		}
		if result != err {
			t.Errorf("expected original error returned, got %v", result)
		}
	})

	t.Run("nil error", func(t *testing.T) {
		if result := wrapUnavailable(nil); result != nil {
			t.Errorf("expected nil, got %v", result)
		}
	})
}
