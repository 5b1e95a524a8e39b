package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("connect", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "connect: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "connect: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalNetworkError("auth", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewNetworkError("dial", baseErr)
		fatal := NewFatalNetworkError("auth", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}

		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}

		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "api_key", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [api_key]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestTradeError(t *testing.T) {
	t.Run("matches by code", func(t *testing.T) {
		err := Errorf(ErrCodeInsufficientFunds, "need %s", "100")
		if !errors.Is(err, ErrInsufficientFunds) {
			t.Error("Expected errors.Is to match on code")
		}
		if errors.Is(err, ErrInvalidVolume) {
			t.Error("Expected different codes not to match")
		}
	})

	t.Run("code survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("submit: %w", Errorf(ErrCodeSessionNotReady, "session s1"))
		if CodeOf(err) != ErrCodeSessionNotReady {
			t.Errorf("Expected code %s, got %s", ErrCodeSessionNotReady, CodeOf(err))
		}
		if CategoryOf(err) != CategorySession {
			t.Errorf("Expected category %s, got %s", CategorySession, CategoryOf(err))
		}
	})

	t.Run("plain error has no code", func(t *testing.T) {
		if CodeOf(errors.New("x")) != 0 {
			t.Error("Expected zero code for plain error")
		}
	})

	t.Run("retriable categories", func(t *testing.T) {
		if !IsRetriable(Errorf(ErrCodeSaveFailed, "db down")) {
			t.Error("Persistence errors should be retriable")
		}
		if IsRetriable(Errorf(ErrCodeInvalidPrice, "bad")) {
			t.Error("Validation errors should not be retriable")
		}
	})
}
