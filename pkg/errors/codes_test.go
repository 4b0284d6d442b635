package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestProtonError_Error(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "Startup", "invalid config file", nil)
	expected := "[1001] Startup: invalid config file"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	cause := errors.New("address already in use")
	errWithCause := New(ErrCodeListenFailed, "Listen", "could not bind 0.0.0.0:80", cause)
	expectedWithCause := "[3001] Listen: could not bind 0.0.0.0:80 (cause: address already in use)"
	if errWithCause.Error() != expectedWithCause {
		t.Errorf("Expected %q, got %q", expectedWithCause, errWithCause.Error())
	}
}

func TestProtonError_Unwrap(t *testing.T) {
	cause := errors.New("file not found")
	err := New(ErrCodeConfigInvalid, "Startup", "invalid config file", cause)

	unwrapped := errors.Unwrap(err)
	if unwrapped != cause {
		t.Errorf("Expected cause %v, got %v", cause, unwrapped)
	}

	errNoCause := New(ErrCodeConfigInvalid, "Startup", "invalid config file", nil)
	if errors.Unwrap(errNoCause) != nil {
		t.Errorf("Expected nil cause, got %v", errors.Unwrap(errNoCause))
	}
}

func TestProtonError_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("sending ack: %w", New(ErrCodeChannelClosed, "Send", "broken pipe", nil))
	if !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Expected %v to match ErrChannelClosed", err)
	}
	if errors.Is(err, ErrSpawn) {
		t.Errorf("Did not expect %v to match ErrSpawn", err)
	}
	if CodeOf(err) != ErrCodeChannelClosed {
		t.Errorf("Expected code %d, got %d", ErrCodeChannelClosed, CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != ErrCodeUnknown {
		t.Error("Expected unknown code for a plain error")
	}
}

func TestConfigHelper(t *testing.T) {
	err := Config("pidfile must be specified when daemonise option is present")
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	pe := err.(*ProtonError)
	if pe.Operation != "Config" {
		t.Errorf("Expected operation %q, got %q", "Config", pe.Operation)
	}
}
