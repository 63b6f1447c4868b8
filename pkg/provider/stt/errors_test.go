package stt

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      string
		kind      ErrorKind
		retryable bool
	}{
		{"quota_exceeded", KindCapacity, true},
		{"job_error", KindTransient, true},
		{"internal_error", KindTransient, true},
		{"idle_timeout", KindTransient, true},
		{"not_authorised", KindFatal, false},
		{"insufficient_funds", KindFatal, false},
		{"invalid_audio_type", KindFatal, false},
		{"protocol_error", KindFatal, false},
		{"something_new", KindFatal, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			e := Classify(tt.code, "detail")
			if e.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", e.Kind, tt.kind)
			}
			if e.Retryable() != tt.retryable {
				t.Errorf("Retryable = %v, want %v", e.Retryable(), tt.retryable)
			}
			if e.Code != tt.code {
				t.Errorf("Code = %q, want %q", e.Code, tt.code)
			}
		})
	}
}

func TestClassify_EmptyCode(t *testing.T) {
	t.Parallel()
	if got := Classify("", "").Code; got != "unknown" {
		t.Errorf("Code = %q, want unknown", got)
	}
}

func TestClassifyHTTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{0, KindTransport},
		{429, KindCapacity},
		{401, KindFatal},
		{403, KindFatal},
		{503, KindTransient},
		{404, KindFatal},
	}
	for _, tt := range tests {
		if got := ClassifyHTTP(tt.status, nil).Kind; got != tt.kind {
			t.Errorf("ClassifyHTTP(%d).Kind = %q, want %q", tt.status, got, tt.kind)
		}
	}
}

func TestIsRetryable_Wrapped(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("lifecycle: %w", Classify("quota_exceeded", ""))
	if !IsRetryable(err) {
		t.Error("wrapped capacity error should be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain error should not be retryable")
	}
	if got := KindOf(fmt.Errorf("x: %w", ErrSessionClosed)); got != KindProtocol {
		t.Errorf("KindOf(ErrSessionClosed) = %q, want protocol", got)
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateConnecting, StateReady, StateStreaming, StateDraining} {
		if s.Terminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
	if !StateClosed.Terminal() || !StateFailed.Terminal() {
		t.Error("closed and failed must be terminal")
	}
	if StateDraining.AcceptsAudio() {
		t.Error("draining must not accept audio")
	}
}
