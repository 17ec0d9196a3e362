package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFieldsAndCause(t *testing.T) {
	err := New(
		"throttler/config",
		CodeInvalid,
		WithMessage("slow lane workers must be >0"),
		WithField("slowWorkers", "0"),
		WithField("fastWorkers", "2"),
		WithCause(errors.New("validation failed")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=throttler/config") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_request") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedFields := "fields=fastWorkers=\"2\",slowWorkers=\"0\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "cause=\"validation failed\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("registry", CodeNotFound, WithField("  ", "value"))
	if len(err.Fields) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Fields)
	}
	if strings.Contains(err.Error(), "fields=") {
		t.Fatalf("fields marker should be omitted when empty: %s", err.Error())
	}
}

func TestIsMatchesWrappedEnvelope(t *testing.T) {
	base := New("lib/async", CodeUnavailable, WithMessage("pool closed"))
	wrapped := fmt.Errorf("submit: %w", base)
	if !Is(wrapped, CodeUnavailable) {
		t.Fatalf("expected wrapped envelope to match code")
	}
	if Is(wrapped, CodeInvalid) {
		t.Fatalf("expected code mismatch to report false")
	}
	if Is(errors.New("plain"), CodeUnavailable) {
		t.Fatalf("expected plain error to report false")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("dispatch", CodeDelivery, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
