// Package errs provides structured error types and helpers for the price throttler.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a throttler error category.
type Code string

const (
	// CodeInvalid indicates invalid input or configuration provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing subscriber or resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a lifecycle or concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is closed, saturated or shutting down.
	CodeUnavailable Code = "unavailable"
	// CodeDelivery indicates a subscriber callback failed.
	CodeDelivery Code = "delivery_failed"
)

// E captures structured error information produced across the throttler.
type E struct {
	Component string
	Code      Code
	Message   string
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Fields:    nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single key/value pair of context.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err, or any error it wraps, is an envelope carrying code.
func Is(err error, code Code) bool {
	var target *E
	if !errors.As(err, &target) {
		return false
	}
	return target.Code == code
}
