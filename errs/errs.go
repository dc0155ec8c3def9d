// Package errs provides structured error types and helpers for Ledgerline services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category within the balance synchronization core.
type Code string

const (
	// CodeCredential indicates a streaming credential could not be obtained.
	CodeCredential Code = "credential_fetch"
	// CodeTransport indicates a connect failure or mid-session drop.
	CodeTransport Code = "transport"
	// CodeSubscription indicates a rejected or timed-out subscribe handshake.
	CodeSubscription Code = "subscription"
	// CodeUnmappedIdentifier indicates a stream identifier that could not be reconciled.
	CodeUnmappedIdentifier Code = "unmapped_identifier"
	// CodeStaleness indicates an apparently healthy connection that stopped producing data.
	CodeStaleness Code = "staleness"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the component is not in a state to serve the request.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the Ledgerline stack.
type E struct {
	Scope   string
	Code    Code
	Message string
	RawCode string
	RawMsg  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		Message: "",
		RawCode: "",
		RawMsg:  "",
		cause:   nil,
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

// WithRawCode captures the raw gateway error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw gateway error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the structured code from err, walking the wrap chain.
// Returns an empty code when err carries no envelope.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// HasCode reports whether err carries the given structured code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
