// Package errs provides structured error types and helpers for Publora services.
package errs

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Code identifies a destination-specific error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded a destination quota or rate limit.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or authorization errors, including expired tokens.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeRejected indicates the destination rejected the content itself.
	CodeRejected Code = "content_rejected"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// Reason strings attached to admission denials and terminal failures.
const (
	// ReasonQuotaExceeded marks a reservation that would exceed a daily budget.
	ReasonQuotaExceeded = "quota_exceeded"
	// ReasonThrottled marks a reservation held back by the per-second ceiling.
	ReasonThrottled = "throttled"
	// ReasonRetriesExhausted marks a job that consumed its full retry budget.
	ReasonRetriesExhausted = "retries_exhausted"
)

// E captures structured error information produced across the Publora stack.
type E struct {
	Destination string
	Code        Code
	HTTP        int
	RawCode     string
	RawMsg      string
	Message     string
	Reason      string
	RetryAfter  time.Duration
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the destination and error code.
func New(destination string, code Code, opts ...Option) *E {
	e := &E{
		Destination: strings.TrimSpace(destination),
		Code:        code,
		HTTP:        0,
		RawCode:     "",
		RawMsg:      "",
		Message:     "",
		Reason:      "",
		RetryAfter:  0,
		Metadata:    nil,
		cause:       nil,
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

// WithReason attaches a machine-readable reason token to the error.
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) {
		e.Reason = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRetryAfter records how long the caller should wait before retrying.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithRawCode captures the raw destination error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw destination error message.
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

// WithMetadata merges the provided destination metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	destination := strings.TrimSpace(e.Destination)
	if destination == "" {
		destination = "unknown"
	}
	parts = append(parts, "destination="+destination)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Reason != "" {
		parts = append(parts, "reason="+e.Reason)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// RateLimited returns a standardized denial error carrying a retry-after hint.
func RateLimited(destination, reason string, retryAfter time.Duration) *E {
	return New(destination, CodeRateLimited, WithReason(reason), WithRetryAfter(retryAfter))
}
