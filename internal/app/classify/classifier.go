// Package classify maps arbitrary publish errors onto the fixed failure taxonomy.
package classify

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/domain/schema"
)

// Classification is the retry decision derived from a publish error.
type Classification struct {
	Kind      schema.ErrorKind
	Retryable bool
	// Backoff is a destination-supplied delay hint, typically a retry-after
	// header surfaced through the error envelope. Zero means no hint.
	Backoff time.Duration
	// RefreshToken asks the token-management collaborator to refresh the
	// account's credentials before the next attempt.
	RefreshToken bool
	// Reason is a human-readable summary preserved for user display.
	Reason string
}

// Classify maps err onto the taxonomy. Unrecognized shapes degrade to Unknown
// rather than propagating; Unknown stays retryable so bounded retries decide
// terminality, never the classifier.
func Classify(err error, destination string) Classification {
	if err == nil {
		return Classification{Kind: schema.ErrorKindNone, Retryable: false}
	}

	var envelope *errs.E
	if errors.As(err, &envelope) {
		if c, ok := classifyEnvelope(envelope); ok {
			return c
		}
	}

	if isTimeout(err) {
		return Classification{
			Kind:      schema.ErrorKindTransientNetwork,
			Retryable: true,
			Reason:    "request timed out",
		}
	}
	if isNetwork(err) {
		return Classification{
			Kind:      schema.ErrorKindTransientNetwork,
			Retryable: true,
			Reason:    "network transport failure",
		}
	}

	return Classification{
		Kind:      schema.ErrorKindUnknown,
		Retryable: true,
		Reason:    err.Error(),
	}
}

func classifyEnvelope(e *errs.E) (Classification, bool) {
	reason := e.Message
	if reason == "" {
		reason = e.RawMsg
	}

	switch e.Code {
	case errs.CodeRateLimited:
		return Classification{
			Kind:      schema.ErrorKindRateLimited,
			Retryable: true,
			Backoff:   e.RetryAfter,
			Reason:    nonEmpty(reason, "destination rate limit reached"),
		}, true
	case errs.CodeAuth:
		// Not retryable by the scheduler itself; the job is parked pending a
		// credential refresh instead of being retried blindly.
		return Classification{
			Kind:         schema.ErrorKindTokenExpired,
			Retryable:    true,
			RefreshToken: true,
			Reason:       nonEmpty(reason, "destination credentials expired"),
		}, true
	case errs.CodeRejected, errs.CodeInvalid:
		return Classification{
			Kind:      schema.ErrorKindContentRejected,
			Retryable: false,
			Reason:    nonEmpty(reason, "destination rejected the content"),
		}, true
	case errs.CodeNetwork, errs.CodeUnavailable:
		return Classification{
			Kind:      schema.ErrorKindTransientNetwork,
			Retryable: true,
			Backoff:   e.RetryAfter,
			Reason:    nonEmpty(reason, "destination temporarily unavailable"),
		}, true
	}

	// 5xx-class responses default to transient unless the payload said otherwise.
	if e.HTTP >= 500 {
		return Classification{
			Kind:      schema.ErrorKindTransientNetwork,
			Retryable: true,
			Reason:    nonEmpty(reason, "destination server error"),
		}, true
	}
	if e.HTTP == 429 {
		return Classification{
			Kind:      schema.ErrorKindRateLimited,
			Retryable: true,
			Backoff:   e.RetryAfter,
			Reason:    nonEmpty(reason, "destination rate limit reached"),
		}, true
	}

	return Classification{}, false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetwork(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE)
}

func nonEmpty(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}
