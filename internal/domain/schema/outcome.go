package schema

import "time"

// OutcomeStatus tracks the externally visible result of one target.
type OutcomeStatus string

const (
	// OutcomePending marks a target with no attempt started yet.
	OutcomePending OutcomeStatus = "pending"
	// OutcomeExecuting marks a target whose attempt is in flight.
	OutcomeExecuting OutcomeStatus = "executing"
	// OutcomeDone marks a target published successfully.
	OutcomeDone OutcomeStatus = "done"
	// OutcomeFailed marks a target that terminally failed.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeCancelled marks a target cancelled before publishing.
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OutcomeStatus) Terminal() bool {
	switch s {
	case OutcomeDone, OutcomeFailed, OutcomeCancelled:
		return true
	default:
		return false
	}
}

// ErrorKind is the fixed failure taxonomy applied to publish errors.
type ErrorKind string

const (
	// ErrorKindNone marks the absence of a classified failure.
	ErrorKindNone ErrorKind = ""
	// ErrorKindRateLimited marks quota or rate-limit denials.
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindTransientNetwork marks transport failures and timeouts.
	ErrorKindTransientNetwork ErrorKind = "transient_network"
	// ErrorKindTokenExpired marks expired destination credentials.
	ErrorKindTokenExpired ErrorKind = "token_expired"
	// ErrorKindContentRejected marks content the destination refused.
	ErrorKindContentRejected ErrorKind = "content_rejected"
	// ErrorKindUnknown marks failures with no recognized shape.
	ErrorKindUnknown ErrorKind = "unknown"
)

// TargetOutcome is the durable record of one target's result.
type TargetOutcome struct {
	PostID        string
	TargetID      string
	Destination   string
	Status        OutcomeStatus
	ErrorKind     ErrorKind
	LastError     string
	LastAttemptAt time.Time
}

// PostStatus is the aggregate, derived status of a multi-target post.
// Never stored as source of truth; always recomputed from outcomes.
type PostStatus string

const (
	// PostStatusPosting indicates at least one target is still non-terminal.
	PostStatusPosting PostStatus = "posting"
	// PostStatusDone indicates every target published successfully.
	PostStatusDone PostStatus = "done"
	// PostStatusFailed indicates every target ended in a non-success terminal.
	PostStatusFailed PostStatus = "failed"
	// PostStatusPartiallyDone indicates all targets are terminal with mixed results.
	PostStatusPartiallyDone PostStatus = "partially_done"
)
