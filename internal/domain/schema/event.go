package schema

import "time"

// OutcomeEvent announces an attempt-level transition for one target. Fired on
// every entry into Executing and on every retry or terminal decision so the
// post-management collaborator can reflect interim progress.
type OutcomeEvent struct {
	PostID      string
	TargetID    string
	Destination string
	Status      OutcomeStatus
	ErrorKind   ErrorKind
	Reason      string
	Attempt     int
	At          time.Time
}

// AggregateEvent announces a change in a post's derived aggregate status.
// Emitted once per actual change.
type AggregateEvent struct {
	PostID string
	Status PostStatus
	At     time.Time
}

// TokenSignal asks the token-management collaborator to refresh credentials
// for one account/destination pairing.
type TokenSignal struct {
	AccountID   string
	Destination string
	At          time.Time
}
