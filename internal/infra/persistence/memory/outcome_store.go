package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/domain/outcomestore"
	"github.com/publora/publora/internal/domain/schema"
)

// OutcomeStore keeps per-target outcome records in memory, keyed by post and
// target.
type OutcomeStore struct {
	mu       sync.Mutex
	outcomes map[string]map[string]schema.TargetOutcome
}

// NewOutcomeStore constructs an empty in-memory outcome store.
func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{outcomes: make(map[string]map[string]schema.TargetOutcome)}
}

// Upsert records the latest outcome for a target.
func (s *OutcomeStore) Upsert(_ context.Context, outcome schema.TargetOutcome) error {
	if outcome.PostID == "" || outcome.TargetID == "" {
		return errs.New(outcome.Destination, errs.CodeInvalid,
			errs.WithMessage("post id and target id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byTarget, ok := s.outcomes[outcome.PostID]
	if !ok {
		byTarget = make(map[string]schema.TargetOutcome)
		s.outcomes[outcome.PostID] = byTarget
	}
	byTarget[outcome.TargetID] = outcome
	return nil
}

// ListByPost returns the post's outcomes ordered by target ID.
func (s *OutcomeStore) ListByPost(_ context.Context, postID string) ([]schema.TargetOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTarget := s.outcomes[postID]
	out := make([]schema.TargetOutcome, 0, len(byTarget))
	for _, outcome := range byTarget {
		out = append(out, outcome)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out, nil
}

// Get returns the outcome for one target of a post.
func (s *OutcomeStore) Get(_ context.Context, postID, targetID string) (schema.TargetOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome, ok := s.outcomes[postID][targetID]
	if !ok {
		return schema.TargetOutcome{}, errs.New("", errs.CodeNotFound,
			errs.WithMessage("outcome not found"))
	}
	return outcome, nil
}

var _ outcomestore.Store = (*OutcomeStore)(nil)
