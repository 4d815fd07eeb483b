// Package outcomestore defines persistence contracts for target outcome records.
package outcomestore

import (
	"context"

	"github.com/publora/publora/internal/domain/schema"
)

// Store abstracts persistence of per-target outcome records. Written by worker
// pools through the aggregator; read whenever an aggregate is recomputed.
type Store interface {
	// Upsert records the latest outcome for a target.
	Upsert(ctx context.Context, outcome schema.TargetOutcome) error
	// ListByPost returns every outcome recorded for the post.
	ListByPost(ctx context.Context, postID string) ([]schema.TargetOutcome, error)
	// Get returns the outcome for one target of a post.
	Get(ctx context.Context, postID, targetID string) (schema.TargetOutcome, error)
}
