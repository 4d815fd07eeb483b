package postgres

import (
	"github.com/publora/publora/internal/infra/persistence"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store groups the PostgreSQL-backed repositories behind a single pool.
type Store struct {
	*persistence.Store
	Jobs     *JobStore
	Outcomes *OutcomeStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:    persistence.NewStore(pool),
		Jobs:     NewJobStore(pool),
		Outcomes: NewOutcomeStore(pool),
	}
}
