package ingestion

import "context"

// Store defines what the Transition Detector needs from the durable transition history.
//
// The domain package owns this interface; PostgreSQL and in-memory implementations live in
// internal/storage.
//
// Implementations must guarantee:
//   - Per-entity mutual exclusion: WithEntityLock totally orders all callbacks for one entity,
//     across goroutines and, for shared backends, across processes
//   - Atomicity: the callback's writes commit only when it returns nil, and roll back in full
//     otherwise
//   - Uniqueness of (entity_id, dedup_key) enforced by the backend itself
//   - Immutability: records are never updated or deleted
type Store interface {
	// WithEntityLock runs fn inside a unit of work that holds the entity's exclusive lock.
	// The lock is released when WithEntityLock returns, whatever the outcome.
	WithEntityLock(ctx context.Context, entityID string, fn func(ctx context.Context, tx EntityTx) error) error

	// History returns every record of the entity ordered by received_at ascending.
	History(ctx context.Context, entityID string) ([]*Transition, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// EntityTx is the view of the store available while an entity lock is held.
type EntityTx interface {
	// LastTransition returns the record with the greatest received_at for the locked entity,
	// or nil when the entity has no history.
	LastTransition(ctx context.Context) (*Transition, error)

	// InsertTransition appends t. It returns false (and no error) when a record with the same
	// dedup key already exists. On success it fills t.ID and t.ReceivedAt.
	InsertTransition(ctx context.Context, t *Transition) (bool, error)
}

// SnapshotFetcher retrieves a person's current attribute set from the source system.
// Implementations wrap every failure in ErrFetchFailed.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, entityID string) (*Snapshot, error)
}

// Publisher receives transitions after they are committed.
type Publisher interface {
	Publish(ctx context.Context, t *Transition) error
}
