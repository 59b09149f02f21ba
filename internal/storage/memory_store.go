package storage

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
)

type (
	// MemoryTransitionStore implements ingestion.Store in process memory.
	//
	// Per-entity mutual exclusion is a keyed mutex, so it only holds within one process. Use
	// it for single-instance deployments without a database and for tests. Writes made by a
	// callback are staged and applied only when the callback returns nil.
	MemoryTransitionStore struct {
		mu        sync.RWMutex
		locks     map[string]*entityLock
		history   map[string][]*ingestion.Transition
		dedupKeys map[string]map[string]bool
		nextID    int64
		now       func() time.Time
	}

	// entityLock is a per-entity mutex with a reference count so idle entries can be dropped.
	entityLock struct {
		mu   sync.Mutex
		refs int
	}

	// memoryEntityTx stages inserts for one locked entity.
	memoryEntityTx struct {
		store    *MemoryTransitionStore
		entityID string
		staged   []*ingestion.Transition
	}
)

// NewMemoryTransitionStore creates an empty in-memory store.
func NewMemoryTransitionStore() *MemoryTransitionStore {
	return &MemoryTransitionStore{
		locks:     make(map[string]*entityLock),
		history:   make(map[string][]*ingestion.Transition),
		dedupKeys: make(map[string]map[string]bool),
		now:       time.Now,
	}
}

// SetClock replaces the clock used for received_at, for tests.
func (s *MemoryTransitionStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
}

// HealthCheck always succeeds.
func (s *MemoryTransitionStore) HealthCheck(_ context.Context) error {
	return nil
}

// WithEntityLock implements ingestion.Store.
func (s *MemoryTransitionStore) WithEntityLock(
	ctx context.Context,
	entityID string,
	fn func(ctx context.Context, tx ingestion.EntityTx) error,
) error {
	if entityID == "" {
		return ErrEmptyEntityID
	}

	lock := s.acquire(entityID)
	defer s.release(entityID, lock)

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryEntityTx{store: s, entityID: entityID}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.commit(tx)

	return nil
}

func (s *MemoryTransitionStore) acquire(entityID string) *entityLock {
	s.mu.Lock()

	lock, ok := s.locks[entityID]
	if !ok {
		lock = &entityLock{}
		s.locks[entityID] = lock
	}

	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()

	return lock
}

func (s *MemoryTransitionStore) release(entityID string, lock *entityLock) {
	lock.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, entityID)
	}
}

func (s *MemoryTransitionStore) commit(tx *memoryEntityTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.dedupKeys[tx.entityID]
	if keys == nil && len(tx.staged) > 0 {
		keys = make(map[string]bool)
		s.dedupKeys[tx.entityID] = keys
	}

	for _, t := range tx.staged {
		s.history[tx.entityID] = append(s.history[tx.entityID], t)
		keys[t.DedupKey] = true
	}
}

// History implements ingestion.Store.
func (s *MemoryTransitionStore) History(_ context.Context, entityID string) ([]*ingestion.Transition, error) {
	if entityID == "" {
		return nil, ErrEmptyEntityID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.history[entityID]
	history := make([]*ingestion.Transition, 0, len(records))

	for _, t := range records {
		history = append(history, copyTransition(t))
	}

	return history, nil
}

// Summary mirrors TransitionStore.Summary.
func (s *MemoryTransitionStore) Summary(_ context.Context) (*StoreSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &StoreSummary{Entities: int64(len(s.history))}

	for _, records := range s.history {
		summary.Transitions += int64(len(records))

		if n := len(records); n > 0 {
			last := records[n-1].ReceivedAt
			if summary.LastReceivedAt == nil || last.After(*summary.LastReceivedAt) {
				summary.LastReceivedAt = &last
			}
		}
	}

	return summary, nil
}

// LastTransition implements ingestion.EntityTx. Staged inserts are visible to the callback
// that made them.
func (tx *memoryEntityTx) LastTransition(_ context.Context) (*ingestion.Transition, error) {
	if n := len(tx.staged); n > 0 {
		return copyTransition(tx.staged[n-1]), nil
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	records := tx.store.history[tx.entityID]
	if len(records) == 0 {
		return nil, nil //nolint: nilnil // no history is a valid state
	}

	return copyTransition(records[len(records)-1]), nil
}

// InsertTransition implements ingestion.EntityTx. Keys become visible to other callers only
// on commit, which cannot race because every writer of this entity holds its lock.
func (tx *memoryEntityTx) InsertTransition(_ context.Context, t *ingestion.Transition) (bool, error) {
	if t == nil || t.EntityID != tx.entityID {
		return false, ErrTransitionStoreFailed
	}

	s := tx.store

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dedupKeys[tx.entityID][t.DedupKey] {
		return false, nil
	}

	for _, staged := range tx.staged {
		if staged.DedupKey == t.DedupKey {
			return false, nil
		}
	}

	s.nextID++
	t.ID = s.nextID
	t.ReceivedAt = s.now()

	tx.staged = append(tx.staged, copyTransition(t))

	return true, nil
}

func copyTransition(t *ingestion.Transition) *ingestion.Transition {
	c := *t

	if t.StageFrom != nil {
		from := *t.StageFrom
		c.StageFrom = &from
	}

	c.Tags = append([]string(nil), t.Tags...)
	c.Attributes = maps.Clone(t.Attributes)

	return &c
}
