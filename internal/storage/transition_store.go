package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
)

var (
	// ErrTransitionStoreFailed wraps database failures of the transition store.
	ErrTransitionStoreFailed = errors.New("transition store operation failed")

	// ErrEmptyEntityID is returned when an operation is called without an entity id.
	ErrEmptyEntityID = errors.New("entity id cannot be empty")
)

const transitionColumns = `
	id, entity_id, stage_from, stage_to, priority_from, priority_to, occurred_at, received_at,
	origin, dedup_key, first_name, last_name, lead_source, campaign_id, tags, city, state,
	postal_code, attributes`

type (
	// TransitionStore implements ingestion.Store on PostgreSQL.
	//
	// Per-entity mutual exclusion uses a transaction-scoped advisory lock keyed by the entity
	// id. Unlike SELECT ... FOR UPDATE on the latest row, the advisory lock also serializes the
	// first observation of an entity, when there is no row to lock yet, and it holds across
	// every process sharing the database.
	TransitionStore struct {
		conn   *Connection
		logger *slog.Logger
	}

	// StoreSummary is a coarse view of the table for operators.
	StoreSummary struct {
		Transitions    int64      `json:"transitions"`
		Entities       int64      `json:"entities"`
		LastReceivedAt *time.Time `json:"last_received_at,omitempty"`
	}

	// pgEntityTx is the ingestion.EntityTx handed to callbacks while the lock is held.
	pgEntityTx struct {
		tx       *sql.Tx
		entityID string
	}

	// rowScanner abstracts *sql.Row and *sql.Rows.
	rowScanner interface {
		Scan(dest ...any) error
	}
)

// NewTransitionStore creates a PostgreSQL-backed transition store.
func NewTransitionStore(conn *Connection) (*TransitionStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &TransitionStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("STAGETRACKER_LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *TransitionStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// WithEntityLock implements ingestion.Store.
//
// Sequence:
//  1. BEGIN
//  2. pg_advisory_xact_lock(hashtextextended(entity_id, 0)) blocks until no other
//     transaction holds the entity
//  3. fn reads and writes through the transaction
//  4. COMMIT if fn succeeded; otherwise the deferred ROLLBACK discards everything
//
// The advisory lock is released by COMMIT or ROLLBACK, so a failing callback never leaves an
// entity locked.
func (s *TransitionStore) WithEntityLock(
	ctx context.Context,
	entityID string,
	fn func(ctx context.Context, tx ingestion.EntityTx) error,
) error {
	if entityID == "" {
		return ErrEmptyEntityID
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrTransitionStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, entityID); err != nil {
		return fmt.Errorf("%w: failed to lock entity %s: %w", ErrTransitionStoreFailed, entityID, err)
	}

	if err := fn(ctx, &pgEntityTx{tx: tx, entityID: entityID}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %w", ErrTransitionStoreFailed, err)
	}

	return nil
}

// LastTransition returns the locked entity's most recent record. The row is also locked
// FOR UPDATE, matching the row-level contract readers outside this process may rely on.
func (t *pgEntityTx) LastTransition(ctx context.Context) (*ingestion.Transition, error) {
	query := `SELECT` + transitionColumns + `
		FROM stage_transitions
		WHERE entity_id = $1
		ORDER BY received_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`

	transition, err := scanTransition(t.tx.QueryRowContext(ctx, query, t.entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint: nilnil // no history is a valid state
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to read last transition: %w", ErrTransitionStoreFailed, err)
	}

	return transition, nil
}

// InsertTransition appends a record. received_at is clock_timestamp(), evaluated after the
// advisory lock was granted, so received_at order equals lock acquisition order.
//
// A dedup_key conflict returns (false, nil). The savepoint keeps the surrounding
// transaction usable if a unique violation is raised instead of absorbed by ON CONFLICT.
func (t *pgEntityTx) InsertTransition(ctx context.Context, tr *ingestion.Transition) (bool, error) {
	if tr == nil || tr.EntityID != t.entityID {
		return false, fmt.Errorf("%w: transition does not belong to locked entity %s", ErrTransitionStoreFailed, t.entityID)
	}

	tags, err := json.Marshal(nonNilTags(tr.Tags))
	if err != nil {
		return false, fmt.Errorf("%w: failed to encode tags: %w", ErrTransitionStoreFailed, err)
	}

	attributes, err := json.Marshal(nonNilAttributes(tr.Attributes))
	if err != nil {
		return false, fmt.Errorf("%w: failed to encode attributes: %w", ErrTransitionStoreFailed, err)
	}

	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT insert_transition`); err != nil {
		return false, fmt.Errorf("%w: failed to create savepoint: %w", ErrTransitionStoreFailed, err)
	}

	query := `
		INSERT INTO stage_transitions (
			entity_id, stage_from, stage_to, priority_from, priority_to, occurred_at, received_at,
			origin, dedup_key, first_name, last_name, lead_source, campaign_id, tags, city, state,
			postal_code, attributes
		) VALUES (
			$1, $2, $3, $4, $5, $6, clock_timestamp(),
			$7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17
		)
		ON CONFLICT (entity_id, dedup_key) DO NOTHING
		RETURNING id, received_at`

	var priorityFrom sql.NullInt64
	if tr.StageFrom != nil {
		priorityFrom = sql.NullInt64{Int64: int64(tr.PriorityFrom), Valid: true}
	}

	err = t.tx.QueryRowContext(ctx, query,
		tr.EntityID,
		nullableString(tr.StageFrom),
		tr.StageTo,
		priorityFrom,
		tr.PriorityTo,
		tr.OccurredAt.UTC(),
		string(tr.Origin),
		tr.DedupKey,
		tr.FirstName,
		tr.LastName,
		tr.Source,
		tr.CampaignID,
		string(tags),
		tr.City,
		tr.State,
		tr.PostalCode,
		string(attributes),
	).Scan(&tr.ID, &tr.ReceivedAt)

	switch {
	case err == nil:
		if _, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT insert_transition`); err != nil {
			return false, fmt.Errorf("%w: failed to release savepoint: %w", ErrTransitionStoreFailed, err)
		}

		return true, nil
	case errors.Is(err, sql.ErrNoRows), IsUniqueViolation(err):
		if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT insert_transition`); rbErr != nil {
			return false, fmt.Errorf("%w: failed to roll back savepoint: %w", ErrTransitionStoreFailed, rbErr)
		}

		return false, nil
	default:
		return false, fmt.Errorf("%w: failed to insert transition: %w", ErrTransitionStoreFailed, err)
	}
}

// History implements ingestion.Store.
func (s *TransitionStore) History(ctx context.Context, entityID string) ([]*ingestion.Transition, error) {
	if entityID == "" {
		return nil, ErrEmptyEntityID
	}

	query := `SELECT` + transitionColumns + `
		FROM stage_transitions
		WHERE entity_id = $1
		ORDER BY received_at ASC, id ASC`

	rows, err := s.conn.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query history: %w", ErrTransitionStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	history := make([]*ingestion.Transition, 0)

	for rows.Next() {
		transition, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan history row: %w", ErrTransitionStoreFailed, err)
		}

		history = append(history, transition)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate history: %w", ErrTransitionStoreFailed, err)
	}

	return history, nil
}

// Summary counts records and tracked entities using the entity_current_stage view.
func (s *TransitionStore) Summary(ctx context.Context) (*StoreSummary, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM stage_transitions),
			(SELECT COUNT(*) FROM entity_current_stage),
			(SELECT MAX(received_at) FROM stage_transitions)`

	var (
		summary StoreSummary
		last    sql.NullTime
	)

	if err := s.conn.QueryRowContext(ctx, query).Scan(&summary.Transitions, &summary.Entities, &last); err != nil {
		return nil, fmt.Errorf("%w: failed to summarize: %w", ErrTransitionStoreFailed, err)
	}

	if last.Valid {
		lastReceived := last.Time
		summary.LastReceivedAt = &lastReceived
	}

	return &summary, nil
}

func scanTransition(row rowScanner) (*ingestion.Transition, error) {
	var (
		t            ingestion.Transition
		stageFrom    sql.NullString
		priorityFrom sql.NullInt64
		origin       string
		firstName    sql.NullString
		lastName     sql.NullString
		source       sql.NullString
		campaignID   sql.NullString
		tags         []byte
		city         sql.NullString
		state        sql.NullString
		postalCode   sql.NullString
		attributes   []byte
	)

	err := row.Scan(
		&t.ID, &t.EntityID, &stageFrom, &t.StageTo, &priorityFrom, &t.PriorityTo, &t.OccurredAt,
		&t.ReceivedAt, &origin, &t.DedupKey, &firstName, &lastName, &source, &campaignID, &tags,
		&city, &state, &postalCode, &attributes,
	)
	if err != nil {
		return nil, err
	}

	if stageFrom.Valid {
		from := stageFrom.String
		t.StageFrom = &from
	}

	t.PriorityFrom = int(priorityFrom.Int64)
	t.Origin = ingestion.Origin(origin)
	t.FirstName = firstName.String
	t.LastName = lastName.String
	t.Source = source.String
	t.CampaignID = campaignID.String
	t.City = city.String
	t.State = state.String
	t.PostalCode = postalCode.String

	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &t.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}

	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &t.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}

	return &t, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: *s, Valid: true}
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}

	return tags
}

func nonNilAttributes(attributes map[string]any) map[string]any {
	if attributes == nil {
		return map[string]any{}
	}

	return attributes
}
