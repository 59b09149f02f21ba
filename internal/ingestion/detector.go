package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

var (
	// ErrNoStore is returned by NewDetector when no store is supplied.
	ErrNoStore = errors.New("transition store is required")

	// ErrDetectionFailed wraps store failures inside the locked unit of work.
	ErrDetectionFailed = errors.New("transition detection failed")
)

type (
	// Observation is one snapshot to evaluate, with its provenance.
	Observation struct {
		Snapshot *Snapshot
		Origin   Origin

		// Token is an explicit idempotency token (the CRM event id), empty when unavailable.
		Token string

		// ObservedAt approximates when the transition happened. The CRM exposes no exact
		// transition time, so receipt time of the notification (or poll time) is used.
		ObservedAt time.Time
	}

	// Result reports what one detection attempt did.
	Result struct {
		Outcome Outcome

		// Transition is the record written, set only for OutcomeRecorded.
		Transition *Transition

		// LastStage is the stage recorded before this attempt ("" when no history).
		LastStage string
	}

	// Detector compares an entity's last recorded stage with a freshly fetched snapshot and
	// appends a transition record when they differ. All reads and writes for one entity happen
	// under the store's per-entity lock, so concurrent notifications for the same person can
	// never both decide that the same change is new.
	Detector struct {
		store     Store
		ranker    *StageRanker
		publisher Publisher
		now       func() time.Time
		logger    *slog.Logger
	}

	// DetectorOption configures optional Detector behavior.
	DetectorOption func(*Detector)
)

// WithPublisher fans recorded transitions out after commit. Publish failures are logged and
// never undo the write.
func WithPublisher(p Publisher) DetectorOption {
	return func(d *Detector) {
		d.publisher = p
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets the detector's logger.
func WithLogger(logger *slog.Logger) DetectorOption {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDetector creates a Detector on top of store. A nil ranker ranks every stage as unknown.
func NewDetector(store Store, ranker *StageRanker, opts ...DetectorOption) (*Detector, error) {
	if store == nil {
		return nil, ErrNoStore
	}

	d := &Detector{
		store:  store,
		ranker: ranker,
		now:    time.Now,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("STAGETRACKER_LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Detect evaluates one observation:
//  1. lock the entity
//  2. read its last recorded stage
//  3. same stage: release, report OutcomeUnchanged
//  4. otherwise insert (last -> current); a dedup_key conflict is OutcomeAlreadyRecorded
//  5. release the lock in every case
//
// Stages the entity passed through without being observed are never synthesized.
func (d *Detector) Detect(ctx context.Context, obs Observation) (*Result, error) {
	if err := obs.Snapshot.Validate(); err != nil {
		return nil, err
	}

	observedAt := obs.ObservedAt
	if observedAt.IsZero() {
		observedAt = d.now()
	}

	snapshot := obs.Snapshot
	current := strings.TrimSpace(snapshot.Stage)

	var result Result

	err := d.store.WithEntityLock(ctx, snapshot.EntityID, func(ctx context.Context, tx EntityTx) error {
		// The store may replay this callback after a transient failure.
		result = Result{Outcome: OutcomeUnchanged}

		last, err := tx.LastTransition(ctx)
		if err != nil {
			return fmt.Errorf("%w: read last transition for %s: %w", ErrDetectionFailed, snapshot.EntityID, err)
		}

		if last != nil {
			result.LastStage = last.StageTo

			if last.StageTo == current {
				return nil
			}
		}

		transition := d.buildTransition(last, current, obs, observedAt)

		inserted, err := tx.InsertTransition(ctx, transition)
		if err != nil {
			return fmt.Errorf("%w: insert transition for %s: %w", ErrDetectionFailed, snapshot.EntityID, err)
		}

		if !inserted {
			result.Outcome = OutcomeAlreadyRecorded

			return nil
		}

		result.Outcome = OutcomeRecorded
		result.Transition = transition

		return nil
	})
	if err != nil {
		return nil, err
	}

	switch result.Outcome {
	case OutcomeRecorded:
		d.logger.Info("stage transition recorded",
			slog.String("entity_id", snapshot.EntityID),
			slog.String("stage_from", result.Transition.PreviousStage()),
			slog.String("stage_to", result.Transition.StageTo),
			slog.String("direction", string(result.Transition.Direction())),
			slog.String("origin", string(obs.Origin)),
		)

		d.publish(ctx, result.Transition)
	case OutcomeAlreadyRecorded:
		d.logger.Debug("stage transition already recorded",
			slog.String("entity_id", snapshot.EntityID),
			slog.String("stage_to", current),
			slog.String("origin", string(obs.Origin)),
		)
	case OutcomeUnchanged:
		d.logger.Debug("stage unchanged",
			slog.String("entity_id", snapshot.EntityID),
			slog.String("stage", current),
		)
	}

	return &result, nil
}

func (d *Detector) buildTransition(last *Transition, current string, obs Observation, observedAt time.Time) *Transition {
	snapshot := obs.Snapshot

	var (
		from       *string
		previousID int64
	)

	if last != nil {
		previous := last.StageTo
		from = &previous
		previousID = last.ID
	}

	t := &Transition{
		EntityID:   snapshot.EntityID,
		StageFrom:  from,
		StageTo:    current,
		PriorityTo: d.ranker.Priority(current),
		OccurredAt: observedAt,
		Origin:     obs.Origin,
		DedupKey:   DedupKey(snapshot.EntityID, previousID, from, current, obs.Token),
		FirstName:  snapshot.FirstName,
		LastName:   snapshot.LastName,
		Source:     snapshot.Source,
		CampaignID: snapshot.CampaignID,
		Tags:       append([]string(nil), snapshot.Tags...),
		City:       snapshot.City,
		State:      snapshot.State,
		PostalCode: snapshot.PostalCode,
		Attributes: snapshot.Attributes,
	}

	if from != nil {
		t.PriorityFrom = d.ranker.Priority(*from)
	}

	return t
}

func (d *Detector) publish(ctx context.Context, t *Transition) {
	if d.publisher == nil {
		return
	}

	if err := d.publisher.Publish(ctx, t); err != nil {
		d.logger.Warn("failed to publish stage transition",
			slog.String("entity_id", t.EntityID),
			slog.Int64("transition_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

// History returns the entity's recorded transitions in received order.
func (d *Detector) History(ctx context.Context, entityID string) ([]*Transition, error) {
	return d.store.History(ctx, entityID)
}

// HealthCheck reports the health of the underlying store.
func (d *Detector) HealthCheck(ctx context.Context) error {
	return d.store.HealthCheck(ctx)
}
