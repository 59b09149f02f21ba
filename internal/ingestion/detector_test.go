package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/storage"
)

type recordingPublisher struct {
	mu          sync.Mutex
	transitions []*ingestion.Transition
	err         error
}

func (p *recordingPublisher) Publish(_ context.Context, t *ingestion.Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transitions = append(p.transitions, t)

	return p.err
}

// failingStore fails every unit of work after running the callback, so nothing commits.
type failingStore struct {
	*storage.MemoryTransitionStore

	err error
}

func (s *failingStore) WithEntityLock(
	ctx context.Context,
	entityID string,
	fn func(ctx context.Context, tx ingestion.EntityTx) error,
) error {
	return s.MemoryTransitionStore.WithEntityLock(ctx, entityID, func(ctx context.Context, tx ingestion.EntityTx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}

		return s.err
	})
}

func newDetector(t *testing.T, store ingestion.Store, opts ...ingestion.DetectorOption) *ingestion.Detector {
	t.Helper()

	opts = append([]ingestion.DetectorOption{
		ingestion.WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
	}, opts...)

	detector, err := ingestion.NewDetector(store, ingestion.NewStageRanker(ingestion.DefaultStages()), opts...)
	require.NoError(t, err)

	return detector
}

func snapshotObservation(entityID, stage string, at time.Time) ingestion.Observation {
	return ingestion.Observation{
		Snapshot: &ingestion.Snapshot{
			EntityID:  entityID,
			Stage:     stage,
			FirstName: "Grace",
			LastName:  "Hopper",
			Tags:      []string{"buyer"},
		},
		Origin:     ingestion.WebhookOrigin(ingestion.EventPeopleStageUpdated),
		ObservedAt: at,
	}
}

func TestNewDetector_RequiresStore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := ingestion.NewDetector(nil, nil)
	require.ErrorIs(t, err, ingestion.ErrNoStore)
}

func TestDetector_EndToEndScenario(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := storage.NewMemoryTransitionStore()
	detector := newDetector(t, store)
	start := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

	// First notification: no prior record.
	result, err := detector.Detect(ctx, snapshotObservation("E123", "Qualified", start))
	require.NoError(t, err)
	require.Equal(t, ingestion.OutcomeRecorded, result.Outcome)
	assert.Nil(t, result.Transition.StageFrom)
	assert.Equal(t, "Qualified", result.Transition.StageTo)

	// Second notification 2s later, stage unchanged.
	result, err = detector.Detect(ctx, snapshotObservation("E123", "Qualified", start.Add(2*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, ingestion.OutcomeUnchanged, result.Outcome)
	assert.Nil(t, result.Transition)

	// Third notification 45s after the first, stage moved.
	result, err = detector.Detect(ctx, snapshotObservation("E123", "Offer Made", start.Add(45*time.Second)))
	require.NoError(t, err)
	require.Equal(t, ingestion.OutcomeRecorded, result.Outcome)
	require.NotNil(t, result.Transition.StageFrom)
	assert.Equal(t, "Qualified", *result.Transition.StageFrom)
	assert.Equal(t, "Offer Made", result.Transition.StageTo)

	history, err := detector.History(ctx, "E123")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestDetector_TrimsStage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	detector := newDetector(t, storage.NewMemoryTransitionStore())

	_, err := detector.Detect(ctx, snapshotObservation("E1", "ACQ - New Lead", time.Now()))
	require.NoError(t, err)

	result, err := detector.Detect(ctx, snapshotObservation("E1", "  ACQ - New Lead ", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, ingestion.OutcomeUnchanged, result.Outcome)
}

func TestDetector_RevertIsRecorded(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := storage.NewMemoryTransitionStore()
	detector := newDetector(t, store)
	at := time.Now()

	// All three observations carry no token and share one timestamp.
	for _, stage := range []string{"ACQ - Qualified", "ACQ - Offers Made", "ACQ - Qualified"} {
		result, err := detector.Detect(ctx, snapshotObservation("E7", stage, at))
		require.NoError(t, err)
		require.Equal(t, ingestion.OutcomeRecorded, result.Outcome, stage)
	}

	history, err := store.History(ctx, "E7")
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, ingestion.DirectionInitial, history[0].Direction())
	assert.Equal(t, ingestion.DirectionForward, history[1].Direction())
	assert.Equal(t, ingestion.DirectionBackward, history[2].Direction())
	assert.Equal(t, 9, history[2].PriorityFrom)
	assert.Equal(t, 5, history[2].PriorityTo)

	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].StageTo, history[i].PreviousStage())
	}
}

func TestDetector_RepeatedMoveAfterRevertIsRecorded(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := storage.NewMemoryTransitionStore()
	detector := newDetector(t, store)
	start := time.Date(2024, 5, 1, 14, 3, 0, 0, time.UTC)
	stages := []string{"ACQ - Qualified", "ACQ - Offers Made", "ACQ - Qualified", "ACQ - Offers Made"}

	for i, stage := range stages {
		obs := snapshotObservation("E8", stage, start.Add(time.Duration(i)*5*time.Second))
		obs.Origin = ingestion.OriginPoll

		result, err := detector.Detect(ctx, obs)
		require.NoError(t, err)
		require.Equal(t, ingestion.OutcomeRecorded, result.Outcome, "observation %d (%s)", i, stage)
	}

	history, err := store.History(ctx, "E8")
	require.NoError(t, err)
	require.Len(t, history, len(stages))
	assert.Equal(t, "ACQ - Offers Made", history[len(history)-1].StageTo)
	assert.NotEqual(t, history[1].DedupKey, history[3].DedupKey)

	// A second poll of the same state changes nothing.
	obs := snapshotObservation("E8", "ACQ - Offers Made", start.Add(20*time.Second))
	obs.Origin = ingestion.OriginPoll

	result, err := detector.Detect(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, ingestion.OutcomeUnchanged, result.Outcome)
}

func TestDetector_RaceSafety(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	for _, writers := range []int{2, 8, 64} {
		t.Run(fmt.Sprintf("%d writers", writers), func(t *testing.T) {
			store := storage.NewMemoryTransitionStore()
			detector := newDetector(t, store)

			_, err := detector.Detect(ctx, snapshotObservation("E9", "ACQ - Contacted", time.Now()))
			require.NoError(t, err)

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				recorded int
			)

			for i := range writers {
				wg.Add(1)

				go func() {
					defer wg.Done()

					obs := snapshotObservation("E9", "ACQ - Needs Offer", time.Now())
					obs.Token = fmt.Sprintf("evt-%d", i)

					result, err := detector.Detect(ctx, obs)
					if !assert.NoError(t, err) {
						return
					}

					if result.Outcome == ingestion.OutcomeRecorded {
						mu.Lock()
						recorded++
						mu.Unlock()
					}
				}()
			}

			wg.Wait()

			assert.Equal(t, 1, recorded)

			history, err := store.History(ctx, "E9")
			require.NoError(t, err)
			assert.Len(t, history, 2)
		})
	}
}

func TestDetector_AlreadyRecordedOnKeyConflict(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := storage.NewMemoryTransitionStore()
	detector := newDetector(t, store)
	at := time.Now()

	obs := snapshotObservation("E11", "ACQ - New Lead", at)
	obs.Token = "evt-1"

	insert := func(from *string, to, key string) {
		t.Helper()

		err := store.WithEntityLock(ctx, "E11", func(ctx context.Context, tx ingestion.EntityTx) error {
			_, err := tx.InsertTransition(ctx, &ingestion.Transition{
				EntityID:   "E11",
				StageFrom:  from,
				StageTo:    to,
				OccurredAt: at,
				Origin:     ingestion.OriginManual,
				DedupKey:   key,
			})

			return err
		})
		require.NoError(t, err)
	}

	insert(nil, "ACQ - Contacted", "seed")

	result, err := detector.Detect(ctx, obs)
	require.NoError(t, err)
	require.Equal(t, ingestion.OutcomeRecorded, result.Outcome)

	contacted := "ACQ - Contacted"
	assert.Equal(t,
		ingestion.DedupKey("E11", 1, &contacted, "ACQ - New Lead", "evt-1"),
		result.Transition.DedupKey,
	)

	// The entity moves back, then the same event is redelivered: the last stage differs from
	// the snapshot again, but the transition for this event is already stored.
	insert(ptr("ACQ - New Lead"), "ACQ - Contacted", "back")

	result, err = detector.Detect(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, ingestion.OutcomeAlreadyRecorded, result.Outcome)
	assert.Nil(t, result.Transition)
	assert.Equal(t, "ACQ - Contacted", result.LastStage)

	history, err := store.History(ctx, "E11")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestDetector_StoreFailureWritesNothing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	boom := errors.New("commit failed")
	inner := storage.NewMemoryTransitionStore()
	publisher := &recordingPublisher{}
	detector := newDetector(t, &failingStore{MemoryTransitionStore: inner, err: boom}, ingestion.WithPublisher(publisher))

	result, err := detector.Detect(ctx, snapshotObservation("E13", "ACQ - New Lead", time.Now()))
	require.ErrorIs(t, err, boom)
	assert.Nil(t, result)

	history, err := inner.History(ctx, "E13")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, publisher.transitions)
}

func TestDetector_InvalidSnapshot(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	detector := newDetector(t, storage.NewMemoryTransitionStore())

	for _, snapshot := range []*ingestion.Snapshot{
		nil,
		{EntityID: "", Stage: "Lead"},
		{EntityID: "E1", Stage: "   "},
	} {
		_, err := detector.Detect(context.Background(), ingestion.Observation{Snapshot: snapshot, Origin: ingestion.OriginPoll})
		require.ErrorIs(t, err, ingestion.ErrInvalidSnapshot)
	}
}

func TestDetector_PublishesAfterCommit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := storage.NewMemoryTransitionStore()
	publisher := &recordingPublisher{err: errors.New("broker down")}
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	detector := newDetector(t, store, ingestion.WithPublisher(publisher), ingestion.WithClock(func() time.Time { return fixed }))

	obs := snapshotObservation("E15", "ACQ - Qualified", time.Time{})

	result, err := detector.Detect(ctx, obs)
	require.NoError(t, err, "publish failures must not fail detection")
	require.Equal(t, ingestion.OutcomeRecorded, result.Outcome)
	assert.Equal(t, fixed, result.Transition.OccurredAt)

	_, err = detector.Detect(ctx, obs)
	require.NoError(t, err)

	require.Len(t, publisher.transitions, 1)
	assert.Equal(t, "E15", publisher.transitions[0].EntityID)
	assert.Equal(t, []string{"buyer"}, publisher.transitions[0].Tags)

	history, err := store.History(ctx, "E15")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDetector_CancelledContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := storage.NewMemoryTransitionStore()
	detector := newDetector(t, store)

	_, err := detector.Detect(ctx, snapshotObservation("E17", "ACQ - New Lead", time.Now()))
	require.ErrorIs(t, err, context.Canceled)

	history, err := store.History(context.Background(), "E17")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func ptr(s string) *string {
	return &s
}
