package pipeline_test

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

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/dedup"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/pipeline"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/storage"
)

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// fakeFetcher serves stages from a map. Entities listed in hang block until the context ends.
type fakeFetcher struct {
	mu     sync.Mutex
	stages map[string]string
	hang   map[string]bool
	calls  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		stages: make(map[string]string),
		hang:   make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (f *fakeFetcher) set(entityID, stage string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stages[entityID] = stage
}

func (f *fakeFetcher) callCount(entityID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[entityID]
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, entityID string) (*ingestion.Snapshot, error) {
	f.mu.Lock()
	f.calls[entityID]++
	stage, ok := f.stages[entityID]
	hang := f.hang[entityID]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()

		return nil, fmt.Errorf("%w: %w", ingestion.ErrFetchFailed, ctx.Err())
	}

	if !ok {
		return nil, fmt.Errorf("%w: unknown person %s", ingestion.ErrFetchFailed, entityID)
	}

	return &ingestion.Snapshot{EntityID: entityID, Stage: stage}, nil
}

type fixture struct {
	processor *pipeline.Processor
	store     *storage.MemoryTransitionStore
	fetcher   *fakeFetcher
	tracker   *dedup.WindowTracker
}

func newFixture(t *testing.T, cfg *pipeline.Config) *fixture {
	t.Helper()

	discard := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := storage.NewMemoryTransitionStore()

	detector, err := ingestion.NewDetector(store, ingestion.NewStageRanker(ingestion.DefaultStages()),
		ingestion.WithLogger(discard))
	require.NoError(t, err)

	tracker := dedup.NewWindowTracker(dedup.DefaultConfig())
	t.Cleanup(func() { _ = tracker.Close() })

	fetcher := newFakeFetcher()

	processor, err := pipeline.NewProcessor(cfg, tracker, fetcher, detector, pipeline.WithLogger(discard))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = processor.Close(ctx)
	})

	return &fixture{processor: processor, store: store, fetcher: fetcher, tracker: tracker}
}

func testConfig() *pipeline.Config {
	return &pipeline.Config{
		QueueCapacity: 16,
		Workers:       2,
		FetchTimeout:  time.Second,
		StoreTimeout:  time.Second,
	}
}

func notification(entityID string, at time.Time) ingestion.Notification {
	return ingestion.Notification{
		ID:         fmt.Sprintf("n-%s-%d", entityID, at.Unix()),
		Kind:       ingestion.EventPeopleStageUpdated,
		EntityID:   entityID,
		ReceivedAt: at,
		Origin:     ingestion.WebhookOrigin(ingestion.EventPeopleStageUpdated),
	}
}

func waitProcessed(t *testing.T, p *pipeline.Processor, want int64) {
	t.Helper()

	require.Eventually(t, func() bool {
		s := p.Stats()

		return s.Recorded+s.Unchanged+s.AlreadyRecorded+s.Failed >= want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestProcessor_EndToEndScenario(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t, testConfig())
	f.processor.Start()

	f.fetcher.set("E123", "ACQ - Qualified")

	status, err := f.processor.Submit(notification("E123", baseTime))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAccepted, status)
	waitProcessed(t, f.processor, 1)

	status, err = f.processor.Submit(notification("E123", baseTime.Add(2*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAccepted, status)
	waitProcessed(t, f.processor, 2)

	f.fetcher.set("E123", "ACQ - Offers Made")

	status, err = f.processor.Submit(notification("E123", baseTime.Add(45*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAccepted, status)
	waitProcessed(t, f.processor, 3)

	history, err := f.store.History(context.Background(), "E123")
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Nil(t, history[0].StageFrom)
	assert.Equal(t, "ACQ - Qualified", history[0].StageTo)
	require.NotNil(t, history[1].StageFrom)
	assert.Equal(t, "ACQ - Qualified", *history[1].StageFrom)
	assert.Equal(t, "ACQ - Offers Made", history[1].StageTo)

	stats := f.processor.Stats()
	assert.Equal(t, int64(3), stats.Received)
	assert.Equal(t, int64(3), stats.Accepted)
	assert.Equal(t, int64(2), stats.Recorded)
	assert.Equal(t, int64(1), stats.Unchanged)
	assert.Equal(t, 1, stats.DedupTracked)
}

func TestProcessor_FetchTimeoutIsolated(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testConfig()
	cfg.FetchTimeout = 100 * time.Millisecond

	f := newFixture(t, cfg)
	f.fetcher.hang["E456"] = true
	f.fetcher.set("E789", "Contacted")
	f.processor.Start()

	_, err := f.processor.Submit(notification("E456", baseTime))
	require.NoError(t, err)
	_, err = f.processor.Submit(notification("E789", baseTime))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		history, err := f.store.History(context.Background(), "E789")

		return err == nil && len(history) == 1
	}, 5*time.Second, 5*time.Millisecond, "other entities are processed while E456 hangs")

	require.Eventually(t, func() bool {
		return f.processor.Stats().FetchFailed == 1
	}, 5*time.Second, 5*time.Millisecond)

	history, err := f.store.History(context.Background(), "E456")
	require.NoError(t, err)
	assert.Empty(t, history, "a failed fetch writes nothing")

	stats := f.processor.Stats()
	assert.Equal(t, int64(1), stats.Recorded)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestProcessor_DuplicateRejected(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t, testConfig())

	statuses := make([]pipeline.SubmitStatus, 0, 4)

	for _, offset := range []time.Duration{0, time.Second, 2 * time.Second, 40 * time.Second} {
		status, err := f.processor.Submit(notification("E1", baseTime.Add(offset)))
		require.NoError(t, err)

		statuses = append(statuses, status)
	}

	assert.Equal(t, []pipeline.SubmitStatus{
		pipeline.StatusAccepted,
		pipeline.StatusAccepted,
		pipeline.StatusDuplicateRejected,
		pipeline.StatusAccepted,
	}, statuses)

	stats := f.processor.Stats()
	assert.Equal(t, int64(1), stats.Deduplicated)
	assert.Equal(t, 3, stats.QueueDepth)
}

func TestProcessor_QueueOverflowRejectsNewWork(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testConfig()
	cfg.QueueCapacity = 2

	f := newFixture(t, cfg)

	for _, entity := range []string{"E1", "E2"} {
		status, err := f.processor.Submit(notification(entity, baseTime))
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusAccepted, status)
	}

	status, err := f.processor.Submit(notification("E3", baseTime))

	require.ErrorIs(t, err, pipeline.ErrQueueFull)
	assert.Equal(t, pipeline.StatusDropped, status)

	stats := f.processor.Stats()
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 2, stats.QueueDepth)
	assert.Equal(t, 2, stats.QueueCapacity)
}

func TestProcessor_CloseDrainsQueue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t, testConfig())

	for i := range 5 {
		entity := fmt.Sprintf("E%d", i)
		f.fetcher.set(entity, "Contacted")

		_, err := f.processor.Submit(notification(entity, baseTime))
		require.NoError(t, err)
	}

	f.processor.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.processor.Close(ctx))
	require.NoError(t, f.processor.Close(ctx), "close is idempotent")

	assert.Equal(t, int64(5), f.processor.Stats().Recorded)

	status, err := f.processor.Submit(notification("E9", baseTime))
	require.ErrorIs(t, err, pipeline.ErrProcessorClosed)
	assert.Equal(t, pipeline.StatusDropped, status)
}

func TestProcessor_CloseDeadlineCancelsInFlight(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testConfig()
	cfg.FetchTimeout = 10 * time.Second

	f := newFixture(t, cfg)
	f.fetcher.hang["E456"] = true
	f.processor.Start()

	_, err := f.processor.Submit(notification("E456", baseTime))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.fetcher.callCount("E456") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = f.processor.Close(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessor_ProcessBypassesDedup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t, testConfig())
	f.fetcher.set("E5", "Needs Offer")

	manual := ingestion.Notification{EntityID: "E5", Origin: ingestion.OriginManual}

	for range 3 {
		result, err := f.processor.Process(context.Background(), manual)
		require.NoError(t, err)
		assert.NotNil(t, result)
	}

	assert.Equal(t, 3, f.fetcher.callCount("E5"))
	assert.Equal(t, 0, f.tracker.Tracked())

	history, err := f.store.History(context.Background(), "E5")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ingestion.OriginManual, history[0].Origin)

	_, err = f.processor.Process(context.Background(), ingestion.Notification{EntityID: "missing"})
	require.ErrorIs(t, err, ingestion.ErrFetchFailed)
}

func TestProcessor_InvalidNotification(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t, testConfig())

	_, err := f.processor.Submit(ingestion.Notification{})
	require.ErrorIs(t, err, pipeline.ErrInvalidNotification)

	f.processor.MarkIgnored()

	stats := f.processor.Stats()
	assert.Equal(t, int64(2), stats.Received)
	assert.Equal(t, int64(2), stats.Ignored)
}

func TestNewProcessor_Validation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tracker := dedup.NewWindowTracker(nil)
	t.Cleanup(func() { _ = tracker.Close() })

	_, err := pipeline.NewProcessor(&pipeline.Config{QueueCapacity: 0, Workers: 1, FetchTimeout: 1, StoreTimeout: 1},
		tracker, newFakeFetcher(), nil)
	require.True(t, errors.Is(err, pipeline.ErrInvalidConfig))

	_, err = pipeline.NewProcessor(nil, tracker, newFakeFetcher(), nil)
	require.ErrorIs(t, err, pipeline.ErrInvalidConfig, "detector is required")
}

func TestLoadConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("STAGETRACKER_QUEUE_CAPACITY", "50")
	t.Setenv("STAGETRACKER_WORKERS", "3")
	t.Setenv("STAGETRACKER_FETCH_TIMEOUT", "2s")

	cfg := pipeline.LoadConfig()

	assert.Equal(t, 50, cfg.QueueCapacity)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.FetchTimeout)
	assert.Equal(t, pipeline.DefaultConfig().StoreTimeout, cfg.StoreTimeout)
	assert.NoError(t, cfg.Validate())
}
