// Package pipeline moves notifications from the ingestion endpoint to the Transition
// Detector: deduplication, a bounded work queue and a pool of workers that fetch snapshots
// and run detection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/dedup"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
)

// Submission outcomes reported to the notification sender.
const (
	StatusAccepted          SubmitStatus = "accepted"
	StatusDuplicateRejected SubmitStatus = "duplicate-rejected"
	StatusDropped           SubmitStatus = "dropped"
)

var (
	// ErrQueueFull is returned when the work queue is at capacity. The notification is dropped
	// and left to the reconciliation poller.
	ErrQueueFull = errors.New("work queue is full")

	// ErrProcessorClosed is returned by Submit after Close.
	ErrProcessorClosed = errors.New("processor is closed")

	// ErrInvalidNotification is returned for a notification without an entity id.
	ErrInvalidNotification = errors.New("notification has no entity id")
)

type (
	// SubmitStatus is the outcome of Submit.
	SubmitStatus string

	// Detector runs transition detection for one observation.
	Detector interface {
		Detect(ctx context.Context, obs ingestion.Observation) (*ingestion.Result, error)
	}

	// Processor owns the work queue and the worker pool.
	Processor struct {
		cfg      *Config
		dedup    dedup.Deduplicator
		fetcher  ingestion.SnapshotFetcher
		detector Detector
		queue    chan ingestion.Notification

		// mu guards closed against concurrent sends on queue.
		mu     sync.RWMutex
		closed bool

		ctx       context.Context //nolint: containedctx
		cancel    context.CancelFunc
		wg        sync.WaitGroup
		startOnce sync.Once
		closeOnce sync.Once

		stats  counters
		now    func() time.Time
		logger *slog.Logger
	}

	// Option configures optional Processor behavior.
	Option func(*Processor)
)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the processor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates a processor. Call Start to launch the workers.
func NewProcessor(
	cfg *Config,
	deduplicator dedup.Deduplicator,
	fetcher ingestion.SnapshotFetcher,
	detector Detector,
	opts ...Option,
) (*Processor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if deduplicator == nil || fetcher == nil || detector == nil {
		return nil, fmt.Errorf("%w: deduplicator, fetcher and detector are required", ErrInvalidConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Processor{
		cfg:      cfg,
		dedup:    deduplicator,
		fetcher:  fetcher,
		detector: detector,
		queue:    make(chan ingestion.Notification, cfg.QueueCapacity),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("STAGETRACKER_LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.logger = p.logger.With(slog.String("component", "pipeline"))

	return p, nil
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Processor) Start() {
	p.startOnce.Do(func() {
		for i := range p.cfg.Workers {
			p.wg.Add(1)

			go p.worker(i)
		}

		p.logger.Info("pipeline started",
			slog.Int("workers", p.cfg.Workers),
			slog.Int("queue_capacity", p.cfg.QueueCapacity))
	})
}

// Submit hands one notification to the pipeline without blocking. It returns
// StatusDuplicateRejected when the entity exceeded its dedup window, StatusAccepted when the
// notification was queued and ErrQueueFull when the queue is at capacity.
func (p *Processor) Submit(n ingestion.Notification) (SubmitStatus, error) {
	p.stats.received.Add(1)

	if n.EntityID == "" {
		p.stats.ignored.Add(1)

		return "", ErrInvalidNotification
	}

	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = p.now()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.stats.dropped.Add(1)

		return StatusDropped, ErrProcessorClosed
	}

	if !p.dedup.Allow(n.EntityID, n.ReceivedAt) {
		p.stats.deduplicated.Add(1)

		p.logger.Debug("notification deduplicated",
			slog.String("entity_id", n.EntityID),
			slog.String("notification_id", n.ID),
			slog.String("event", string(n.Kind)))

		return StatusDuplicateRejected, nil
	}

	select {
	case p.queue <- n:
		p.stats.accepted.Add(1)

		return StatusAccepted, nil
	default:
		p.stats.dropped.Add(1)

		p.logger.Error("work queue full, notification dropped",
			slog.String("entity_id", n.EntityID),
			slog.String("notification_id", n.ID),
			slog.Int("queue_capacity", cap(p.queue)))

		return StatusDropped, ErrQueueFull
	}
}

// MarkIgnored counts a notification that was received but not submitted (unrecognized kind,
// no entity id).
func (p *Processor) MarkIgnored() {
	p.stats.received.Add(1)
	p.stats.ignored.Add(1)
}

// Process fetches and evaluates one notification synchronously, bypassing the Deduplicator
// and the queue. Used for operator re-checks.
func (p *Processor) Process(ctx context.Context, n ingestion.Notification) (*ingestion.Result, error) {
	if n.EntityID == "" {
		return nil, ErrInvalidNotification
	}

	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = p.now()
	}

	return p.handle(ctx, n)
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	stats := p.stats.snapshot()
	stats.QueueDepth = len(p.queue)
	stats.QueueCapacity = cap(p.queue)

	if tracker, ok := p.dedup.(interface{ Tracked() int }); ok {
		stats.DedupTracked = tracker.Tracked()
	}

	return stats
}

// Close stops accepting work and waits for queued work to finish. When ctx expires first,
// in-flight work is cancelled and ctx's error is returned.
func (p *Processor) Close(ctx context.Context) error {
	var err error

	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		done := make(chan struct{})

		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("pipeline drained")
		case <-ctx.Done():
			abandoned := len(p.queue)

			p.cancel()
			<-done

			err = ctx.Err()

			p.logger.Warn("pipeline drain interrupted, remaining work left to reconciliation",
				slog.Int("abandoned", abandoned))
		}

		p.cancel()
	})

	return err
}

func (p *Processor) worker(id int) {
	defer p.wg.Done()

	for n := range p.queue {
		if p.ctx.Err() != nil {
			// Draining was interrupted: remaining work is left to reconciliation.
			continue
		}

		p.run(id, n)
	}
}

func (p *Processor) run(worker int, n ingestion.Notification) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.failed.Add(1)

			p.logger.Error("panic while processing notification",
				slog.Int("worker", worker),
				slog.String("entity_id", n.EntityID),
				slog.Any("panic", r))
		}
	}()

	_, _ = p.handle(p.ctx, n)
}

// handle fetches the current snapshot and runs detection. Every failure is counted and
// logged here; callers only need the result.
func (p *Processor) handle(ctx context.Context, n ingestion.Notification) (*ingestion.Result, error) {
	p.stats.processed.Add(1)

	logger := p.logger.With(
		slog.String("entity_id", n.EntityID),
		slog.String("notification_id", n.ID),
		slog.String("origin", string(n.Origin)),
	)

	fetchCtx, cancelFetch := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	snapshot, err := p.fetcher.FetchSnapshot(fetchCtx, n.EntityID)

	cancelFetch()

	if err != nil {
		p.stats.fetchFailed.Add(1)
		p.stats.failed.Add(1)

		logger.Warn("snapshot fetch failed, left to reconciliation", slog.String("error", err.Error()))

		return nil, err
	}

	storeCtx, cancelStore := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancelStore()

	result, err := p.detector.Detect(storeCtx, ingestion.Observation{
		Snapshot:   snapshot,
		Origin:     n.Origin,
		Token:      n.EventID,
		ObservedAt: n.ReceivedAt,
	})
	if err != nil {
		p.stats.failed.Add(1)

		logger.Error("transition detection failed", slog.String("error", err.Error()))

		return nil, err
	}

	switch result.Outcome {
	case ingestion.OutcomeRecorded:
		p.stats.recorded.Add(1)
	case ingestion.OutcomeUnchanged:
		p.stats.unchanged.Add(1)
	case ingestion.OutcomeAlreadyRecorded:
		p.stats.alreadyRecorded.Add(1)
	}

	return result, nil
}
