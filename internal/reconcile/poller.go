// Package reconcile periodically compares recently updated CRM people against the recorded
// history, catching transitions whose notifications were lost, deduplicated or failed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
)

// ErrRunInProgress is returned by RunOnce when another run has not finished.
var ErrRunInProgress = errors.New("reconciliation run already in progress")

type (
	// Lister returns snapshots of people updated at or after since.
	Lister interface {
		ListPeopleUpdatedSince(ctx context.Context, since time.Time, limit int) ([]*ingestion.Snapshot, error)
	}

	// Detector runs transition detection for one observation.
	Detector interface {
		Detect(ctx context.Context, obs ingestion.Observation) (*ingestion.Result, error)
	}

	// RunReport summarizes one reconciliation run.
	RunReport struct {
		StartedAt       time.Time     `json:"started_at"`
		Since           time.Time     `json:"since"`
		Duration        time.Duration `json:"duration_ns"`
		EntitiesChecked int           `json:"entities_checked"`
		Recorded        int           `json:"recorded"`
		Failed          int           `json:"failed"`
		Truncated       bool          `json:"truncated"`

		// ResumeAt is the newest update time a truncated run reached; the next run starts there.
		ResumeAt *time.Time `json:"resume_at,omitempty"`
	}

	// Stats are cumulative poller counters.
	Stats struct {
		Enabled         bool       `json:"enabled"`
		Schedule        string     `json:"schedule,omitempty"`
		Running         bool       `json:"running"`
		Runs            int64      `json:"runs"`
		Skipped         int64      `json:"skipped"`
		LastRunAt       *time.Time `json:"last_run_at,omitempty"`
		NextRunAt       *time.Time `json:"next_run_at,omitempty"`
		LastError       string     `json:"last_error,omitempty"`
		EntitiesChecked int64      `json:"entities_checked"`
		Recorded        int64      `json:"recorded"`
		Failed          int64      `json:"failed"`
	}

	// Poller runs reconciliation on a cron schedule and on demand. Runs never overlap.
	Poller struct {
		cfg      *Config
		lister   Lister
		detector Detector
		cron     *cron.Cron
		entryID  cron.EntryID

		running atomic.Bool

		// mu guards the fields below.
		mu        sync.Mutex
		watermark time.Time
		resumeAt  time.Time
		stats     Stats

		ctx    context.Context //nolint: containedctx
		cancel context.CancelFunc
		now    func() time.Time
		logger *slog.Logger
	}

	// Option configures optional Poller behavior.
	Option func(*Poller)
)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the poller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPoller creates a poller. Call Start to enable the schedule.
func NewPoller(cfg *Config, lister Lister, detector Detector, opts ...Option) (*Poller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if lister == nil || detector == nil {
		return nil, fmt.Errorf("%w: lister and detector are required", ErrInvalidConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Poller{
		cfg:      cfg,
		lister:   lister,
		detector: detector,
		cron:     cron.New(),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("STAGETRACKER_LOG_LEVEL", slog.LevelInfo),
		})),
		stats: Stats{Enabled: cfg.Enabled(), Schedule: cfg.Schedule},
	}

	for _, opt := range opts {
		opt(p)
	}

	p.logger = p.logger.With(slog.String("component", "reconcile"))

	return p, nil
}

// Start schedules periodic runs and, with RunOnStart, triggers a catch-up run.
func (p *Poller) Start() error {
	if p.cfg.RunOnStart {
		p.logger.Info("starting catch-up reconciliation")

		if err := p.Trigger(); err != nil {
			return err
		}
	}

	if !p.cfg.Enabled() {
		p.logger.Info("reconciliation schedule disabled")

		return nil
	}

	schedule, err := cron.ParseStandard(p.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	p.entryID = p.cron.Schedule(schedule, cron.FuncJob(p.scheduledRun))
	p.cron.Start()

	p.logger.Info("reconciliation scheduled", slog.String("schedule", p.cfg.Schedule))

	return nil
}

// Stop cancels any run in progress and waits for it to return or for ctx to expire.
func (p *Poller) Stop(ctx context.Context) error {
	p.cancel()

	stopped := p.cron.Stop()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger starts a run in the background, for operator requests. It returns
// ErrRunInProgress when a run is already going.
func (p *Poller) Trigger() error {
	if p.running.Load() {
		return ErrRunInProgress
	}

	go func() {
		if _, err := p.RunOnce(p.ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			p.logger.Error("triggered reconciliation failed", slog.String("error", err.Error()))
		}
	}()

	return nil
}

func (p *Poller) scheduledRun() {
	_, err := p.RunOnce(p.ctx)
	if errors.Is(err, ErrRunInProgress) {
		p.logger.Warn("previous reconciliation still running, skipping")
	}
}

// RunOnce lists people updated since the last run (minus the lookback) and feeds every
// snapshot to the Detector, bypassing the Deduplicator. Per-entity failures are counted and
// do not stop the run. After a truncated run the next one resumes at the newest update time
// the truncated run reached, without the lookback.
func (p *Poller) RunOnce(ctx context.Context) (*RunReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.mu.Lock()
		p.stats.Skipped++
		p.mu.Unlock()

		return nil, ErrRunInProgress
	}
	defer p.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RunTimeout)
	defer cancel()

	started := p.now()

	p.mu.Lock()
	since, resumeAt := p.watermark, p.resumeAt
	p.mu.Unlock()

	switch {
	case !resumeAt.IsZero():
		since = resumeAt
	case since.IsZero():
		since = started.Add(-p.cfg.Lookback)
	default:
		since = since.Add(-p.cfg.Lookback)
	}

	report := &RunReport{StartedAt: started, Since: since}

	p.logger.Info("reconciliation started", slog.Time("since", since))

	snapshots, err := p.lister.ListPeopleUpdatedSince(ctx, since, p.cfg.BatchSize)
	if err != nil {
		report.Duration = p.now().Sub(started)
		p.finish(report, err)

		return report, fmt.Errorf("list updated people: %w", err)
	}

	report.Truncated = len(snapshots) >= p.cfg.BatchSize
	if report.Truncated {
		p.markTruncated(report, since, snapshots)
	}

	for _, snapshot := range snapshots {
		if ctx.Err() != nil {
			break
		}

		report.EntitiesChecked++

		recorded, err := p.check(ctx, snapshot)

		switch {
		case err != nil:
			report.Failed++
		case recorded:
			report.Recorded++
		}
	}

	report.Duration = p.now().Sub(started)

	p.finish(report, ctx.Err())

	p.logger.Info("reconciliation finished",
		slog.Int("entities_checked", report.EntitiesChecked),
		slog.Int("recorded", report.Recorded),
		slog.Int("failed", report.Failed),
		slog.Bool("truncated", report.Truncated),
		slog.Duration("duration", report.Duration))

	return report, ctx.Err()
}

// markTruncated records where the next run resumes. Without update times, or when the batch
// did not get past since, the window stays as it is and the uncovered span is reported.
func (p *Poller) markTruncated(report *RunReport, since time.Time, snapshots []*ingestion.Snapshot) {
	var newest time.Time

	for _, snapshot := range snapshots {
		if snapshot.UpdatedAt.After(newest) {
			newest = snapshot.UpdatedAt
		}
	}

	if newest.After(since) {
		report.ResumeAt = &newest

		p.logger.Warn("reconciliation batch truncated, next run resumes",
			slog.Int("batch_size", p.cfg.BatchSize),
			slog.Time("since", since),
			slog.Time("resume_at", newest),
			slog.Duration("uncovered", report.StartedAt.Sub(newest)))

		return
	}

	p.logger.Warn("reconciliation batch truncated without progress",
		slog.Int("batch_size", p.cfg.BatchSize),
		slog.Time("since", since),
		slog.Duration("uncovered", report.StartedAt.Sub(since)))
}

// check runs detection for one snapshot and reports whether a transition was recorded.
func (p *Poller) check(ctx context.Context, snapshot *ingestion.Snapshot) (bool, error) {
	entityCtx, cancel := context.WithTimeout(ctx, p.cfg.EntityTimeout)
	defer cancel()

	result, err := p.detector.Detect(entityCtx, ingestion.Observation{
		Snapshot:   snapshot,
		Origin:     ingestion.OriginPoll,
		ObservedAt: p.now(),
	})
	if err != nil {
		p.logger.Warn("reconciliation check failed",
			slog.String("entity_id", snapshot.EntityID),
			slog.String("error", err.Error()))

		return false, err
	}

	if result.Outcome == ingestion.OutcomeRecorded {
		p.logger.Info("reconciliation recovered missed transition",
			slog.String("entity_id", snapshot.EntityID),
			slog.String("stage_from", result.LastStage),
			slog.String("stage_to", result.Transition.StageTo))

		return true, nil
	}

	return false, nil
}

func (p *Poller) finish(report *RunReport, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Runs++
	p.stats.EntitiesChecked += int64(report.EntitiesChecked)
	p.stats.Recorded += int64(report.Recorded)
	p.stats.Failed += int64(report.Failed)

	lastRun := report.StartedAt
	p.stats.LastRunAt = &lastRun
	p.stats.LastError = ""

	if err != nil {
		p.stats.LastError = err.Error()

		return
	}

	switch {
	case !report.Truncated:
		p.watermark = report.StartedAt
		p.resumeAt = time.Time{}
	case report.ResumeAt != nil:
		p.resumeAt = *report.ResumeAt
	}
}

// Stats returns a copy of the poller counters.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	stats := p.stats
	p.mu.Unlock()

	stats.Running = p.running.Load()

	if p.entryID != 0 {
		if next := p.cron.Entry(p.entryID).Next; !next.IsZero() {
			stats.NextRunAt = &next
		}
	}

	return stats
}
