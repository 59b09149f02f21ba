// Package dedup sheds redundant notification bursts before they reach the CRM.
//
// The deduplicator is a load-shedding optimization only. It is process-local, so when the
// endpoint runs on several instances the store's dedup_key constraint remains the guarantee
// that a transition is recorded once.
package dedup

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

const closeTimeout = 5 * time.Second

type (
	// Deduplicator decides whether a notification for an entity should be processed.
	//
	// The interface lets the in-memory tracker be replaced by a shared implementation when the
	// endpoint is scaled horizontally.
	Deduplicator interface {
		// Allow records a notification for entityID at now and reports whether it should be
		// processed. false means the notification is a duplicate.
		Allow(entityID string, now time.Time) bool
	}

	// WindowTracker implements Deduplicator with a sliding window of recent notification
	// timestamps per entity.
	//
	// For each notification:
	//  1. timestamps older than Window are pruned
	//  2. if MaxPerWindow timestamps remain, the notification is a duplicate and is not recorded
	//  3. otherwise its timestamp is appended and it is allowed
	//
	// A background sweep evicts entities idle longer than 2 × Window.
	WindowTracker struct {
		mu      sync.Mutex
		entries map[string][]time.Time

		window       time.Duration
		maxPerWindow int
		idleTimeout  time.Duration

		sweepTicker *time.Ticker
		now         func() time.Time
		done        chan struct{}
		stopped     chan struct{}
		closeOnce   sync.Once
		logger      *slog.Logger
	}
)

// NewWindowTracker creates a tracker and starts its sweep goroutine. Invalid settings fall back
// to the defaults. Callers must Close the tracker.
func NewWindowTracker(cfg *Config) *WindowTracker {
	if cfg == nil || cfg.Validate() != nil {
		cfg = DefaultConfig()
	}

	t := &WindowTracker{
		entries:      make(map[string][]time.Time),
		window:       cfg.Window,
		maxPerWindow: cfg.MaxPerWindow,
		idleTimeout:  cfg.IdleTimeout(),
		sweepTicker:  time.NewTicker(cfg.SweepInterval),
		now:          time.Now,
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("STAGETRACKER_LOG_LEVEL", slog.LevelInfo),
		})),
	}

	go t.sweepLoop()

	return t
}

// Allow implements Deduplicator.
func (t *WindowTracker) Allow(entityID string, now time.Time) bool {
	cutoff := now.Add(-t.window)

	t.mu.Lock()
	defer t.mu.Unlock()

	timestamps := t.entries[entityID]

	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= t.maxPerWindow {
		t.entries[entityID] = kept

		return false
	}

	t.entries[entityID] = append(kept, now)

	return true
}

// Tracked returns the number of entities currently held in memory.
func (t *WindowTracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// Sweep evicts entities whose newest timestamp is older than the idle timeout and returns how
// many were removed. It runs periodically; calling it directly is safe.
func (t *WindowTracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.idleTimeout)

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0

	for entityID, timestamps := range t.entries {
		if len(timestamps) == 0 || !timestamps[len(timestamps)-1].After(cutoff) {
			delete(t.entries, entityID)

			evicted++
		}
	}

	return evicted
}

// Close stops the sweep goroutine. It is idempotent and waits at most a few seconds.
func (t *WindowTracker) Close() error {
	t.closeOnce.Do(func() {
		t.sweepTicker.Stop()
		close(t.done)

		select {
		case <-t.stopped:
		case <-time.After(closeTimeout):
			t.logger.Warn("dedup sweep did not stop in time")
		}
	})

	return nil
}

func (t *WindowTracker) sweepLoop() {
	defer close(t.stopped)

	for {
		select {
		case <-t.sweepTicker.C:
			if evicted := t.Sweep(t.now()); evicted > 0 {
				t.logger.Debug("evicted idle dedup entries",
					slog.Int("evicted", evicted),
					slog.Int("tracked", t.Tracked()),
				)
			}
		case <-t.done:
			return
		}
	}
}
