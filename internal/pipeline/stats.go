package pipeline

import "sync/atomic"

type (
	// Stats is a point-in-time copy of the pipeline counters.
	Stats struct {
		Received        int64 `json:"received"`
		Accepted        int64 `json:"accepted"`
		Ignored         int64 `json:"ignored"`
		Deduplicated    int64 `json:"deduplicated"`
		Dropped         int64 `json:"dropped"`
		Processed       int64 `json:"processed"`
		Recorded        int64 `json:"recorded"`
		Unchanged       int64 `json:"unchanged"`
		AlreadyRecorded int64 `json:"already_recorded"`
		Failed          int64 `json:"failed"`
		FetchFailed     int64 `json:"fetch_failed"`
		QueueDepth      int   `json:"queue_depth"`
		QueueCapacity   int   `json:"queue_capacity"`
		DedupTracked    int   `json:"dedup_tracked"`
	}

	counters struct {
		received        atomic.Int64
		accepted        atomic.Int64
		ignored         atomic.Int64
		deduplicated    atomic.Int64
		dropped         atomic.Int64
		processed       atomic.Int64
		recorded        atomic.Int64
		unchanged       atomic.Int64
		alreadyRecorded atomic.Int64
		failed          atomic.Int64
		fetchFailed     atomic.Int64
	}
)

func (c *counters) snapshot() Stats {
	return Stats{
		Received:        c.received.Load(),
		Accepted:        c.accepted.Load(),
		Ignored:         c.ignored.Load(),
		Deduplicated:    c.deduplicated.Load(),
		Dropped:         c.dropped.Load(),
		Processed:       c.processed.Load(),
		Recorded:        c.recorded.Load(),
		Unchanged:       c.unchanged.Load(),
		AlreadyRecorded: c.alreadyRecorded.Load(),
		Failed:          c.failed.Load(),
		FetchFailed:     c.fetchFailed.Load(),
	}
}
