package metrics

import (
	"context"
	"time"
)

// MetricsCollector defines the core domain interface
type MetricsCollector interface {
	Record(ctx context.Context, snapshot *MetricsSnapshot) error
	Close() error
}

// MetricsRepository defines the interface for metrics data storage
type MetricsRepository interface {
	Record(snapshot *MetricsSnapshot) error
	Close() error
}

// MetricsSnapshot is the state of one monitoring session at one instant.
// Counters are cumulative since session start.
type MetricsSnapshot struct {
	Timestamp time.Time
	SessionID string
	Ingest    IngestMetrics
	Binning   BinningMetrics
	Worker    WorkerMetrics
}

type IngestMetrics struct {
	State        string
	Running      bool
	Epoch        int64
	Watermark    int64
	Ingested     uint64
	Cycles       uint64
	EmptyCycles  uint64
	FetchErrors  uint64
	LatencyP50   time.Duration
	LatencyP99   time.Duration
	SeriesLength int
}

type BinningMetrics struct {
	Received   int
	Gated      int
	OutOfRange int
	QueueDepth int
}

type WorkerMetrics struct {
	Processed int64
	Gated     int64
	Failures  int64
}
