package zsei

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    putCounter      prometheus.Counter
//	    searchHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordPut(duration time.Duration, err error) {
//	    p.putCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordPut is called after each container put or update.
	RecordPut(duration time.Duration, err error)

	// RecordGet is called after each container read.
	RecordGet(duration time.Duration, err error)

	// RecordDelete is called after each container or edge delete.
	RecordDelete(duration time.Duration, err error)

	// RecordSearch is called after each embedding search.
	// k is the number of neighbors requested.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordTraversal is called after a traversal drains.
	// visited is the number of containers yielded.
	RecordTraversal(visited int, duration time.Duration, err error)

	// RecordVerify is called after each verification pass.
	// mismatches is the number of corrupt records found.
	RecordVerify(mismatches int, duration time.Duration, err error)

	// RecordRepair is called after each repair cascade with its outcome
	// ("clean", "rolled_back", "quarantined").
	RecordRepair(outcome string, duration time.Duration, err error)

	// RecordCompaction is called after each compaction run.
	RecordCompaction(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPut(time.Duration, error)            {}
func (NoopMetricsCollector) RecordGet(time.Duration, error)            {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)         {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordTraversal(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordVerify(int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordRepair(string, time.Duration, error) {}
func (NoopMetricsCollector) RecordCompaction(time.Duration, error)     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PutCount         atomic.Int64
	PutErrors        atomic.Int64
	PutTotalNanos    atomic.Int64
	GetCount         atomic.Int64
	GetErrors        atomic.Int64
	GetTotalNanos    atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	TraversalCount   atomic.Int64
	TraversalErrors  atomic.Int64
	VisitedTotal     atomic.Int64
	VerifyCount      atomic.Int64
	MismatchTotal    atomic.Int64
	RepairCount      atomic.Int64
	Quarantines      atomic.Int64
	Rollbacks        atomic.Int64
	CompactionCount  atomic.Int64
	CompactionErrors atomic.Int64
}

// RecordPut implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPut(duration time.Duration, err error) {
	b.PutCount.Add(1)
	b.PutTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.PutErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(duration time.Duration, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordTraversal implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTraversal(visited int, duration time.Duration, err error) {
	b.TraversalCount.Add(1)
	b.VisitedTotal.Add(int64(visited))
	if err != nil {
		b.TraversalErrors.Add(1)
	}
}

// RecordVerify implements MetricsCollector.
func (b *BasicMetricsCollector) RecordVerify(mismatches int, duration time.Duration, err error) {
	b.VerifyCount.Add(1)
	b.MismatchTotal.Add(int64(mismatches))
}

// RecordRepair implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRepair(outcome string, duration time.Duration, err error) {
	b.RepairCount.Add(1)
	switch outcome {
	case "rolled_back":
		b.Rollbacks.Add(1)
	case "quarantined":
		b.Quarantines.Add(1)
	}
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(duration time.Duration, err error) {
	b.CompactionCount.Add(1)
	if err != nil {
		b.CompactionErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PutCount:        b.PutCount.Load(),
		PutErrors:       b.PutErrors.Load(),
		PutAvgNanos:     avg(b.PutTotalNanos.Load(), b.PutCount.Load()),
		GetCount:        b.GetCount.Load(),
		GetErrors:       b.GetErrors.Load(),
		GetAvgNanos:     avg(b.GetTotalNanos.Load(), b.GetCount.Load()),
		DeleteCount:     b.DeleteCount.Load(),
		DeleteErrors:    b.DeleteErrors.Load(),
		SearchCount:     b.SearchCount.Load(),
		SearchErrors:    b.SearchErrors.Load(),
		SearchAvgNanos:  avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		TraversalCount:  b.TraversalCount.Load(),
		TraversalErrors: b.TraversalErrors.Load(),
		VisitedTotal:    b.VisitedTotal.Load(),
		VerifyCount:     b.VerifyCount.Load(),
		MismatchTotal:   b.MismatchTotal.Load(),
		RepairCount:     b.RepairCount.Load(),
		Rollbacks:       b.Rollbacks.Load(),
		Quarantines:     b.Quarantines.Load(),
		CompactionCount: b.CompactionCount.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PutCount        int64
	PutErrors       int64
	PutAvgNanos     int64
	GetCount        int64
	GetErrors       int64
	GetAvgNanos     int64
	DeleteCount     int64
	DeleteErrors    int64
	SearchCount     int64
	SearchErrors    int64
	SearchAvgNanos  int64
	TraversalCount  int64
	TraversalErrors int64
	VisitedTotal    int64
	VerifyCount     int64
	MismatchTotal   int64
	RepairCount     int64
	Rollbacks       int64
	Quarantines     int64
	CompactionCount int64
}
