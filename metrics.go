package sparseix

import (
	"sync"
	"time"
)

// MetricsCollector receives timing and outcome observations for
// Collection's write and search operations. Implementations must be
// safe for concurrent use, since Collection calls them from whatever
// goroutine performed the operation.
type MetricsCollector interface {
	RecordUpsert(d time.Duration, err error)
	RecordSearch(d time.Duration, resultsFound int, err error)
	RecordDelete(d time.Duration, err error)
}

// NoopMetricsCollector discards every observation. It is the default
// when no collector is configured.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordUpsert(time.Duration, error)      {}
func (NoopMetricsCollector) RecordSearch(time.Duration, int, error) {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)      {}

// BasicMetricsCollector accumulates counts and average latencies
// in-process. Safe for concurrent use.
type BasicMetricsCollector struct {
	mu sync.Mutex

	upsertCount, upsertErrors int64
	upsertNanos               int64

	searchCount, searchErrors int64
	searchNanos               int64

	deleteCount, deleteErrors int64
	deleteNanos               int64
}

func (m *BasicMetricsCollector) RecordUpsert(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCount++
	m.upsertNanos += d.Nanoseconds()
	if err != nil {
		m.upsertErrors++
	}
}

func (m *BasicMetricsCollector) RecordSearch(d time.Duration, resultsFound int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchCount++
	m.searchNanos += d.Nanoseconds()
	if err != nil {
		m.searchErrors++
	}
}

func (m *BasicMetricsCollector) RecordDelete(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCount++
	m.deleteNanos += d.Nanoseconds()
	if err != nil {
		m.deleteErrors++
	}
}

// MetricsSnapshot is a point-in-time read of a BasicMetricsCollector.
type MetricsSnapshot struct {
	UpsertCount, UpsertErrors int64
	UpsertAvgNanos            int64

	SearchCount, SearchErrors int64
	SearchAvgNanos            int64

	DeleteCount, DeleteErrors int64
	DeleteAvgNanos            int64
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// GetStats returns a snapshot of the accumulated counters.
func (m *BasicMetricsCollector) GetStats() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		UpsertCount:    m.upsertCount,
		UpsertErrors:   m.upsertErrors,
		UpsertAvgNanos: avg(m.upsertNanos, m.upsertCount),
		SearchCount:    m.searchCount,
		SearchErrors:   m.searchErrors,
		SearchAvgNanos: avg(m.searchNanos, m.searchCount),
		DeleteCount:    m.deleteCount,
		DeleteErrors:   m.deleteErrors,
		DeleteAvgNanos: avg(m.deleteNanos, m.deleteCount),
	}
}
