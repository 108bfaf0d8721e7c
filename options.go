package sparseix

import (
	"log/slog"
	"time"

	"github.com/sparseix/sparseix/model"
	"github.com/sparseix/sparseix/numericindex"
	"github.com/sparseix/sparseix/wal"
)

type options struct {
	idWidth          model.IDWidth
	bucketMaxSize    int
	readOnly         bool
	initialMmapSize  int
	openTimeout      time.Duration
	reuseDeletedIDs  bool
	walDurability    wal.Durability
	walEnabled       bool
	logger           *Logger
	metricsCollector MetricsCollector
}

// Option configures Open's Collection construction.
//
// Today options primarily exist to avoid exploding Open's signature
// with every per-component knob (id width, bucket sizing, durability).
type Option func(*options)

// WithIDWidth selects the on-disk width of internal ids and BMW
// doc-diffs. Defaults to model.IDWidth32; a collection expecting more
// than ~4 billion live+historical ids should use IDWidth64 from
// creation (it is not migratable after the fact).
func WithIDWidth(w model.IDWidth) Option {
	return func(o *options) {
		o.idWidth = w
	}
}

// WithBucketMaxSize overrides the numeric index's bucket split
// threshold. Defaults to numericindex.DefaultBucketMaxSize (512).
func WithBucketMaxSize(n int) Option {
	return func(o *options) {
		o.bucketMaxSize = n
	}
}

// WithReadOnly opens the underlying store for readers only, e.g. a
// replica serving search traffic against a snapshot someone else
// writes.
func WithReadOnly(readOnly bool) Option {
	return func(o *options) {
		o.readOnly = readOnly
	}
}

// WithInitialMmapSize pre-sizes the kv store's memory map so a hot
// write burst doesn't pay for repeated remapping.
func WithInitialMmapSize(bytes int) Option {
	return func(o *options) {
		o.initialMmapSize = bytes
	}
}

// WithOpenTimeout bounds how long Open waits to acquire the store's
// file lock.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *options) {
		o.openTimeout = d
	}
}

// WithReuseDeletedIDs controls whether CreateIDsBatch pulls from the
// deleted-ids reclaim list before allocating fresh ids. Defaults to
// true; disable it for collections that must never hand out a
// previously-live id (e.g. externally cached id->doc assumptions).
func WithReuseDeletedIDs(reuse bool) Option {
	return func(o *options) {
		o.reuseDeletedIDs = reuse
	}
}

// WithWALDurability selects DurabilitySync (default) or
// DurabilityAsync for the write-ahead log.
func WithWALDurability(d wal.Durability) Option {
	return func(o *options) {
		o.walDurability = d
	}
}

// WithWALEnabled toggles the WAL at construction time. Bulk loaders
// that accept losing in-flight allocation state on crash can disable
// it for throughput; Collection.SetWALEnabled flips it at runtime too.
func WithWALEnabled(enabled bool) Option {
	return func(o *options) {
		o.walEnabled = enabled
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		idWidth:          model.IDWidth32,
		bucketMaxSize:    numericindex.DefaultBucketMaxSize,
		reuseDeletedIDs:  true,
		walDurability:    wal.DurabilitySync,
		walEnabled:       true,
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	return o
}
