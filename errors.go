package sparseix

import (
	"errors"
	"fmt"

	"github.com/sparseix/sparseix/bmw"
	"github.com/sparseix/sparseix/filter"
	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/numericindex"
	"github.com/sparseix/sparseix/sparsevec"
	"github.com/sparseix/sparseix/wal"
)

var (
	// ErrInvalidK is returned when Search is called with a non-positive k.
	ErrInvalidK = errors.New("sparseix: k must be positive")
	// ErrNotFound unifies the "no such key" condition across the
	// underlying sub-stores (spec.md §7's Not Found category).
	ErrNotFound = errors.New("sparseix: not found")
	// ErrCorruptData unifies the CorruptData category: a persisted
	// block, bucket, or vector record whose length disagrees with its
	// declared count, or a WAL record that is truncated or fails its
	// checksum. The operation that surfaced it is aborted; the
	// store is never repaired in place.
	ErrCorruptData = errors.New("sparseix: corrupt data")
)

// ErrTypeConflict indicates a write attempted a field with a type
// different from the one registered for it on first observation.
// translateError produces it from a *filter.TypeConflictError that
// reaches this package's boundary. Upsert does not return it: per
// spec.md §7's TypeConflict policy it logs the offending field, skips
// that field's write, and the rest of the batch still commits.
type ErrTypeConflict struct {
	Field string
	cause error
}

func (e *ErrTypeConflict) Error() string {
	return fmt.Sprintf("sparseix: type conflict on field %q", e.Field)
}

func (e *ErrTypeConflict) Unwrap() error { return e.cause }

// ErrRangeOverflow indicates a $range condition with start > end
// (filter.ErrRangeOverflow).
type ErrRangeOverflow struct {
	cause error
}

func (e *ErrRangeOverflow) Error() string {
	return fmt.Sprintf("sparseix: range overflow: %v", e.cause)
}

func (e *ErrRangeOverflow) Unwrap() error { return e.cause }

// translateError maps errors surfacing from the sub-packages onto this
// package's public taxonomy, so callers only ever need to check
// against sparseix's own sentinels and types (spec.md §7's "structured
// error values distinguishing the categories").
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	if errors.Is(err, bmw.ErrCorruptBlock) ||
		errors.Is(err, numericindex.ErrCorruptBucket) ||
		errors.Is(err, sparsevec.ErrCorrupt) ||
		errors.Is(err, wal.ErrCorruptRecord) {
		return fmt.Errorf("%w: %w", ErrCorruptData, err)
	}

	var conflict *filter.TypeConflictError
	if errors.As(err, &conflict) {
		return &ErrTypeConflict{Field: conflict.Field, cause: err}
	}

	if errors.Is(err, filter.ErrRangeOverflow) {
		return &ErrRangeOverflow{cause: err}
	}

	return err
}
