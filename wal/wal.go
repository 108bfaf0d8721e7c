// Package wal implements the write-ahead log used to recover the ID
// mapper's external→internal allocation state after a crash.
//
// The log is a 12-byte file header followed by an append-only run of
// fixed-shape records: a CRC32C checksum (4 bytes), an opcode byte, and
// an internal id (4 or 8 bytes, depending on the collection's configured
// id width). It carries no payload beyond the id — the WAL is
// schema-neutral; downstream components (the ID mapper) decide what a
// VectorAdd/VectorDelete/VectorUpdate record means during recovery.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sparseix/sparseix/internal/fs"
	"github.com/sparseix/sparseix/model"
)

// Durability controls when Append's caller is guaranteed the record is
// on stable storage.
type Durability int

const (
	// DurabilityAsync relies on the OS page cache; fastest, least durable.
	// Intended for bulk loads where SetEnabled(false) is the more common
	// choice, but also usable standalone.
	DurabilityAsync Durability = iota
	// DurabilitySync batches concurrent writers behind a background
	// syncer goroutine: Append blocks until a background fsync covers its
	// offset, so concurrent callers amortize one fsync across many
	// appends without any caller waiting longer than necessary.
	DurabilitySync
)

const (
	walMagic      = "SPXWAL01" // 8 bytes
	walHeaderSize = 12         // magic(8) + idWidth(1) + reserved(3)
)

var (
	// ErrInvalidHeader indicates the file is not a recognizable WAL.
	ErrInvalidHeader = errors.New("wal: invalid header")
	// ErrClosed is returned by operations on a closed WAL.
	ErrClosed = errors.New("wal: closed")
)

// Options configures a WAL instance.
type Options struct {
	Durability Durability
	IDWidth    model.IDWidth
	// FS is the filesystem the WAL opens its file through. Defaults to
	// fs.Default (the local OS filesystem); tests substitute
	// fs.NewFaultyFS to inject write and sync failures.
	FS fs.FileSystem
}

// DefaultOptions returns DurabilitySync with a 32-bit id width.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync, IDWidth: model.IDWidth32}
}

// WAL is an append-only, CRC-protected log of id-lifecycle records.
type WAL struct {
	mu      sync.Mutex
	fsys    fs.FileSystem
	file    fs.File
	w       *countingWriter
	path    string
	opts    Options
	idBytes int

	enabled bool

	syncedOffset int64
	syncCond     *sync.Cond
	doneCond     *sync.Cond
	closed       bool
	lastErr      error
	wg           sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error { return cw.w.Flush() }

// Open opens or creates a WAL file at path.
func Open(path string, opts Options) (*WAL, error) {
	if opts.IDWidth == 0 {
		opts.IDWidth = model.IDWidth32
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	idBytes := 4
	if opts.IDWidth == model.IDWidth64 {
		idBytes = 8
	}

	f, err := opts.FS.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	offset := stat.Size()

	if offset == 0 {
		if err := writeHeader(f, opts.IDWidth); err != nil {
			_ = f.Close()
			return nil, err
		}
		offset = walHeaderSize
	} else {
		gotWidth, err := readHeader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		opts.IDWidth = gotWidth
		idBytes = 4
		if gotWidth == model.IDWidth64 {
			idBytes = 8
		}
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	w := &WAL{
		fsys:         opts.FS,
		file:         f,
		w:            &countingWriter{w: bufio.NewWriter(f), n: offset},
		path:         path,
		opts:         opts,
		idBytes:      idBytes,
		enabled:      true,
		syncedOffset: offset,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}

	return w, nil
}

func writeHeader(f fs.File, width model.IDWidth) error {
	buf := make([]byte, walHeaderSize)
	copy(buf[0:8], walMagic)
	if width == model.IDWidth64 {
		buf[8] = 64
	} else {
		buf[8] = 32
	}
	_, err := f.Write(buf)
	return err
}

func readHeader(f fs.File) (model.IDWidth, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	buf := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if string(buf[0:8]) != walMagic {
		return 0, fmt.Errorf("%w: bad magic", ErrInvalidHeader)
	}
	if buf[8] == 64 {
		return model.IDWidth64, nil
	}
	return model.IDWidth32, nil
}

// SetEnabled toggles whether Append is a no-op. Bulk loads disable the
// WAL, perform the load, then re-enable it once the load is checkpointed
// by whatever durable state it populates.
func (w *WAL) SetEnabled(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = enabled
}

// HasEntries reports whether the log contains any records beyond its
// header, i.e. whether recovery should run.
func (w *WAL) HasEntries() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.n > walHeaderSize, nil
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.w.n <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed && w.w.n <= w.syncedOffset {
			return
		}

		target := w.w.n
		w.mu.Unlock()
		err := w.file.Sync()
		w.mu.Lock()

		if err != nil {
			w.lastErr = fmt.Errorf("wal: sync: %w", err)
			w.doneCond.Broadcast()
			return
		}
		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

// Append writes one record and, under DurabilitySync, blocks until it is
// durable. A no-op when the WAL is disabled via SetEnabled(false).
func (w *WAL) Append(op OpType, id model.InternalID) error {
	return w.AppendBatch([]Record{{Op: op, ID: id}})
}

// AppendBatch writes several records, holding the WAL mutex for the
// whole batch, then flushing once, matching spec.md's "batched writes
// hold a mutex, write all records, then flush" contract.
func (w *WAL) AppendBatch(records []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if !w.enabled {
		return nil
	}
	if w.lastErr != nil {
		return w.lastErr
	}

	for i := range records {
		if err := encodeRecord(w.w, records[i], w.idBytes); err != nil {
			return fmt.Errorf("wal: append: %w", err)
		}
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}

	endOffset := w.w.n

	switch w.opts.Durability {
	case DurabilitySync:
		w.syncCond.Signal()
		for w.syncedOffset < endOffset && !w.closed && w.lastErr == nil {
			w.doneCond.Wait()
		}
		if w.lastErr != nil {
			return w.lastErr
		}
	case DurabilityAsync:
		// No fsync; OS page cache durability only.
	}
	return nil
}

// Clear truncates the log back to an empty (header-only) file. Used
// after the state the WAL protects has been durably checkpointed
// elsewhere.
func (w *WAL) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.fsys.Truncate(w.path, 0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := writeHeader(w.file, w.opts.IDWidth); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.w = &countingWriter{w: bufio.NewWriter(w.file), n: walHeaderSize}
	w.syncedOffset = walHeaderSize
	return nil
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if err := w.w.Flush(); err != nil {
		w.mu.Unlock()
		_ = w.file.Close()
		return err
	}
	w.closed = true
	w.syncCond.Signal()
	w.mu.Unlock()

	w.wg.Wait()
	return w.file.Close()
}

// Replay reads every record from the start of the log (after the
// header) and calls fn for each, in file order, stopping at the first
// CorruptData error or EOF.
func (w *WAL) Replay(fn func(Record) error) error {
	f, err := w.fsys.OpenFile(w.path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(f)
	idBytes := w.idBytes

	for {
		rec, err := decodeRecord(r, idBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
