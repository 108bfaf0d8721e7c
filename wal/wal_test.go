package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sparseix/sparseix/internal/fs"
	"github.com/sparseix/sparseix/model"
)

func openTestWAL(t *testing.T, opts Options) *WAL {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWAL_AppendAndReplay(t *testing.T) {
	w := openTestWAL(t, DefaultOptions())

	require.NoError(t, w.Append(OpVectorAdd, model.InternalID(1)))
	require.NoError(t, w.Append(OpVectorAdd, model.InternalID(2)))
	require.NoError(t, w.Append(OpVectorDelete, model.InternalID(1)))

	var got []Record
	require.NoError(t, w.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}))

	require.Equal(t, []Record{
		{Op: OpVectorAdd, ID: 1},
		{Op: OpVectorAdd, ID: 2},
		{Op: OpVectorDelete, ID: 1},
	}, got)
}

func TestWAL_HasEntries(t *testing.T) {
	w := openTestWAL(t, DefaultOptions())

	has, err := w.HasEntries()
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, w.Append(OpVectorAdd, model.InternalID(7)))

	has, err = w.HasEntries()
	require.NoError(t, err)
	require.True(t, has)
}

func TestWAL_Clear(t *testing.T) {
	w := openTestWAL(t, DefaultOptions())
	require.NoError(t, w.Append(OpVectorAdd, model.InternalID(1)))
	require.NoError(t, w.Clear())

	has, err := w.HasEntries()
	require.NoError(t, err)
	require.False(t, has)
}

func TestWAL_DisabledIsNoop(t *testing.T) {
	w := openTestWAL(t, DefaultOptions())
	w.SetEnabled(false)
	require.NoError(t, w.Append(OpVectorAdd, model.InternalID(1)))

	has, err := w.HasEntries()
	require.NoError(t, err)
	require.False(t, has)
}

func TestWAL_ReopenPreservesIDWidth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.wal")
	w, err := Open(path, Options{Durability: DurabilityAsync, IDWidth: model.IDWidth64})
	require.NoError(t, err)
	require.NoError(t, w.Append(OpVectorAdd, model.InternalID(1<<40)))
	require.NoError(t, w.Close())

	w2, err := Open(path, Options{Durability: DurabilityAsync})
	require.NoError(t, err)
	defer w2.Close()

	var got []Record
	require.NoError(t, w2.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Equal(t, []Record{{Op: OpVectorAdd, ID: model.InternalID(1 << 40)}}, got)
}

func TestWAL_CorruptTailDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.wal")
	w, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(OpVectorAdd, model.InternalID(1)))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	require.NoError(t, f.Truncate(info.Size()-1))
	require.NoError(t, f.Close())

	w2, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()

	err = w2.Replay(func(Record) error { return nil })
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestWAL_AppendSurfacesInjectedSyncFault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faulty.wal")
	faulty := fs.NewFaultyFS(fs.Default)
	faulty.AddRule("faulty.wal", fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	w, err := Open(path, Options{Durability: DurabilitySync, FS: faulty})
	require.NoError(t, err)
	defer w.Close()

	err = w.Append(OpVectorAdd, model.InternalID(1))
	require.Error(t, err)
}

func TestWAL_AppendSurfacesInjectedWriteFault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faulty2.wal")
	faulty := fs.NewFaultyFS(fs.Default)
	faulty.AddRule("faulty2.wal", fs.Fault{FailAfterBytes: walHeaderSize})

	w, err := Open(path, Options{Durability: DurabilityAsync, FS: faulty})
	require.NoError(t, err)
	defer w.Close()

	err = w.Append(OpVectorAdd, model.InternalID(1))
	require.Error(t, err)
}
