package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]KV {
	t.Helper()

	dir := t.TempDir()
	file, err := NewFile(filepath.Join(dir, "files"))
	require.NoError(t, err)

	db, err := OpenSQLite(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]KV{
		"memory":       NewMemory(),
		"file":         file,
		"sqlite":       db,
		"instrumented": Instrument(NewMemory(), "memory"),
	}
}

func TestKVMissingKey(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get(context.Background(), "incidents")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestKVReplacesWholeValue(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.Set(ctx, "incidents", []byte(`[{"record_id":"a"}]`)))
			require.NoError(t, kv.Set(ctx, "incidents", []byte(`[]`)))

			got, err := kv.Get(ctx, "incidents")
			require.NoError(t, err)
			assert.Equal(t, `[]`, string(got))
		})
	}
}

func TestKVKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.Set(ctx, "incidents", []byte(`1`)))
			require.NoError(t, kv.Set(ctx, "distributions", []byte(`2`)))

			got, err := kv.Get(ctx, "incidents")
			require.NoError(t, err)
			assert.Equal(t, `1`, string(got))
		})
	}
}

func TestFileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	first, err := NewFile(root)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "distributions", []byte(`[]`)))

	second, err := NewFile(root)
	require.NoError(t, err)
	got, err := second.Get(ctx, "distributions")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileRejectsPathTraversal(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)

	err = f.Set(context.Background(), "../escape", []byte(`x`))
	assert.Error(t, err)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, db.Set(ctx, "incidents", []byte(`[{"record_id":"x"}]`)))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get(ctx, "incidents")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"record_id":"x"}]`, string(got))
}

func TestMemoryFailWritesKeepsPreviousValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "incidents", []byte(`old`)))

	m.FailWrites(true)
	assert.ErrorIs(t, m.Set(ctx, "incidents", []byte(`new`)), ErrWriteRejected)

	got, err := m.Get(ctx, "incidents")
	require.NoError(t, err)
	assert.Equal(t, `old`, string(got))
	assert.Equal(t, 1, m.Writes())
}
