package backup

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxdb/velox/pkg/store"
	"github.com/veloxdb/velox/pkg/vector"
)

func newRecord(id int, dim int) vector.Record {
	vec := make(vector.Vector, dim)
	for i := range vec {
		vec[i] = float32(id*dim + i)
	}
	return vector.Record{
		ID:       vector.VectorID(id),
		Vector:   vec,
		Metadata: map[string]string{"label": "record"},
	}
}

func TestBackupAndRestoreRoundTripsRecords(t *testing.T) {
	src, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	defer src.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, src.Put(vector.VectorID(i), newRecord(i, 4)))
	}
	require.NoError(t, src.BindKey("alpha", vector.VectorID(2)))
	require.NoError(t, src.SaveGraph([]byte("fake-graph-bytes")))

	mgr, err := NewManager(filepath.Join(t.TempDir(), "backups"))
	require.NoError(t, err)
	defer mgr.Close()

	meta, archivePath, err := mgr.Backup(src)
	require.NoError(t, err)
	assert.NotEmpty(t, archivePath)
	assert.Greater(t, meta.Size, int64(0))

	dst, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	defer dst.Close()

	restoreMgr, err := NewManager(filepath.Join(t.TempDir(), "restore"))
	require.NoError(t, err)
	defer restoreMgr.Close()

	require.NoError(t, restoreMgr.Restore(archivePath, dst))

	for i := 0; i < 5; i++ {
		rec, err := dst.Get(vector.VectorID(i))
		require.NoError(t, err)
		assert.Equal(t, "record", rec.Metadata["label"])
		assert.Len(t, rec.Vector, 4)
	}
	graphBytes, err := dst.LoadGraph()
	require.NoError(t, err)
	assert.Equal(t, []byte("fake-graph-bytes"), graphBytes)

	resolved, err := dst.ResolveKey("alpha")
	require.NoError(t, err)
	assert.Equal(t, vector.VectorID(2), resolved)
}

func TestManagerLogPutAndDeleteAppendWALEntries(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer mgr.Close()

	lsn1, err := mgr.LogPut(vector.VectorID(1), newRecord(1, 3))
	require.NoError(t, err)
	lsn2, err := mgr.LogDelete(vector.VectorID(1))
	require.NoError(t, err)

	assert.Greater(t, lsn2, lsn1)
}

func TestEncodeDecodeRecordRoundTrips(t *testing.T) {
	rec := newRecord(7, 6)
	raw := encodeRecord(rec)
	decoded, err := decodeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, decoded.ID)
	assert.Equal(t, rec.Vector, decoded.Vector)
	assert.Equal(t, rec.Metadata, decoded.Metadata)
}

func TestWALAppendAndReadEntriesRoundTrips(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	wal, err := NewWAL(dir, SyncEveryWrite)
	require.NoError(t, err)
	defer wal.Close()

	rec := newRecord(9, 3)
	putLSN, err := wal.Append(OpPut, vector.VectorID(9), rec)
	require.NoError(t, err)
	delLSN, err := wal.Append(OpDelete, vector.VectorID(9), vector.Record{})
	require.NoError(t, err)

	entries, err := ReadEntries(dir, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, putLSN, entries[0].LSN)
	assert.Equal(t, OpPut, entries[0].Op)
	assert.Equal(t, rec.Vector, entries[0].Record.Vector)
	assert.Equal(t, delLSN, entries[1].LSN)
	assert.Equal(t, OpDelete, entries[1].Op)
}
