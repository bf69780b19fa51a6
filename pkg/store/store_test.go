package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxdb/velox/pkg/vector"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAssignIDIsDenseAndSequential(t *testing.T) {
	s := openTestStore(t)
	a, err := s.AssignID()
	require.NoError(t, err)
	b, err := s.AssignID()
	require.NoError(t, err)
	assert.Equal(t, vector.VectorID(0), a)
	assert.Equal(t, vector.VectorID(1), b)
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	s := openTestStore(t)
	id, err := s.AssignID()
	require.NoError(t, err)

	rec := vector.Record{ID: id, Vector: vector.Vector{1, 2, 3}, Metadata: map[string]string{"k": "v"}}
	require.NoError(t, s.Put(id, rec))

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, rec.Vector, got.Vector)
	assert.Equal(t, rec.Metadata, got.Metadata)
	assert.Equal(t, id, got.ID)

	require.NoError(t, s.Delete(id))
	_, err = s.Get(id)
	assert.ErrorIs(t, err, vector.ErrNotFound)
}

func TestDeleteUnknownIDFails(t *testing.T) {
	s := openTestStore(t)
	err := s.Delete(7)
	assert.ErrorIs(t, err, vector.ErrNotFound)
}

func TestIterYieldsInAscendingOrder(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		id, err := s.AssignID()
		require.NoError(t, err)
		require.NoError(t, s.Put(id, vector.Record{ID: id, Vector: vector.Vector{float32(i)}}))
	}

	ch, err := s.Iter()
	require.NoError(t, err)
	var ids []vector.VectorID
	for rec := range ch {
		ids = append(ids, rec.ID)
	}
	require.Len(t, ids, 5)
	for i, id := range ids {
		assert.Equal(t, vector.VectorID(i), id)
	}
}

func TestBindResolveUnbindKey(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ResolveKey("doc-1")
	assert.ErrorIs(t, err, vector.ErrNotFound)

	require.NoError(t, s.BindKey("doc-1", 42))
	id, err := s.ResolveKey("doc-1")
	require.NoError(t, err)
	assert.Equal(t, vector.VectorID(42), id)

	require.NoError(t, s.BindKey("doc-1", 7))
	id, err = s.ResolveKey("doc-1")
	require.NoError(t, err)
	assert.Equal(t, vector.VectorID(7), id)

	require.NoError(t, s.UnbindKey("doc-1"))
	_, err = s.ResolveKey("doc-1")
	assert.ErrorIs(t, err, vector.ErrNotFound)
}

func TestIterKeysYieldsAllBindings(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.BindKey("doc-1", 1))
	require.NoError(t, s.BindKey("doc-2", 2))

	ch, err := s.IterKeys()
	require.NoError(t, err)

	seen := map[string]vector.VectorID{}
	for kb := range ch {
		seen[kb.Key] = kb.ID
	}
	assert.Equal(t, map[string]vector.VectorID{"doc-1": 1, "doc-2": 2}, seen)
}

func TestSaveLoadGraphBytes(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadGraph()
	assert.ErrorIs(t, err, vector.ErrNotFound)

	payload := []byte{1, 2, 3, 4, 5}
	require.NoError(t, s.SaveGraph(payload))

	got, err := s.LoadGraph()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
