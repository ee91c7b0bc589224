package series

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "series.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAndQueryAllOrdering(t *testing.T) {
	s := newTestStore(t)
	msgs := []Timestamp{{Seconds: 3}, {Seconds: 1}, {Seconds: 2, Nanos: 500}}
	for i, ts := range msgs {
		require.NoError(t, s.Store("flow-a", ts, json.RawMessage(`{"i":`+strconv.Itoa(i)+`}`)))
	}

	records, err := s.QueryAll("flow-a")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(1), records[0].Timestamp.Seconds)
	assert.Equal(t, uint64(2), records[1].Timestamp.Seconds)
	assert.Equal(t, uint64(3), records[2].Timestamp.Seconds)
}

func TestDrainOlderThanRemovesAtomically(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store("flow-b", Timestamp{Seconds: 1}, json.RawMessage(`{}`)))
	require.NoError(t, s.Store("flow-b", Timestamp{Seconds: 2}, json.RawMessage(`{}`)))
	require.NoError(t, s.Store("flow-b", Timestamp{Seconds: 5}, json.RawMessage(`{}`)))

	drained, err := s.DrainOlderThan("flow-b", Timestamp{Seconds: 2})
	require.NoError(t, err)
	require.Len(t, drained, 2)

	remaining, err := s.QueryAll("flow-b")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, uint64(5), remaining[0].Timestamp.Seconds)

	// invariant 4 (spec.md §8): drain followed by query_all returns
	// only records with timestamp > cutoff.
	for _, r := range remaining {
		assert.False(t, r.Timestamp.LessOrEqual(Timestamp{Seconds: 2}))
	}
}

func TestStoreManyAtomic(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.StoreMany("flow-c", []Record{
		{Timestamp: Timestamp{Seconds: 1}, Message: json.RawMessage(`{"a":1}`)},
		{Timestamp: Timestamp{Seconds: 1}, Message: json.RawMessage(`{"a":2}`)},
	}))
	records, err := s.QueryAll("flow-c")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSeriesIndependence(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store("a", Timestamp{Seconds: 100}, json.RawMessage(`{}`)))
	require.NoError(t, s.Store("b", Timestamp{Seconds: 1}, json.RawMessage(`{}`)))

	a, err := s.QueryAll("a")
	require.NoError(t, err)
	b, err := s.QueryAll("b")
	require.NoError(t, err)
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
}
