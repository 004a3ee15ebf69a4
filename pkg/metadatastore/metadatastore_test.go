package metadatastore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhengshuxin/eventql/pkg/keyspace"
	"github.com/zhengshuxin/eventql/pkg/metadatafile"
)

func fileWithTxID(b byte) *metadatafile.File {
	return &metadatafile.File{
		TxnID:        [20]byte{b},
		Seq:          1,
		KeyspaceType: keyspace.UINT64,
		PartitionMap: []metadatafile.Entry{
			{Begin: nil, PartitionID: [20]byte{b}, Servers: []string{"s1"}},
		},
	}
}

func openStore(t *testing.T, maxBytes int64, maxEntries int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.db")
	s, err := Open(path, maxBytes, maxEntries)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndGet_RoundTrip(t *testing.T) {
	s := openStore(t, 0, 0)
	f := fileWithTxID(1)
	require.NoError(t, s.Store("ns1", "events", f))

	require.True(t, s.Has("ns1", "events", f.TxnID))

	got, err := s.Get("ns1", "events", f.TxnID)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestGet_MissesAreNotFound(t *testing.T) {
	s := openStore(t, 0, 0)
	_, err := s.Get("ns1", "events", [20]byte{0xFF})
	require.Error(t, err)
}

func TestGet_ReadsThroughFromDiskAfterEviction(t *testing.T) {
	// maxEntries=1 forces every Store to evict the previous in-memory entry,
	// but the value must still be retrievable from disk.
	s := openStore(t, 0, 1)
	f1 := fileWithTxID(1)
	f2 := fileWithTxID(2)
	require.NoError(t, s.Store("ns1", "events", f1))
	require.NoError(t, s.Store("ns1", "events", f2))

	got, err := s.Get("ns1", "events", f1.TxnID)
	require.NoError(t, err)
	require.Equal(t, f1, got)
}

func TestInsertIntoCache_EvictsLeastRecentlyUsed(t *testing.T) {
	s := openStore(t, 0, 2)
	f1 := fileWithTxID(1)
	f2 := fileWithTxID(2)
	f3 := fileWithTxID(3)

	require.NoError(t, s.Store("ns1", "events", f1))
	require.NoError(t, s.Store("ns1", "events", f2))
	// touch f1 so f2 becomes the least recently used entry.
	_, err := s.Get("ns1", "events", f1.TxnID)
	require.NoError(t, err)
	require.NoError(t, s.Store("ns1", "events", f3))

	s.cacheMu.Lock()
	_, f2Cached := s.index[cacheKey{"ns1", "events", "0200000000000000000000000000000000000000"}.String()]
	s.cacheMu.Unlock()
	require.False(t, f2Cached)

	// still fetchable from disk even though evicted from the in-memory index.
	got, err := s.Get("ns1", "events", f2.TxnID)
	require.NoError(t, err)
	require.Equal(t, f2, got)
}

func TestCacheSize_TracksStoredBytes(t *testing.T) {
	s := openStore(t, 0, 0)
	require.Equal(t, int64(0), s.CacheSize())
	require.NoError(t, s.Store("ns1", "events", fileWithTxID(1)))
	require.Greater(t, s.CacheSize(), int64(0))
}
