package metaclient

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhengshuxin/eventql/pkg/metadatafile"
	"github.com/zhengshuxin/eventql/pkg/metadatastore"
)

func openTestStore(t *testing.T) *metadatastore.Store {
	t.Helper()
	store, err := metadatastore.Open(filepath.Join(t.TempDir(), "meta.db"), 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLocalPeer_PutThenFetchLatest(t *testing.T) {
	p := NewLocalPeer(openTestStore(t))
	f := &metadatafile.File{TxnID: [20]byte{1}, Seq: 1}
	require.NoError(t, p.PutFile(context.Background(), "ns", "t", f))

	got, err := p.FetchLatest(context.Background(), "ns", "t")
	require.NoError(t, err)
	require.Equal(t, f.Seq, got.Seq)
}

func TestLocalPeer_FetchLatestNotFound(t *testing.T) {
	p := NewLocalPeer(openTestStore(t))
	_, err := p.FetchLatest(context.Background(), "ns", "t")
	require.Error(t, err)
}

func TestLocalPeer_CompareAndSwap(t *testing.T) {
	p := NewLocalPeer(openTestStore(t))
	old := &metadatafile.File{TxnID: [20]byte{1}, Seq: 1}
	require.NoError(t, p.PutFile(context.Background(), "ns", "t", old))

	next := &metadatafile.File{TxnID: [20]byte{2}, Seq: 2}
	require.NoError(t, p.CompareAndSwap(context.Background(), "ns", "t", old.TxnID, old.Seq, next))

	got, err := p.FetchLatest(context.Background(), "ns", "t")
	require.NoError(t, err)
	require.Equal(t, next.Seq, got.Seq)
}

func TestLocalPeer_CompareAndSwapStaleVersionFails(t *testing.T) {
	p := NewLocalPeer(openTestStore(t))
	old := &metadatafile.File{TxnID: [20]byte{1}, Seq: 1}
	require.NoError(t, p.PutFile(context.Background(), "ns", "t", old))

	stale := &metadatafile.File{TxnID: [20]byte{9}, Seq: 9}
	err := p.CompareAndSwap(context.Background(), "ns", "t", [20]byte{9}, 9, stale)
	require.Error(t, err)
}

func TestLocalPeer_DeleteFileClearsMatchingLatest(t *testing.T) {
	p := NewLocalPeer(openTestStore(t))
	f := &metadatafile.File{TxnID: [20]byte{1}, Seq: 1}
	require.NoError(t, p.PutFile(context.Background(), "ns", "t", f))
	require.NoError(t, p.DeleteFile(context.Background(), "ns", "t", f.TxnID))

	_, err := p.FetchLatest(context.Background(), "ns", "t")
	require.Error(t, err)
}
