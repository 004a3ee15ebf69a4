package transport

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zhengshuxin/eventql/pkg/metaclient"
	"github.com/zhengshuxin/eventql/pkg/metadatafile"
	"github.com/zhengshuxin/eventql/pkg/metadatastore"
)

func testLocalPeer(t *testing.T) *metaclient.LocalPeer {
	t.Helper()
	store, err := metadatastore.Open(filepath.Join(t.TempDir(), "meta.db"), 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return metaclient.NewLocalPeer(store)
}

func TestHTTPPeer_PutFetchCompareAndSwapRoundTrip(t *testing.T) {
	local := testLocalPeer(t)
	srv := NewServer(nil, zerolog.Nop()).WithMetadataPeer(local)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	peer := NewHTTPPeer(ts.Listener.Addr().String())
	ctx := context.Background()

	f := &metadatafile.File{TxnID: [20]byte{1}, Seq: 1}
	require.NoError(t, peer.PutFile(ctx, "ns1", "t1", f))

	got, err := peer.FetchLatest(ctx, "ns1", "t1")
	require.NoError(t, err)
	require.Equal(t, f.TxnID, got.TxnID)
	require.Equal(t, f.Seq, got.Seq)

	next := &metadatafile.File{TxnID: [20]byte{2}, Seq: 2}
	require.NoError(t, peer.CompareAndSwap(ctx, "ns1", "t1", f.TxnID, f.Seq, next))

	got, err = peer.FetchLatest(ctx, "ns1", "t1")
	require.NoError(t, err)
	require.Equal(t, next.Seq, got.Seq)
}

func TestHTTPPeer_FetchLatestNotFound(t *testing.T) {
	local := testLocalPeer(t)
	srv := NewServer(nil, zerolog.Nop()).WithMetadataPeer(local)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	peer := NewHTTPPeer(ts.Listener.Addr().String())
	_, err := peer.FetchLatest(context.Background(), "ns1", "missing")
	require.Error(t, err)
}

func TestHTTPPeer_CompareAndSwapConflict(t *testing.T) {
	local := testLocalPeer(t)
	srv := NewServer(nil, zerolog.Nop()).WithMetadataPeer(local)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	peer := NewHTTPPeer(ts.Listener.Addr().String())
	stale := &metadatafile.File{TxnID: [20]byte{9}, Seq: 9}
	err := peer.CompareAndSwap(context.Background(), "ns1", "t1", [20]byte{9}, 9, stale)
	require.Error(t, err)
}
