package metaclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/keyspace"
	"github.com/zhengshuxin/eventql/pkg/metadatafile"
)

// fakePeer is an in-memory metadata server used to exercise Client without
// any transport: one *File per (ns, table), with no locking of its own.
type fakePeer struct {
	id    string
	files map[string]*metadatafile.File
	down  bool
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, files: make(map[string]*metadatafile.File)}
}

func fkey(ns, table string) string { return ns + "/" + table }

func (p *fakePeer) PutFile(_ context.Context, ns, table string, file *metadatafile.File) error {
	if p.down {
		return errs.New(errs.Io, "fakePeer: down")
	}
	cp := *file
	p.files[fkey(ns, table)] = &cp
	return nil
}

func (p *fakePeer) DeleteFile(_ context.Context, ns, table string, txnID [20]byte) error {
	if f, ok := p.files[fkey(ns, table)]; ok && f.TxnID == txnID {
		delete(p.files, fkey(ns, table))
	}
	return nil
}

func (p *fakePeer) FetchLatest(_ context.Context, ns, table string) (*metadatafile.File, error) {
	if p.down {
		return nil, errs.New(errs.Io, "fakePeer: down")
	}
	f, ok := p.files[fkey(ns, table)]
	if !ok {
		return nil, errs.New(errs.NotFound, "fakePeer: no file")
	}
	return f, nil
}

func (p *fakePeer) CompareAndSwap(_ context.Context, ns, table string, prevTxnID [20]byte, prevSeq uint64, newFile *metadatafile.File) error {
	if p.down {
		return errs.New(errs.Io, "fakePeer: down")
	}
	cur, ok := p.files[fkey(ns, table)]
	if !ok || cur.TxnID != prevTxnID || cur.Seq != prevSeq {
		return errs.New(errs.BadVersion, "fakePeer: version mismatch")
	}
	cp := *newFile
	p.files[fkey(ns, table)] = &cp
	return nil
}

func sampleFile(txid byte, seq uint64) *metadatafile.File {
	return &metadatafile.File{
		TxnID:        [20]byte{txid},
		Seq:          seq,
		KeyspaceType: keyspace.UINT64,
		PartitionMap: []metadatafile.Entry{
			{Begin: nil, PartitionID: [20]byte{1}, Servers: []string{"a", "b"}},
		},
	}
}

func newTestClient(peers map[string]*fakePeer) *Client {
	return New(func(id string) (Peer, error) {
		p, ok := peers[id]
		if !ok {
			return nil, errs.New(errs.NotFound, "no such peer: "+id)
		}
		return p, nil
	})
}

func TestCreateFile_AllServersSucceed(t *testing.T) {
	peers := map[string]*fakePeer{"s1": newFakePeer("s1"), "s2": newFakePeer("s2"), "s3": newFakePeer("s3")}
	c := newTestClient(peers)
	f := sampleFile(1, 1)
	err := c.CreateFile(context.Background(), "ns", "tbl", f, []string{"s1", "s2", "s3"})
	require.NoError(t, err)
	for id, p := range peers {
		_, ok := p.files[fkey("ns", "tbl")]
		require.True(t, ok, "server %s should hold the file", id)
	}
}

func TestCreateFile_RollsBackOnPartialFailure(t *testing.T) {
	s1, s2, s3 := newFakePeer("s1"), newFakePeer("s2"), newFakePeer("s3")
	s3.down = true
	c := newTestClient(map[string]*fakePeer{"s1": s1, "s2": s2, "s3": s3})

	f := sampleFile(1, 1)
	err := c.CreateFile(context.Background(), "ns", "tbl", f, []string{"s1", "s2", "s3"})
	require.Error(t, err)
	require.Empty(t, s1.files, "successful peer should have been rolled back")
	require.Empty(t, s2.files, "successful peer should have been rolled back")
}

func TestFetchLatest_ReturnsHighestSeqAcrossPeers(t *testing.T) {
	s1, s2 := newFakePeer("s1"), newFakePeer("s2")
	s1.files[fkey("ns", "tbl")] = sampleFile(1, 3)
	s2.files[fkey("ns", "tbl")] = sampleFile(2, 7)
	c := newTestClient(map[string]*fakePeer{"s1": s1, "s2": s2})

	f, err := c.FetchLatest(context.Background(), "ns", "tbl", []string{"s1", "s2"})
	require.NoError(t, err)
	require.Equal(t, uint64(7), f.Seq)
}

func TestFetchLatest_NotFoundWhenNoPeerHasFile(t *testing.T) {
	s1 := newFakePeer("s1")
	c := newTestClient(map[string]*fakePeer{"s1": s1})

	_, err := c.FetchLatest(context.Background(), "ns", "tbl", []string{"s1"})
	require.True(t, errs.IsNotFound(err))
}

func TestAdvance_SucceedsOnMajority(t *testing.T) {
	s1, s2, s3 := newFakePeer("s1"), newFakePeer("s2"), newFakePeer("s3")
	old := sampleFile(1, 1)
	s1.files[fkey("ns", "tbl")] = old
	s2.files[fkey("ns", "tbl")] = old
	s3.down = true
	c := newTestClient(map[string]*fakePeer{"s1": s1, "s2": s2, "s3": s3})

	next := sampleFile(2, 2)
	err := c.Advance(context.Background(), "ns", "tbl", old.TxnID, old.Seq, next, []string{"s1", "s2", "s3"})
	require.NoError(t, err, "2 of 3 confirmations is a majority")
	require.Equal(t, uint64(2), s1.files[fkey("ns", "tbl")].Seq)
}

func TestAdvance_FailsBadVersionWhenMinorityConfirms(t *testing.T) {
	s1, s2, s3 := newFakePeer("s1"), newFakePeer("s2"), newFakePeer("s3")
	old := sampleFile(1, 1)
	s1.files[fkey("ns", "tbl")] = old
	// s2 and s3 are already at a different version, so CAS fails on them.
	s2.files[fkey("ns", "tbl")] = sampleFile(9, 9)
	s3.files[fkey("ns", "tbl")] = sampleFile(9, 9)
	c := newTestClient(map[string]*fakePeer{"s1": s1, "s2": s2, "s3": s3})

	next := sampleFile(2, 2)
	err := c.Advance(context.Background(), "ns", "tbl", old.TxnID, old.Seq, next, []string{"s1", "s2", "s3"})
	require.True(t, errs.IsBadVersion(err))
}

func TestFindPartition_UsesCacheAfterCreate(t *testing.T) {
	s1 := newFakePeer("s1")
	c := newTestClient(map[string]*fakePeer{"s1": s1})
	f := sampleFile(1, 1)
	require.NoError(t, c.CreateFile(context.Background(), "ns", "tbl", f, []string{"s1"}))

	pid, servers, err := c.FindPartition(context.Background(), "ns", "tbl", []byte("anykey"), []string{"s1"})
	require.NoError(t, err)
	require.Equal(t, [20]byte{1}, pid)
	require.Equal(t, []string{"a", "b"}, servers)
}

func TestFindPartition_FallsBackToFetchOnCacheMiss(t *testing.T) {
	s1 := newFakePeer("s1")
	s1.files[fkey("ns", "tbl")] = sampleFile(5, 5)
	c := newTestClient(map[string]*fakePeer{"s1": s1})

	pid, servers, err := c.FindPartition(context.Background(), "ns", "tbl", []byte("anykey"), []string{"s1"})
	require.NoError(t, err)
	require.Equal(t, [20]byte{1}, pid)
	require.Equal(t, []string{"a", "b"}, servers)
}

func TestInvalidateCache_ForcesRefetch(t *testing.T) {
	s1 := newFakePeer("s1")
	c := newTestClient(map[string]*fakePeer{"s1": s1})
	require.NoError(t, c.CreateFile(context.Background(), "ns", "tbl", sampleFile(1, 1), []string{"s1"}))

	c.InvalidateCache("ns", "tbl")
	s1.files[fkey("ns", "tbl")] = sampleFile(2, 2)

	_, _, err := c.FindPartition(context.Background(), "ns", "tbl", []byte("k"), []string{"s1"})
	require.NoError(t, err)

	c.mu.Lock()
	cached := c.cache[tableKey{"ns", "tbl"}]
	c.mu.Unlock()
	require.Equal(t, uint64(2), cached.Seq)
}
