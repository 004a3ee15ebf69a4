package ingest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/keyspace"
	"github.com/zhengshuxin/eventql/pkg/metaclient"
	"github.com/zhengshuxin/eventql/pkg/metadatafile"
	"github.com/zhengshuxin/eventql/pkg/types"
)

// fakeMetaPeer is a trivial in-memory metadata server, just enough to back
// a metaclient.Client for routing tests.
type fakeMetaPeer struct {
	file *metadatafile.File
}

func (p *fakeMetaPeer) PutFile(_ context.Context, _, _ string, file *metadatafile.File) error {
	p.file = file
	return nil
}
func (p *fakeMetaPeer) DeleteFile(_ context.Context, _, _ string, _ [20]byte) error {
	p.file = nil
	return nil
}
func (p *fakeMetaPeer) FetchLatest(_ context.Context, _, _ string) (*metadatafile.File, error) {
	if p.file == nil {
		return nil, errs.New(errs.NotFound, "no file")
	}
	return p.file, nil
}
func (p *fakeMetaPeer) CompareAndSwap(_ context.Context, _, _ string, _ [20]byte, _ uint64, newFile *metadatafile.File) error {
	p.file = newFile
	return nil
}

// fakeTarget records every Insert call it receives.
type fakeTarget struct {
	id   string
	fail bool

	mu      sync.Mutex
	inserts []ShreddedRecord
}

func (t *fakeTarget) Insert(_ context.Context, _, _ string, _ [20]byte, records []ShreddedRecord) error {
	if t.fail {
		return errs.New(errs.Io, "fakeTarget: down")
	}
	t.mu.Lock()
	t.inserts = append(t.inserts, records...)
	t.mu.Unlock()
	return nil
}

func twoPartitionTable() *types.TableDefinition {
	return &types.TableDefinition{
		Namespace:       "ns1",
		Name:            "t1",
		Partitioner:     types.PartitionerTimeWindow,
		KeyspaceType:    types.KeyspaceUint64,
		PrimaryKey:      []string{"ts", "id"},
		PartitionKey:    "ts",
		MetadataServers: []string{"m1"},
	}
}

func buildRouter(t *testing.T, tbl *types.TableDefinition, targets map[string]*fakeTarget) (*Router, *metaclient.Client) {
	t.Helper()
	peer := &fakeMetaPeer{}
	meta := metaclient.New(func(id string) (metaclient.Peer, error) { return peer, nil })

	lowSplit := keyspace.EncodeUint64(1700000000000000 / keyspace.DefaultWindow * keyspace.DefaultWindow)
	file := &metadatafile.File{
		TxnID:        [20]byte{9},
		Seq:          1,
		KeyspaceType: keyspace.UINT64,
		PartitionMap: []metadatafile.Entry{
			{Begin: nil, PartitionID: [20]byte{0xA}, Servers: []string{"s1"}},
			{Begin: lowSplit, PartitionID: [20]byte{0xB}, Servers: []string{"s1", "s2"}},
		},
	}
	require.NoError(t, meta.CreateFile(context.Background(), tbl.Namespace, tbl.Name, file, tbl.MetadataServers))

	resolver := func(id string) (Target, error) {
		target, ok := targets[id]
		if !ok {
			return nil, errs.New(errs.NotFound, "no such target: "+id)
		}
		return target, nil
	}
	return New(meta, resolver), meta
}

func TestRoute_SingleRecordReachesResolvedPartition(t *testing.T) {
	tbl := twoPartitionTable()
	s1 := &fakeTarget{id: "s1"}
	router, _ := buildRouter(t, tbl, map[string]*fakeTarget{"s1": s1})

	records := []Record{{"ts": uint64(1700000000000000), "id": "a"}}
	err := router.Route(context.Background(), "ns1", tbl, records, 1)
	require.NoError(t, err)
	require.Len(t, s1.inserts, 1)
}

func TestRoute_MissingPartitionKeyFails(t *testing.T) {
	tbl := twoPartitionTable()
	s1 := &fakeTarget{id: "s1"}
	router, _ := buildRouter(t, tbl, map[string]*fakeTarget{"s1": s1})

	records := []Record{{"id": "a"}}
	err := router.Route(context.Background(), "ns1", tbl, records, 1)
	require.True(t, errs.IsNotFound(err))
}

func TestRoute_GroupsRecordsByPartition(t *testing.T) {
	tbl := twoPartitionTable()
	s1, s2 := &fakeTarget{id: "s1"}, &fakeTarget{id: "s2"}
	router, _ := buildRouter(t, tbl, map[string]*fakeTarget{"s1": s1, "s2": s2})

	records := []Record{
		{"ts": uint64(0), "id": "a"},                   // routes to the bottom entry, server s1 only
		{"ts": uint64(1700000000000000), "id": "b"},    // routes to the split entry, servers s1+s2
	}
	require.NoError(t, router.Route(context.Background(), "ns1", tbl, records, 1))
	require.Len(t, s1.inserts, 2, "s1 is a replica of both partitions")
	require.Len(t, s2.inserts, 1, "s2 is a replica of only the second partition")
}

func TestRoute_SucceedsWithMinConfirmationEvenIfOneReplicaDown(t *testing.T) {
	tbl := twoPartitionTable()
	s1 := &fakeTarget{id: "s1"}
	s2 := &fakeTarget{id: "s2", fail: true}
	router, _ := buildRouter(t, tbl, map[string]*fakeTarget{"s1": s1, "s2": s2})

	records := []Record{{"ts": uint64(1700000000000000), "id": "b"}}
	err := router.Route(context.Background(), "ns1", tbl, records, 1)
	require.NoError(t, err, "one confirmation meets the minimum")
}

func TestRoute_FailsWhenConfirmationsBelowMinimum(t *testing.T) {
	tbl := twoPartitionTable()
	s1 := &fakeTarget{id: "s1", fail: true}
	s2 := &fakeTarget{id: "s2", fail: true}
	router, _ := buildRouter(t, tbl, map[string]*fakeTarget{"s1": s1, "s2": s2})

	records := []Record{{"ts": uint64(1700000000000000), "id": "b"}}
	err := router.Route(context.Background(), "ns1", tbl, records, 1)
	require.Error(t, err)
}

func TestPrimaryKeyHash_StableAcrossCalls(t *testing.T) {
	rec := Record{"ts": uint64(1), "id": "a"}
	h1, err := primaryKeyHash([]string{"ts", "id"}, rec)
	require.NoError(t, err)
	h2, err := primaryKeyHash([]string{"ts", "id"}, rec)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestPrimaryKeyHash_DiffersFromSingleColumnHash(t *testing.T) {
	rec := Record{"ts": uint64(1), "id": "a"}
	multi, err := primaryKeyHash([]string{"ts", "id"}, rec)
	require.NoError(t, err)
	single, err := primaryKeyHash([]string{"ts"}, rec)
	require.NoError(t, err)
	require.NotEqual(t, multi, single)
}
