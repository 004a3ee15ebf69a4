package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zhengshuxin/eventql/pkg/cstable"
	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/keyspace"
	"github.com/zhengshuxin/eventql/pkg/lsm"
	"github.com/zhengshuxin/eventql/pkg/metadatafile"
	"github.com/zhengshuxin/eventql/pkg/types"
)

func testSchema() cstable.Schema {
	return cstable.NewSchema([]*types.Column{
		{Name: "ts", LogicalType: types.LogicalUint64, StorageType: types.StorageUint64},
		{Name: "id", LogicalType: types.LogicalString, StorageType: types.StorageString},
	})
}

func testTableDef() *types.TableDefinition {
	return &types.TableDefinition{
		Namespace:       "ns1",
		Name:            "t1",
		Partitioner:     types.PartitionerUint64,
		KeyspaceType:    types.KeyspaceUint64,
		PrimaryKey:      []string{"ts", "id"},
		PartitionKey:    "ts",
		MetadataServers: []string{"m1"},
	}
}

func openTestWriter(t *testing.T, name string) *lsm.Writer {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	w, err := lsm.Open(dir, testSchema(), lsm.Thresholds{MaxRows: 1000, MaxBytes: 1 << 20})
	require.NoError(t, err)
	return w
}

func TestReconciler_SweepCompactsOverFragmentedPartition(t *testing.T) {
	w := openTestWriter(t, "p1")
	// Force CompactionThreshold sealed segments by committing one row at a time.
	for i := 0; i < CompactionThreshold; i++ {
		_, err := w.Write(context.Background(), []lsm.Record{
			{ID: [20]byte{byte(i)}, Values: map[string]interface{}{"ts": uint64(i), "id": "x"}},
		})
		require.NoError(t, err)
		require.NoError(t, w.Commit())
	}
	require.GreaterOrEqual(t, w.SealedSegmentCount(), CompactionThreshold)

	r := New(10*time.Millisecond, zerolog.Nop(), nil)
	r.Track(&Tracked{Namespace: "ns1", Table: "t1", PartitionID: [20]byte{1}, Writer: w})
	r.sweep()

	require.Less(t, w.SealedSegmentCount(), CompactionThreshold, "sweep should have compacted down to one segment")
}

func TestSplitCoordinator_CopyPendingRoutesBySplitPoint(t *testing.T) {
	source := openTestWriter(t, "source")
	low := openTestWriter(t, "low")
	high := openTestWriter(t, "high")

	_, err := source.Write(context.Background(), []lsm.Record{
		{ID: [20]byte{1}, Values: map[string]interface{}{"ts": uint64(100), "id": "a"}},
		{ID: [20]byte{2}, Values: map[string]interface{}{"ts": uint64(500), "id": "b"}},
	})
	require.NoError(t, err)
	require.NoError(t, source.Commit())

	task := &SplitTask{
		Namespace:    "ns1",
		Table:        "t1",
		TableDef:     testTableDef(),
		SplitPoint:   keyspace.EncodeUint64(300),
		KeyspaceType: keyspace.UINT64,
		Source:       source,
		LowWriter:    low,
		HighWriter:   high,
	}

	sc := NewSplitCoordinator(nil, "self", nil)
	require.NoError(t, sc.CopyPending(context.Background(), task))

	var lowIDs, highIDs [][20]byte
	require.NoError(t, low.Iterate(func(r lsm.Record) error { lowIDs = append(lowIDs, r.ID); return nil }))
	require.NoError(t, high.Iterate(func(r lsm.Record) error { highIDs = append(highIDs, r.ID); return nil }))

	require.Equal(t, [][20]byte{{1}}, lowIDs)
	require.Equal(t, [][20]byte{{2}}, highIDs)
	require.Equal(t, lsm.StateSplitting, source.State())
}

func TestSplitCoordinator_ReadyToFinalizeRequiresBothCaughtUp(t *testing.T) {
	source := openTestWriter(t, "source")
	low := openTestWriter(t, "low")
	high := openTestWriter(t, "high")

	_, err := source.Write(context.Background(), []lsm.Record{
		{ID: [20]byte{1}, Values: map[string]interface{}{"ts": uint64(1), "id": "a"}},
	})
	require.NoError(t, err)

	task := &SplitTask{Source: source, LowWriter: low, HighWriter: high}
	require.False(t, NewSplitCoordinator(nil, "self", nil).ReadyToFinalize(task), "neither side has copied anything yet")

	_, err = low.Write(context.Background(), []lsm.Record{
		{ID: [20]byte{1}, Sequence: source.SequenceWatermark(), Values: map[string]interface{}{"ts": uint64(1), "id": "a"}},
	})
	require.NoError(t, err)
	_, err = high.Write(context.Background(), []lsm.Record{
		{ID: [20]byte{9}, Sequence: source.SequenceWatermark(), Values: map[string]interface{}{"ts": uint64(2), "id": "z"}},
	})
	require.NoError(t, err)

	require.True(t, NewSplitCoordinator(nil, "self", nil).ReadyToFinalize(task))
}

func TestReplaceSplitEntry_SwapsSourceForLowHigh(t *testing.T) {
	sourcePID := [20]byte{0xA}
	old := &metadatafile.File{
		TxnID:        [20]byte{1},
		Seq:          5,
		KeyspaceType: keyspace.UINT64,
		PartitionMap: []metadatafile.Entry{
			{Begin: nil, PartitionID: sourcePID, Servers: []string{"s1"}},
		},
	}
	task := &SplitTask{
		SplitPoint:      keyspace.EncodeUint64(300),
		LowPartitionID:  [20]byte{0xB},
		LowServers:      []string{"s1"},
		HighPartitionID: [20]byte{0xC},
		HighServers:     []string{"s1", "s2"},
	}

	newFile, err := replaceSplitEntry(old, sourcePID, task)
	require.NoError(t, err)
	require.Equal(t, uint64(6), newFile.Seq)
	require.Len(t, newFile.PartitionMap, 2)
	require.Equal(t, task.LowPartitionID, newFile.PartitionMap[0].PartitionID)
	require.Equal(t, task.HighPartitionID, newFile.PartitionMap[1].PartitionID)
	require.Equal(t, task.SplitPoint, newFile.PartitionMap[1].Begin)
}

func TestReplaceSplitEntry_ErrorsWhenSourceMissing(t *testing.T) {
	old := &metadatafile.File{
		KeyspaceType: keyspace.UINT64,
		PartitionMap: []metadatafile.Entry{{Begin: nil, PartitionID: [20]byte{0xFF}, Servers: []string{"s1"}}},
	}
	_, err := replaceSplitEntry(old, [20]byte{0xA}, &SplitTask{})
	require.True(t, errs.IsNotFound(err))
}
