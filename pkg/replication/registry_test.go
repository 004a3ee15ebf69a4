package replication

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zhengshuxin/eventql/pkg/ingest"
	"github.com/zhengshuxin/eventql/pkg/reconcile"
	"github.com/zhengshuxin/eventql/pkg/types"
)

func testTableDef() *types.TableDefinition {
	return &types.TableDefinition{
		Namespace: "ns1",
		Name:      "events",
		Schema: []*types.Column{
			{Name: "id", LogicalType: types.LogicalString, StorageType: types.StorageString},
		},
	}
}

func TestRegistry_LoadIsIdempotent(t *testing.T) {
	r := New(t.TempDir(), nil, zerolog.Nop())
	td := testTableDef()
	var pid [20]byte
	pid[0] = 1

	w1, err := r.Load(td, pid)
	require.NoError(t, err)
	w2, err := r.Load(td, pid)
	require.NoError(t, err)
	require.Same(t, w1, w2)
}

func TestRegistry_ApplyWritesToLoadedPartition(t *testing.T) {
	r := New(t.TempDir(), nil, zerolog.Nop())
	td := testTableDef()
	var pid [20]byte
	pid[0] = 2
	_, err := r.Load(td, pid)
	require.NoError(t, err)

	var id [20]byte
	id[0] = 0xaa
	err = r.Apply(context.Background(), td.Namespace, td.Name, pid, []ingest.ShreddedRecord{
		{ID: id, Values: map[string]interface{}{"id": "row-1"}},
	})
	require.NoError(t, err)
}

func TestRegistry_ApplyUnloadedPartitionErrors(t *testing.T) {
	r := New(t.TempDir(), nil, zerolog.Nop())
	var pid [20]byte
	err := r.Apply(context.Background(), "ns1", "events", pid, nil)
	require.Error(t, err)
}

func TestRegistry_UnloadRemovesFromReconciler(t *testing.T) {
	recon := reconcile.New(0, zerolog.Nop(), nil)
	r := New(t.TempDir(), recon, zerolog.Nop())
	td := testTableDef()
	var pid [20]byte
	pid[0] = 3

	_, err := r.Load(td, pid)
	require.NoError(t, err)
	require.Len(t, recon.Snapshot(), 1)

	r.Unload(td.Namespace, td.Name, pid)
	require.Empty(t, recon.Snapshot())

	_, loaded := r.lookup(td.Namespace, td.Name, pid)
	require.False(t, loaded)
}
