package fake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhengshuxin/eventql/pkg/coordinator"
	"github.com/zhengshuxin/eventql/pkg/errs"
)

func TestCreateAndGet(t *testing.T) {
	h := NewCluster().Connect()
	ctx := context.Background()
	require.NoError(t, h.Create(ctx, "/config", []byte("v1")))
	n, err := h.Get(ctx, "/config")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), n.Value)
	require.Equal(t, int64(0), n.Version)
}

func TestCreate_RejectsDuplicate(t *testing.T) {
	h := NewCluster().Connect()
	ctx := context.Background()
	require.NoError(t, h.Create(ctx, "/config", []byte("v1")))
	err := h.Create(ctx, "/config", []byte("v2"))
	require.True(t, errs.IsAlreadyExists(err))
}

func TestSet_BumpsVersionAndRejectsStaleCAS(t *testing.T) {
	h := NewCluster().Connect()
	ctx := context.Background()
	require.NoError(t, h.Create(ctx, "/config", []byte("v1")))

	v, err := h.Set(ctx, "/config", []byte("v2"), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	_, err = h.Set(ctx, "/config", []byte("v3"), 0)
	require.True(t, errs.IsBadVersion(err))
}

func TestEphemeral_RemovedOnClose(t *testing.T) {
	cluster := NewCluster()
	h1 := cluster.Connect()
	ctx := context.Background()
	require.NoError(t, h1.CreateEphemeral(ctx, "/servers-live/s1", []byte("10.0.0.1:1234")))

	h2 := cluster.Connect()
	ok, err := h2.Exists(ctx, "/servers-live/s1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h1.Close())

	ok, err = h2.Exists(ctx, "/servers-live/s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListChildren(t *testing.T) {
	h := NewCluster().Connect()
	ctx := context.Background()
	require.NoError(t, h.Create(ctx, "/servers", nil))
	require.NoError(t, h.Create(ctx, "/servers/s1", []byte("a")))
	require.NoError(t, h.Create(ctx, "/servers/s2", []byte("b")))

	children, err := h.ListChildren(ctx, "/servers")
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s2"}, children)
}

func TestWatch_FiresOnceOnChildrenChanged(t *testing.T) {
	h := NewCluster().Connect()
	ctx := context.Background()
	require.NoError(t, h.Create(ctx, "/servers", nil))

	ch, err := h.Watch(ctx, "/servers")
	require.NoError(t, err)

	require.NoError(t, h.Create(ctx, "/servers/s1", []byte("a")))

	ev, ok := <-ch
	require.True(t, ok)
	require.Equal(t, coordinator.EventChildrenChanged, ev.Type)
	require.Equal(t, "/servers", ev.Path)

	_, ok = <-ch
	require.False(t, ok)
}

func TestDelete_RequiresExpectedVersion(t *testing.T) {
	h := NewCluster().Connect()
	ctx := context.Background()
	require.NoError(t, h.Create(ctx, "/config", []byte("v1")))
	err := h.Delete(ctx, "/config", 5)
	require.True(t, errs.IsBadVersion(err))

	require.NoError(t, h.Delete(ctx, "/config", 0))
	ok, err := h.Exists(ctx, "/config")
	require.NoError(t, err)
	require.False(t, ok)
}
