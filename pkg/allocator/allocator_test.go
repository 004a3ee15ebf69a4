package allocator

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/types"
)

func serverList(upIDs []string, downIDs []string) []types.ServerConfig {
	var out []types.ServerConfig
	for _, id := range upIDs {
		out = append(out, types.ServerConfig{ServerID: id, Status: types.ServerUP})
	}
	for _, id := range downIDs {
		out = append(out, types.ServerConfig{ServerID: id, Status: types.ServerDown})
	}
	return out
}

func TestAllocate_ReturnsDistinctUpServers(t *testing.T) {
	a := New(rand.NewSource(42))
	servers := serverList([]string{"s1", "s2", "s3"}, nil)
	picked, err := a.Allocate(servers, 2)
	require.NoError(t, err)
	require.Len(t, picked, 2)
	require.NotEqual(t, picked[0], picked[1])
}

func TestAllocate_SkipsDownServers(t *testing.T) {
	a := New(rand.NewSource(1))
	servers := serverList([]string{"s1"}, []string{"s2", "s3"})
	picked, err := a.Allocate(servers, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, picked)
}

func TestAllocate_InsufficientServers(t *testing.T) {
	a := New(rand.NewSource(1))
	servers := serverList([]string{"s1"}, []string{"s2"})
	_, err := a.Allocate(servers, 3)
	require.True(t, errs.IsInsufficientServers(err))
}

func TestAllocate_IsStableAgainstExtraDownServers(t *testing.T) {
	a1 := New(rand.NewSource(7))
	a2 := New(rand.NewSource(7))
	withoutDown := serverList([]string{"s1", "s2", "s3"}, nil)
	withDown := serverList([]string{"s1", "s2", "s3"}, []string{"s4"})

	p1, err := a1.Allocate(withoutDown, 2)
	require.NoError(t, err)
	p2, err := a2.Allocate(withDown, 2)
	require.NoError(t, err)
	require.Equal(t, p1, p2, "a down server outside the UP set must not perturb the round-robin over UP servers")
}
