// Package allocator implements the Server Allocator (spec.md §4.I): pick
// replication_factor distinct UP servers for a new partition, stable
// against transient down-servers. The UP-filter-then-pick shape is
// grounded on the teacher's pkg/scheduler/scheduler.go filterSchedulableNodes
// step, generalised from "nodes that can run a container" to "servers that
// can hold a replica".
package allocator

import (
	"math/rand"
	"time"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/types"
)

// Allocator selects replica sets from the cluster's current server list.
type Allocator struct {
	rand *rand.Rand
}

// New builds an Allocator. A nil source seeds from the current time so
// repeated calls within a process don't all start at offset 0; pass an
// explicit source for deterministic tests.
func New(src rand.Source) *Allocator {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Allocator{rand: rand.New(src)}
}

// Allocate selects replicationFactor distinct ids from the UP subset of
// servers, starting at a randomised offset and proceeding round-robin
// (spec.md §4.I). It fails with InsufficientServers if fewer than
// replicationFactor servers are UP.
func (a *Allocator) Allocate(servers []types.ServerConfig, replicationFactor int) ([]string, error) {
	var up []string
	for _, s := range servers {
		if s.Status == types.ServerUP {
			up = append(up, s.ServerID)
		}
	}
	if len(up) < replicationFactor {
		return nil, errs.New(errs.InsufficientServers, "allocator: need replicas, UP servers available")
	}

	offset := a.rand.Intn(len(up))
	out := make([]string, 0, replicationFactor)
	for i := 0; i < replicationFactor; i++ {
		out = append(out, up[(offset+i)%len(up)])
	}
	return out, nil
}
