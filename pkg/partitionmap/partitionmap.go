// Package partitionmap is the local in-memory index of partitions owned by
// this server, plus a publish/subscribe channel for PartitionChangeNotification
// (spec.md §4.E). The broker shape is adapted from the teacher's
// pkg/events.Broker (subscribe/publish over buffered channels), repurposed
// from container lifecycle events to partition lifecycle events.
package partitionmap

import (
	"sync"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/types"
)

// ChangeKind distinguishes the reasons a PartitionChangeNotification fires.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeLifecycle
	ChangeRemoved
)

// PartitionChangeNotification is published to subscribers after the Map's
// in-memory index has been updated; a subscriber whose buffer is full
// misses it. The Map itself writes nothing to disk.
type PartitionChangeNotification struct {
	Kind      ChangeKind
	Partition types.Partition
}

const subscriberBuffer = 64

// Map is the local partition index for one server process.
type Map struct {
	mu         sync.RWMutex
	byTable    map[tableKey]map[[20]byte]*types.Partition
	subMu      sync.Mutex
	subscriber map[int]chan PartitionChangeNotification
	nextSubID  int
}

type tableKey struct {
	namespace, table string
}

// New creates an empty partition map.
func New() *Map {
	return &Map{
		byTable:    make(map[tableKey]map[[20]byte]*types.Partition),
		subscriber: make(map[int]chan PartitionChangeNotification),
	}
}

// FindTable lists every partition this server currently holds for
// (namespace, table).
func (m *Map) FindTable(namespace, table string) []types.Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.byTable[tableKey{namespace, table}]
	out := make([]types.Partition, 0, len(byID))
	for _, p := range byID {
		out = append(out, *p)
	}
	return out
}

// FindPartition looks up a single partition by id.
func (m *Map) FindPartition(namespace, table string, id [20]byte) (types.Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID, ok := m.byTable[tableKey{namespace, table}]
	if !ok {
		return types.Partition{}, errs.New(errs.NotFound, "partitionmap: no such table")
	}
	p, ok := byID[id]
	if !ok {
		return types.Partition{}, errs.New(errs.NotFound, "partitionmap: no such partition")
	}
	return *p, nil
}

// FindOrCreatePartition returns the existing entry for id, or installs and
// returns p (in LifecycleLoad if p carries no lifecycle); the bool reports
// whether an entry was created.
func (m *Map) FindOrCreatePartition(p types.Partition) (types.Partition, bool) {
	key := tableKey{p.Namespace, p.Table}

	m.mu.Lock()
	byID, ok := m.byTable[key]
	if !ok {
		byID = make(map[[20]byte]*types.Partition)
		m.byTable[key] = byID
	}
	if existing, ok := byID[p.PartitionID]; ok {
		current := *existing
		m.mu.Unlock()
		return current, false
	}
	if p.Lifecycle == "" {
		p.Lifecycle = types.LifecycleLoad
	}
	stored := p
	byID[p.PartitionID] = &stored
	m.mu.Unlock()

	m.publish(PartitionChangeNotification{Kind: ChangeCreated, Partition: stored})
	return stored, true
}

// SetLifecycle transitions an existing partition's lifecycle state and
// notifies subscribers.
func (m *Map) SetLifecycle(namespace, table string, id [20]byte, lc types.Lifecycle) error {
	key := tableKey{namespace, table}

	m.mu.Lock()
	byID, ok := m.byTable[key]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.NotFound, "partitionmap: no such table")
	}
	p, ok := byID[id]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.NotFound, "partitionmap: no such partition")
	}
	p.Lifecycle = lc
	snapshot := *p
	m.mu.Unlock()

	m.publish(PartitionChangeNotification{Kind: ChangeLifecycle, Partition: snapshot})
	return nil
}

// Remove drops a partition from the local index (its UNLOADED terminal
// transition).
func (m *Map) Remove(namespace, table string, id [20]byte) {
	key := tableKey{namespace, table}

	m.mu.Lock()
	byID, ok := m.byTable[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	p, ok := byID[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(byID, id)
	snapshot := *p
	m.mu.Unlock()

	m.publish(PartitionChangeNotification{Kind: ChangeRemoved, Partition: snapshot})
}

// ListTables lists every (namespace, table) pair this server has at least
// one partition for.
func (m *Map) ListTables() []struct{ Namespace, Table string } {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]struct{ Namespace, Table string }, 0, len(m.byTable))
	for k := range m.byTable {
		out = append(out, struct{ Namespace, Table string }{k.namespace, k.table})
	}
	return out
}

// Subscribe registers a new listener for PartitionChangeNotification and
// returns a channel plus an unsubscribe function.
func (m *Map) Subscribe() (<-chan PartitionChangeNotification, func()) {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan PartitionChangeNotification, subscriberBuffer)
	m.subscriber[id] = ch
	m.subMu.Unlock()

	unsubscribe := func() {
		m.subMu.Lock()
		if existing, ok := m.subscriber[id]; ok {
			delete(m.subscriber, id)
			close(existing)
		}
		m.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (m *Map) publish(n PartitionChangeNotification) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscriber {
		select {
		case ch <- n:
		default:
			// A slow subscriber drops notifications rather than blocking
			// the Map call that triggered this publish.
		}
	}
}
