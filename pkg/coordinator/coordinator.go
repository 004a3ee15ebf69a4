// Package coordinator defines the external coordination-service interface
// that the Cluster Directory (spec.md §4.D) builds on: persistent and
// ephemeral node creation, compare-and-set writes, and watches on both
// node values and child lists. It is grounded on the operations the
// teacher's pkg/storage.Store exposes (Get/Put/Delete/List) generalised to
// the watch/ephemeral/CAS semantics original_source's
// config_directory_zookeeper.cc relies on.
package coordinator

import (
	"context"
	"time"
)

// Node is a single coordinator entry: its current value and version.
// Version increments on every successful write and is the CAS token.
type Node struct {
	Path    string
	Value   []byte
	Version int64
}

// EventType distinguishes the kinds of notification a Watch can deliver.
type EventType int

const (
	// EventNodeChanged fires when a watched node's value changed.
	EventNodeChanged EventType = iota
	// EventNodeDeleted fires when a watched node was removed.
	EventNodeDeleted
	// EventChildrenChanged fires when a watched node's child list changed.
	EventChildrenChanged
	// EventSession fires on coordinator session state transitions
	// (reconnect, session expiry) and carries no Path.
	EventSession
)

// Event is delivered on a Watch channel. A Watch fires at most once; the
// caller must re-register to keep observing a path (spec.md's "one-shot
// notification installed on a coordinator path").
type Event struct {
	Type EventType
	Path string
	// State is populated only for EventSession.
	State SessionState
}

// SessionState mirrors a ZooKeeper-style client session's lifecycle.
type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionExpired
)

// Coordinator is the minimal interface the Cluster Directory, Metadata
// Coordinator & Client, and leader election need from an external
// coordination service (spec.md's Non-goal: "a single external coordinator
// provides [consensus] for metadata").
//
// Implementations: coordinator/zk (real ZooKeeper) and coordinator/fake (an
// in-memory, deterministic stand-in for tests).
type Coordinator interface {
	// Create makes a new persistent node at path with the given value.
	// Returns AlreadyExists if path is already present.
	Create(ctx context.Context, path string, value []byte) error

	// CreateEphemeral makes a node tied to this Coordinator handle's
	// session; it disappears when the session ends (spec.md glossary
	// "Ephemeral node").
	CreateEphemeral(ctx context.Context, path string, value []byte) error

	// Get fetches a node's current value and version.
	Get(ctx context.Context, path string) (*Node, error)

	// Set performs a compare-and-set write: it fails with BadVersion if
	// the node's current version does not equal expectedVersion. Passing
	// expectedVersion -1 skips the version check.
	Set(ctx context.Context, path string, value []byte, expectedVersion int64) (int64, error)

	// Delete removes path, optionally guarded by expectedVersion (-1 skips
	// the check).
	Delete(ctx context.Context, path string, expectedVersion int64) error

	// Exists reports whether path is present.
	Exists(ctx context.Context, path string) (bool, error)

	// ListChildren lists the immediate children of path.
	ListChildren(ctx context.Context, path string) ([]string, error)

	// Watch installs a one-shot watch on path and returns a channel that
	// receives exactly one Event (node-changed/deleted or
	// children-changed, depending on what path and the implementation
	// support) before closing.
	Watch(ctx context.Context, path string) (<-chan Event, error)

	// Sessions returns a channel of session-state transitions for the
	// lifetime of the Coordinator handle.
	Sessions() <-chan Event

	// Close releases the coordinator session. Any ephemeral nodes created
	// through this handle are removed.
	Close() error
}

// DefaultDialTimeout is the session timeout zk.Dial uses when its caller
// passes none.
const DefaultDialTimeout = 10 * time.Second
