// Package fake provides an in-memory coordinator.Coordinator for
// deterministic tests, standing in for a real ZooKeeper ensemble the way
// the teacher's in-memory stores stand in for bbolt in unit tests.
package fake

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/zhengshuxin/eventql/pkg/coordinator"
	"github.com/zhengshuxin/eventql/pkg/errs"
)

type node struct {
	value     []byte
	version   int64
	ephemeral bool
	owner     *Handle
}

// Cluster is the shared in-memory tree backing every Handle opened against
// it; it plays the role a real ZooKeeper ensemble plays for multiple
// client sessions.
type Cluster struct {
	mu       sync.Mutex
	nodes    map[string]*node
	watchers map[string][]chan coordinator.Event
}

// NewCluster creates an empty coordination tree.
func NewCluster() *Cluster {
	return &Cluster{
		nodes:    make(map[string]*node),
		watchers: make(map[string][]chan coordinator.Event),
	}
}

// Connect opens a new session handle against the cluster.
func (c *Cluster) Connect() *Handle {
	return &Handle{
		cluster:  c,
		sessions: make(chan coordinator.Event, 8),
	}
}

// Handle is one client session onto a Cluster. Creating ephemeral nodes
// through a Handle ties their lifetime to that Handle's Close.
type Handle struct {
	cluster   *Cluster
	sessions  chan coordinator.Event
	mu        sync.Mutex
	ephemeral []string
	closed    bool
}

var _ coordinator.Coordinator = (*Handle)(nil)

func parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func (h *Handle) notifyLocked(path string, typ coordinator.EventType) {
	for _, ch := range h.cluster.watchers[path] {
		ch <- coordinator.Event{Type: typ, Path: path}
		close(ch)
	}
	delete(h.cluster.watchers, path)
}

func (h *Handle) Create(_ context.Context, path string, value []byte) error {
	return h.create(path, value, false)
}

func (h *Handle) CreateEphemeral(_ context.Context, path string, value []byte) error {
	return h.create(path, value, true)
}

func (h *Handle) create(path string, value []byte, ephemeral bool) error {
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[path]; ok {
		return errs.New(errs.AlreadyExists, "coordinator/fake: node exists: "+path)
	}
	c.nodes[path] = &node{value: append([]byte(nil), value...), version: 0, ephemeral: ephemeral, owner: h}
	if ephemeral {
		h.mu.Lock()
		h.ephemeral = append(h.ephemeral, path)
		h.mu.Unlock()
	}
	h.notifyLocked(parent(path), coordinator.EventChildrenChanged)
	return nil
}

func (h *Handle) Get(_ context.Context, path string) (*coordinator.Node, error) {
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return nil, errs.New(errs.NotFound, "coordinator/fake: no such node: "+path)
	}
	return &coordinator.Node{Path: path, Value: append([]byte(nil), n.value...), Version: n.version}, nil
}

func (h *Handle) Set(_ context.Context, path string, value []byte, expectedVersion int64) (int64, error) {
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return 0, errs.New(errs.NotFound, "coordinator/fake: no such node: "+path)
	}
	if expectedVersion >= 0 && n.version != expectedVersion {
		return 0, errs.New(errs.BadVersion, "coordinator/fake: version mismatch")
	}
	n.value = append([]byte(nil), value...)
	n.version++
	h.notifyLocked(path, coordinator.EventNodeChanged)
	return n.version, nil
}

func (h *Handle) Delete(_ context.Context, path string, expectedVersion int64) error {
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return errs.New(errs.NotFound, "coordinator/fake: no such node: "+path)
	}
	if expectedVersion >= 0 && n.version != expectedVersion {
		return errs.New(errs.BadVersion, "coordinator/fake: version mismatch")
	}
	delete(c.nodes, path)
	h.notifyLocked(path, coordinator.EventNodeDeleted)
	h.notifyLocked(parent(path), coordinator.EventChildrenChanged)
	return nil
}

func (h *Handle) Exists(_ context.Context, path string) (bool, error) {
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nodes[path]
	return ok, nil
}

func (h *Handle) ListChildren(_ context.Context, path string) ([]string, error) {
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	seen := map[string]bool{}
	var out []string
	for p := range c.nodes {
		if !strings.HasPrefix(p, prefix) || p == path {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		child := strings.SplitN(rest, "/", 2)[0]
		if child != "" && !seen[child] {
			seen[child] = true
			out = append(out, child)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (h *Handle) Watch(_ context.Context, path string) (<-chan coordinator.Event, error) {
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan coordinator.Event, 1)
	c.watchers[path] = append(c.watchers[path], ch)
	return ch, nil
}

func (h *Handle) Sessions() <-chan coordinator.Event { return h.sessions }

// Close tears down the session, deleting every ephemeral node it created,
// mirroring a real ZooKeeper session ending.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	paths := h.ephemeral
	h.ephemeral = nil
	h.mu.Unlock()

	c := h.cluster
	c.mu.Lock()
	for _, p := range paths {
		if n, ok := c.nodes[p]; ok && n.owner == h {
			delete(c.nodes, p)
			h.notifyLocked(p, coordinator.EventNodeDeleted)
			h.notifyLocked(parent(p), coordinator.EventChildrenChanged)
		}
	}
	c.mu.Unlock()

	h.sessions <- coordinator.Event{Type: coordinator.EventSession, State: coordinator.SessionExpired}
	close(h.sessions)
	return nil
}
