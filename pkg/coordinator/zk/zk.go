// Package zk implements coordinator.Coordinator against a real ZooKeeper
// ensemble via github.com/go-zookeeper/zk. original_source's
// config_directory_zookeeper.cc confirms ZooKeeper as the original
// coordinator; this package is the idiomatic-Go client-session wrapper
// around it, in the shape the rest of eventql depends on.
package zk

import (
	"context"
	"time"

	zkclient "github.com/go-zookeeper/zk"

	"github.com/zhengshuxin/eventql/pkg/coordinator"
	"github.com/zhengshuxin/eventql/pkg/errs"
)

// Handle is a coordinator.Coordinator backed by a single ZooKeeper client
// session.
type Handle struct {
	conn     *zkclient.Conn
	sessions chan coordinator.Event
	done     chan struct{}
}

var _ coordinator.Coordinator = (*Handle)(nil)

// Dial connects to the ZooKeeper ensemble at addrs, translating its
// session-event stream into coordinator.Event{Type: EventSession, ...}
// for the caller to observe.
func Dial(addrs []string, sessionTimeout time.Duration) (*Handle, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = coordinator.DefaultDialTimeout
	}
	conn, zkEvents, err := zkclient.Connect(addrs, sessionTimeout)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "coordinator/zk: connect")
	}
	h := &Handle{
		conn:     conn,
		sessions: make(chan coordinator.Event, 16),
		done:     make(chan struct{}),
	}
	go h.pumpSessionEvents(zkEvents)
	return h, nil
}

func (h *Handle) pumpSessionEvents(events <-chan zkclient.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				close(h.sessions)
				return
			}
			state, mapped := mapSessionState(ev.State)
			if !mapped {
				continue
			}
			select {
			case h.sessions <- coordinator.Event{Type: coordinator.EventSession, State: state}:
			case <-h.done:
				return
			}
		case <-h.done:
			return
		}
	}
}

func mapSessionState(s zkclient.State) (coordinator.SessionState, bool) {
	switch s {
	case zkclient.StateDisconnected:
		return coordinator.SessionDisconnected, true
	case zkclient.StateConnecting:
		return coordinator.SessionConnecting, true
	case zkclient.StateConnected, zkclient.StateHasSession:
		return coordinator.SessionConnected, true
	case zkclient.StateExpired:
		return coordinator.SessionExpired, true
	default:
		return 0, false
	}
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case zkclient.ErrNodeExists:
		return errs.Wrap(errs.AlreadyExists, err, "coordinator/zk")
	case zkclient.ErrNoNode:
		return errs.Wrap(errs.NotFound, err, "coordinator/zk")
	case zkclient.ErrBadVersion:
		return errs.Wrap(errs.BadVersion, err, "coordinator/zk")
	case zkclient.ErrConnectionClosed, zkclient.ErrSessionExpired:
		return errs.Wrap(errs.Timeout, err, "coordinator/zk")
	default:
		// An unmapped coordinator library error code defaults to Io
		// (spec.md §7 "a new code must default to Io").
		return errs.Wrap(errs.Io, err, "coordinator/zk")
	}
}

func (h *Handle) Create(_ context.Context, path string, value []byte) error {
	_, err := h.conn.Create(path, value, 0, zkclient.WorldACL(zkclient.PermAll))
	return translateErr(err)
}

func (h *Handle) CreateEphemeral(_ context.Context, path string, value []byte) error {
	_, err := h.conn.Create(path, value, zkclient.FlagEphemeral, zkclient.WorldACL(zkclient.PermAll))
	return translateErr(err)
}

func (h *Handle) Get(_ context.Context, path string) (*coordinator.Node, error) {
	data, stat, err := h.conn.Get(path)
	if err != nil {
		return nil, translateErr(err)
	}
	return &coordinator.Node{Path: path, Value: data, Version: int64(stat.Version)}, nil
}

func (h *Handle) Set(_ context.Context, path string, value []byte, expectedVersion int64) (int64, error) {
	stat, err := h.conn.Set(path, value, int32(expectedVersion))
	if err != nil {
		return 0, translateErr(err)
	}
	return int64(stat.Version), nil
}

func (h *Handle) Delete(_ context.Context, path string, expectedVersion int64) error {
	return translateErr(h.conn.Delete(path, int32(expectedVersion)))
}

func (h *Handle) Exists(_ context.Context, path string) (bool, error) {
	ok, _, err := h.conn.Exists(path)
	if err != nil {
		return false, translateErr(err)
	}
	return ok, nil
}

func (h *Handle) ListChildren(_ context.Context, path string) ([]string, error) {
	children, _, err := h.conn.Children(path)
	if err != nil {
		return nil, translateErr(err)
	}
	return children, nil
}

func (h *Handle) Watch(ctx context.Context, path string) (<-chan coordinator.Event, error) {
	exists, _, zkWatch, err := h.conn.ExistsW(path)
	if err != nil {
		return nil, translateErr(err)
	}
	var childWatch <-chan zkclient.Event
	if exists {
		if _, _, childWatch, err = h.conn.ChildrenW(path); err != nil {
			return nil, translateErr(err)
		}
	}
	out := make(chan coordinator.Event, 1)
	go func() {
		select {
		case ev := <-zkWatch:
			out <- translateEvent(ev, path)
			close(out)
		case ev := <-childWatch:
			out <- translateEvent(ev, path)
			close(out)
		case <-ctx.Done():
			close(out)
		case <-h.done:
			close(out)
		}
	}()
	return out, nil
}

func translateEvent(ev zkclient.Event, path string) coordinator.Event {
	switch ev.Type {
	case zkclient.EventNodeDeleted:
		return coordinator.Event{Type: coordinator.EventNodeDeleted, Path: path}
	case zkclient.EventNodeChildrenChanged:
		return coordinator.Event{Type: coordinator.EventChildrenChanged, Path: path}
	default:
		return coordinator.Event{Type: coordinator.EventNodeChanged, Path: path}
	}
}

func (h *Handle) Sessions() <-chan coordinator.Event { return h.sessions }

func (h *Handle) Close() error {
	close(h.done)
	h.conn.Close()
	return nil
}
