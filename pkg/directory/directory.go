// Package directory implements the Cluster Directory: a watch-driven,
// in-memory cache of cluster topology and configuration backed by an
// external coordinator (spec.md §4.D). State-machine shape and the
// "acquire lock, copy, release lock before invoking callbacks" discipline
// are grounded on the teacher's pkg/manager/fsm.go; watch path parsing is
// grounded on original_source/src/eventql/config/config_directory_zookeeper.cc.
package directory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhengshuxin/eventql/pkg/coordinator"
	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/types"
)

// State is the per-session lifecycle spec.md §4.D describes:
// INIT -> CONNECTING -> LOADING -> CONNECTED <-> CONNECTION_LOST -> CLOSED.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateLoading
	StateConnected
	StateConnectionLost
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateLoading:
		return "LOADING"
	case StateConnected:
		return "CONNECTED"
	case StateConnectionLost:
		return "CONNECTION_LOST"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type (
	ClusterChangeCallback   func(types.ClusterConfig)
	ServerChangeCallback    func(types.ServerConfig)
	NamespaceChangeCallback func(types.NamespaceConfig)
	TableChangeCallback     func(types.TableDefinition)
)

// Directory is the process-wide topology/config cache described in
// spec.md §4.D.
type Directory struct {
	coord      coordinator.Coordinator
	prefix     string // <global_prefix>/<cluster>
	serverID   string // empty if this process has no server identity
	listenAddr string
	log        zerolog.Logger

	mu              sync.Mutex
	state           State
	clusterConfig   types.ClusterConfig
	servers         map[string]types.ServerConfig
	liveAddrs       map[string]string // server id -> live listen addr
	namespaces      map[string]types.NamespaceConfig
	tables          map[string]map[string]types.TableDefinition // ns -> table -> def
	leader          string
	isLeader        bool
	clusterChangeCb ClusterChangeCallback
	serverChangeCb  ServerChangeCallback
	namespaceCb     NamespaceChangeCallback
	tableCb         TableChangeCallback

	watched map[string]bool

	closeOnce sync.Once
	closed    chan struct{}
}

// Options configures a new Directory.
type Options struct {
	Coordinator coordinator.Coordinator
	GlobalPrefix string
	Cluster      string
	// ServerID and ListenAddr are empty for a directory opened by a client
	// that is not itself a cluster member.
	ServerID   string
	ListenAddr string
	Log        zerolog.Logger
}

// Open connects the directory, bulk-loads cluster state, and (if the
// process has a server identity) registers its liveness node. It blocks
// until the initial load completes or ctx is done.
func Open(ctx context.Context, opts Options) (*Directory, error) {
	prefix := strings.TrimRight(opts.GlobalPrefix, "/") + "/" + opts.Cluster
	d := &Directory{
		coord:      opts.Coordinator,
		prefix:     prefix,
		serverID:   opts.ServerID,
		listenAddr: opts.ListenAddr,
		log:        opts.Log.With().Str("component", "directory").Logger(),
		state:      StateInit,
		servers:    make(map[string]types.ServerConfig),
		liveAddrs:  make(map[string]string),
		namespaces: make(map[string]types.NamespaceConfig),
		tables:     make(map[string]map[string]types.TableDefinition),
		closed:     make(chan struct{}),
	}
	d.setState(StateConnecting)
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	if d.serverID != "" {
		if err := d.registerLiveness(ctx); err != nil {
			return nil, err
		}
	}
	d.setState(StateConnected)
	go d.watchSessions()
	d.armWatch(d.path("config"))
	d.armWatch(d.path("servers"))
	d.armWatch(d.path("servers-live"))
	d.armWatch(d.path("namespaces"))
	// Arm watches on everything the bulk load already discovered, not just
	// the four top-level containers, so changes to an existing server or
	// table are observed without waiting for their parent container to
	// change first.
	d.armChildWatches(d.path("servers"))
	d.armChildWatches(d.path("namespaces"))
	d.mu.Lock()
	nsNames := make([]string, 0, len(d.tables))
	for ns := range d.tables {
		nsNames = append(nsNames, ns)
	}
	d.mu.Unlock()
	for _, ns := range nsNames {
		d.armChildWatches(d.path("namespaces", ns, "tables"))
	}
	return d, nil
}

// Bootstrap creates the cluster's top-level nodes (config, servers,
// servers-live, namespaces) under globalPrefix/cluster if they do not
// already exist, persisting cfg as the initial cluster config. It is the
// --create_cluster path: AlreadyExists on the config node is treated as
// "someone else already bootstrapped this cluster" and ignored, so two
// racing `--create_cluster` servers converge on one winner without error.
func Bootstrap(ctx context.Context, coord coordinator.Coordinator, globalPrefix, cluster string, cfg types.ClusterConfig) error {
	prefix := strings.TrimRight(globalPrefix, "/") + "/" + cluster

	if err := createAncestors(ctx, coord, prefix); err != nil {
		return err
	}

	body, err := json.Marshal(cfg)
	if err != nil {
		return errs.Wrap(errs.Io, err, "directory: encode cluster config")
	}
	if err := coord.Create(ctx, prefix+"/config", body); err != nil && !errs.IsAlreadyExists(err) {
		return err
	}
	for _, child := range []string{"/servers", "/servers-live", "/namespaces"} {
		if err := coord.Create(ctx, prefix+child, nil); err != nil && !errs.IsAlreadyExists(err) {
			return err
		}
	}
	return nil
}

// createAncestors creates every component of path, the last one included,
// in order, tolerating AlreadyExists: a coordinator like ZooKeeper refuses to create
// a node whose parent is absent, so the leading global prefix and cluster
// name need their own empty persistent nodes before "config" etc. can be
// created under them.
func createAncestors(ctx context.Context, coord coordinator.Coordinator, path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, p := range parts {
		cur += "/" + p
		if err := coord.Create(ctx, cur, nil); err != nil && !errs.IsAlreadyExists(err) {
			return err
		}
	}
	return nil
}

// armWatch installs a one-shot watch on path (if one isn't already
// pending) and, on fire, re-syncs the affected state and re-arms itself,
// matching spec.md §4.D: "watches are one-shot: when a watch fires, the
// watcher re-reads and re-installs a watch."
func (d *Directory) armWatch(path string) {
	d.mu.Lock()
	if d.watched == nil {
		d.watched = make(map[string]bool)
	}
	if d.watched[path] {
		d.mu.Unlock()
		return
	}
	d.watched[path] = true
	d.mu.Unlock()

	ch, err := d.coord.Watch(context.Background(), path)
	if err != nil {
		d.mu.Lock()
		delete(d.watched, path)
		d.mu.Unlock()
		return
	}
	go func() {
		_, ok := <-ch
		d.mu.Lock()
		delete(d.watched, path)
		closed := d.state == StateClosed
		d.mu.Unlock()
		if closed {
			return
		}
		d.Resync(context.Background(), path)
		if ok {
			d.armWatch(path)
			d.armChildWatches(path)
		}
	}()
}

// armChildWatches installs watches on children newly discovered under a
// container path (servers/<id>, namespaces/<ns>/config,
// namespaces/<ns>/tables, namespaces/<ns>/tables/<t>) after a
// children-changed event.
func (d *Directory) armChildWatches(path string) {
	rel := strings.Trim(strings.TrimPrefix(path, d.prefix), "/")
	switch {
	case rel == "servers":
		d.mu.Lock()
		ids := make([]string, 0, len(d.servers))
		for id := range d.servers {
			ids = append(ids, id)
		}
		d.mu.Unlock()
		for _, id := range ids {
			d.armWatch(d.path("servers", id))
		}
	case rel == "namespaces":
		d.mu.Lock()
		names := make([]string, 0, len(d.namespaces))
		for ns := range d.namespaces {
			names = append(names, ns)
		}
		d.mu.Unlock()
		for _, ns := range names {
			d.armWatch(d.path("namespaces", ns, "config"))
			d.armWatch(d.path("namespaces", ns, "tables"))
		}
	case strings.HasSuffix(rel, "/tables"):
		ns := strings.TrimSuffix(strings.TrimPrefix(rel, "namespaces/"), "/tables")
		d.mu.Lock()
		byName := d.tables[ns]
		tnames := make([]string, 0, len(byName))
		for t := range byName {
			tnames = append(tnames, t)
		}
		d.mu.Unlock()
		for _, t := range tnames {
			d.armWatch(d.path("namespaces", ns, "tables", t))
		}
	}
}

func (d *Directory) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.log.Debug().Str("state", s.String()).Msg("directory state transition")
}

// State returns the directory's current session state.
func (d *Directory) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Directory) path(parts ...string) string {
	return d.prefix + "/" + strings.Join(parts, "/")
}

// load bulk-reads cluster config, namespaces, tables, servers, and live
// servers, matching the LOADING state's responsibilities.
func (d *Directory) load(ctx context.Context) error {
	d.setState(StateLoading)

	cfg, err := d.readClusterConfig(ctx)
	if err != nil && !errs.IsNotFound(err) {
		return err
	}

	servers, err := d.readAllServers(ctx)
	if err != nil && !errs.IsNotFound(err) {
		return err
	}

	live, err := d.readLiveAddrs(ctx)
	if err != nil && !errs.IsNotFound(err) {
		return err
	}

	namespaces, tables, err := d.readAllNamespaces(ctx)
	if err != nil && !errs.IsNotFound(err) {
		return err
	}

	d.mu.Lock()
	d.clusterConfig = cfg
	d.servers = servers
	d.liveAddrs = live
	d.namespaces = namespaces
	d.tables = tables
	d.mu.Unlock()
	return nil
}

func (d *Directory) readClusterConfig(ctx context.Context) (types.ClusterConfig, error) {
	var cfg types.ClusterConfig
	n, err := d.coord.Get(ctx, d.path("config"))
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(n.Value, &cfg); err != nil {
		return cfg, errs.Wrap(errs.Corruption, err, "directory: decode cluster config")
	}
	cfg.Version = uint64(n.Version)
	return cfg, nil
}

func (d *Directory) readAllServers(ctx context.Context) (map[string]types.ServerConfig, error) {
	out := make(map[string]types.ServerConfig)
	ids, err := d.coord.ListChildren(ctx, d.path("servers"))
	if err != nil {
		if errs.IsNotFound(err) {
			return out, nil
		}
		return nil, err
	}
	for _, id := range ids {
		n, err := d.coord.Get(ctx, d.path("servers", id))
		if err != nil {
			continue
		}
		var sc types.ServerConfig
		if err := json.Unmarshal(n.Value, &sc); err != nil {
			continue
		}
		sc.Version = uint64(n.Version)
		out[id] = sc
	}
	return out, nil
}

func (d *Directory) readLiveAddrs(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	ids, err := d.coord.ListChildren(ctx, d.path("servers-live"))
	if err != nil {
		if errs.IsNotFound(err) {
			return out, nil
		}
		return nil, err
	}
	for _, id := range ids {
		n, err := d.coord.Get(ctx, d.path("servers-live", id))
		if err != nil {
			continue
		}
		out[id] = string(n.Value)
	}
	return out, nil
}

func (d *Directory) readAllNamespaces(ctx context.Context) (map[string]types.NamespaceConfig, map[string]map[string]types.TableDefinition, error) {
	namespaces := make(map[string]types.NamespaceConfig)
	tables := make(map[string]map[string]types.TableDefinition)

	names, err := d.coord.ListChildren(ctx, d.path("namespaces"))
	if err != nil {
		if errs.IsNotFound(err) {
			return namespaces, tables, nil
		}
		return nil, nil, err
	}
	for _, ns := range names {
		// A namespace lacking /ready crashed between its <ns>, <ns>/config,
		// <ns>/tables writes (spec.md §9's namespace-atomicity resolution);
		// treat it as not-yet-created rather than exposing a partial config.
		ready, err := d.coord.Exists(ctx, d.path("namespaces", ns, "ready"))
		if err != nil || !ready {
			continue
		}

		n, err := d.coord.Get(ctx, d.path("namespaces", ns, "config"))
		if err != nil {
			continue
		}
		var nc types.NamespaceConfig
		if err := json.Unmarshal(n.Value, &nc); err != nil {
			continue
		}
		nc.Version = uint64(n.Version)
		namespaces[ns] = nc

		tableNames, err := d.coord.ListChildren(ctx, d.path("namespaces", ns, "tables"))
		if err != nil {
			continue
		}
		byName := make(map[string]types.TableDefinition)
		for _, tname := range tableNames {
			tn, err := d.coord.Get(ctx, d.path("namespaces", ns, "tables", tname))
			if err != nil {
				continue
			}
			var td types.TableDefinition
			if err := json.Unmarshal(tn.Value, &td); err != nil {
				continue
			}
			td.Version = uint64(tn.Version)
			byName[tname] = td
		}
		tables[ns] = byName
	}
	return namespaces, tables, nil
}

// registerLiveness writes an ephemeral servers-live/<id> node carrying this
// process's listen address (spec.md §4.D "Registration").
func (d *Directory) registerLiveness(ctx context.Context) error {
	_ = d.coord.Create(ctx, d.path("servers-live"), nil)
	err := d.coord.CreateEphemeral(ctx, d.path("servers-live", d.serverID), []byte(d.listenAddr))
	if err != nil && !errs.IsAlreadyExists(err) {
		return err
	}
	return nil
}

// ElectLeader cooperatively attempts to become leader by creating the
// ephemeral /leader node. Exactly one caller across the cluster succeeds;
// others observe the winner via GetLeader.
func (d *Directory) ElectLeader(ctx context.Context) (bool, error) {
	if d.serverID == "" {
		return false, errs.New(errs.IllegalState, "directory: no server identity to elect as leader")
	}
	err := d.coord.CreateEphemeral(ctx, d.path("leader"), []byte(d.serverID))
	if err == nil {
		d.mu.Lock()
		d.leader = d.serverID
		d.isLeader = true
		d.mu.Unlock()
		return true, nil
	}
	if !errs.IsAlreadyExists(err) {
		return false, err
	}
	n, gerr := d.coord.Get(ctx, d.path("leader"))
	if gerr != nil {
		return false, gerr
	}
	d.mu.Lock()
	d.leader = string(n.Value)
	d.isLeader = d.leader == d.serverID
	d.mu.Unlock()
	return false, nil
}

// GetLeader returns the current leader's server id, or "" if none is
// known.
func (d *Directory) GetLeader() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leader
}

// GetClusterConfig returns the cached cluster config as last read from the
// coordinator.
func (d *Directory) GetClusterConfig() types.ClusterConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clusterConfig
}

// UpdateClusterConfig writes a new cluster config guarded by CAS on its
// current version.
func (d *Directory) UpdateClusterConfig(ctx context.Context, cfg types.ClusterConfig) error {
	if d.State() == StateConnectionLost {
		return errs.New(errs.Timeout, "directory: connection lost, write refused")
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return errs.Wrap(errs.Io, err, "directory: encode cluster config")
	}
	newVersion, err := d.coord.Set(ctx, d.path("config"), body, int64(cfg.Version))
	if err != nil {
		return err
	}
	cfg.Version = uint64(newVersion)
	d.mu.Lock()
	d.clusterConfig = cfg
	cb := d.clusterChangeCb
	d.mu.Unlock()
	if cb != nil {
		cb(cfg)
	}
	return nil
}

// GetServerConfig returns a single server's cached config.
func (d *Directory) GetServerConfig(id string) (types.ServerConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sc, ok := d.servers[id]
	if !ok {
		return types.ServerConfig{}, errs.New(errs.NotFound, "directory: no such server: "+id)
	}
	return d.patchServerLocked(sc), nil
}

// patchServerLocked overlays live-address information onto sc, called
// with d.mu held (spec.md §4.D "Patched cluster config").
func (d *Directory) patchServerLocked(sc types.ServerConfig) types.ServerConfig {
	if addr, ok := d.liveAddrs[sc.ServerID]; ok {
		sc.ServerAddr = addr
		sc.Status = types.ServerUP
	} else {
		sc.Status = types.ServerDown
	}
	return sc
}

// ListServers returns every known server, patched with live-address
// information, sorted by server id for determinism.
func (d *Directory) ListServers() []types.ServerConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.ServerConfig, 0, len(d.servers))
	for _, sc := range d.servers {
		out = append(out, d.patchServerLocked(sc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// UpdateServerConfig persists sc, creating it if new.
func (d *Directory) UpdateServerConfig(ctx context.Context, sc types.ServerConfig) error {
	body, err := json.Marshal(sc)
	if err != nil {
		return errs.Wrap(errs.Io, err, "directory: encode server config")
	}
	path := d.path("servers", sc.ServerID)
	exists, err := d.coord.Exists(ctx, path)
	if err != nil {
		return err
	}
	var newVersion int64
	if !exists {
		if err := d.coord.Create(ctx, path, body); err != nil {
			return err
		}
		newVersion = 0
	} else {
		newVersion, err = d.coord.Set(ctx, path, body, int64(sc.Version))
		if err != nil {
			return err
		}
	}
	sc.Version = uint64(newVersion)
	d.mu.Lock()
	d.servers[sc.ServerID] = sc
	cb := d.serverChangeCb
	d.mu.Unlock()
	if cb != nil {
		cb(sc)
	}
	return nil
}

// GetNamespaceConfig returns a cached namespace config. The cache only ever
// holds namespaces whose /ready sentinel was observed (readAllNamespaces and
// the per-namespace config watch both gate on it), so a namespace still
// mid-creation is NotFound here rather than partially visible.
func (d *Directory) GetNamespaceConfig(ns string) (types.NamespaceConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nc, ok := d.namespaces[ns]
	if !ok {
		return types.NamespaceConfig{}, errs.New(errs.NotFound, "directory: no such namespace: "+ns)
	}
	return nc, nil
}

// UpdateNamespaceConfig creates <ns>, <ns>/config, <ns>/tables on first
// use. Resolves spec.md §9's namespace-atomicity Open Question with a
// sentinel /ready node written last: a reader that observes /ready knows
// every sibling node landed.
func (d *Directory) UpdateNamespaceConfig(ctx context.Context, ns string, nc types.NamespaceConfig) error {
	nsPath := d.path("namespaces", ns)
	exists, err := d.coord.Exists(ctx, nsPath)
	if err != nil {
		return err
	}
	if !exists {
		if err := d.coord.Create(ctx, nsPath, nil); err != nil && !errs.IsAlreadyExists(err) {
			return err
		}
		if err := d.coord.Create(ctx, nsPath+"/tables", nil); err != nil && !errs.IsAlreadyExists(err) {
			return err
		}
	}

	body, err := json.Marshal(nc)
	if err != nil {
		return errs.Wrap(errs.Io, err, "directory: encode namespace config")
	}
	cfgPath := nsPath + "/config"
	cfgExists, err := d.coord.Exists(ctx, cfgPath)
	if err != nil {
		return err
	}
	var newVersion int64
	if !cfgExists {
		if err := d.coord.Create(ctx, cfgPath, body); err != nil {
			return err
		}
	} else {
		newVersion, err = d.coord.Set(ctx, cfgPath, body, int64(nc.Version))
		if err != nil {
			return err
		}
	}
	nc.Version = uint64(newVersion)

	if !exists {
		if err := d.coord.Create(ctx, nsPath+"/ready", nil); err != nil && !errs.IsAlreadyExists(err) {
			return err
		}
	}

	d.mu.Lock()
	d.namespaces[ns] = nc
	if _, ok := d.tables[ns]; !ok {
		d.tables[ns] = make(map[string]types.TableDefinition)
	}
	cb := d.namespaceCb
	d.mu.Unlock()
	if cb != nil {
		cb(nc)
	}
	return nil
}

// GetTableConfig returns a cached table definition.
func (d *Directory) GetTableConfig(ns, table string) (types.TableDefinition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byName, ok := d.tables[ns]
	if !ok {
		return types.TableDefinition{}, errs.New(errs.NotFound, "directory: no such namespace: "+ns)
	}
	td, ok := byName[table]
	if !ok {
		return types.TableDefinition{}, errs.New(errs.NotFound, "directory: no such table: "+table)
	}
	return td, nil
}

// ListTables lists every table definition cached for ns.
func (d *Directory) ListTables(ns string) []types.TableDefinition {
	d.mu.Lock()
	defer d.mu.Unlock()
	byName := d.tables[ns]
	out := make([]types.TableDefinition, 0, len(byName))
	for _, td := range byName {
		out = append(out, td)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateTableConfig persists td, creating it if new.
func (d *Directory) UpdateTableConfig(ctx context.Context, td types.TableDefinition) error {
	body, err := json.Marshal(td)
	if err != nil {
		return errs.Wrap(errs.Io, err, "directory: encode table definition")
	}
	path := d.path("namespaces", td.Namespace, "tables", td.Name)
	exists, err := d.coord.Exists(ctx, path)
	if err != nil {
		return err
	}
	var newVersion int64
	if !exists {
		if err := d.coord.Create(ctx, path, body); err != nil {
			return err
		}
	} else {
		newVersion, err = d.coord.Set(ctx, path, body, int64(td.Version))
		if err != nil {
			return err
		}
	}
	td.Version = uint64(newVersion)

	d.mu.Lock()
	if _, ok := d.tables[td.Namespace]; !ok {
		d.tables[td.Namespace] = make(map[string]types.TableDefinition)
	}
	d.tables[td.Namespace][td.Name] = td
	cb := d.tableCb
	d.mu.Unlock()
	if cb != nil {
		cb(td)
	}
	return nil
}

func (d *Directory) SetClusterChangeCallback(cb ClusterChangeCallback) {
	d.mu.Lock()
	d.clusterChangeCb = cb
	d.mu.Unlock()
}

func (d *Directory) SetServerChangeCallback(cb ServerChangeCallback) {
	d.mu.Lock()
	d.serverChangeCb = cb
	d.mu.Unlock()
}

func (d *Directory) SetNamespaceChangeCallback(cb NamespaceChangeCallback) {
	d.mu.Lock()
	d.namespaceCb = cb
	d.mu.Unlock()
}

func (d *Directory) SetTableChangeCallback(cb TableChangeCallback) {
	d.mu.Lock()
	d.tableCb = cb
	d.mu.Unlock()
}

// watchSessions follows the coordinator's session-state stream, moving the
// directory between CONNECTED and CONNECTION_LOST, and re-entering
// CONNECTING (forcing a full reload) on session expiry.
func (d *Directory) watchSessions() {
	for {
		select {
		case ev, ok := <-d.coord.Sessions():
			if !ok {
				return
			}
			switch ev.State {
			case coordinator.SessionDisconnected, coordinator.SessionConnecting:
				d.setState(StateConnectionLost)
			case coordinator.SessionConnected:
				d.setState(StateConnected)
			case coordinator.SessionExpired:
				d.setState(StateConnecting)
				if err := d.load(context.Background()); err == nil {
					d.setState(StateConnected)
				}
			}
		case <-d.closed:
			return
		}
	}
}

// Resync re-reads the node(s) affected by path and re-dispatches the
// corresponding callback. It implements spec.md §4.D's watch-dispatch path
// parsing; unknown paths are logged and ignored.
func (d *Directory) Resync(ctx context.Context, path string) {
	rel := strings.TrimPrefix(path, d.prefix)
	rel = strings.Trim(rel, "/")
	segments := strings.Split(rel, "/")

	switch {
	case rel == "config":
		if cfg, err := d.readClusterConfig(ctx); err == nil {
			d.mu.Lock()
			d.clusterConfig = cfg
			cb := d.clusterChangeCb
			d.mu.Unlock()
			if cb != nil {
				cb(cfg)
			}
		}

	case rel == "servers":
		if servers, err := d.readAllServers(ctx); err == nil {
			d.mu.Lock()
			d.servers = servers
			d.mu.Unlock()
		}

	case rel == "servers-live":
		if live, err := d.readLiveAddrs(ctx); err == nil {
			d.mu.Lock()
			d.liveAddrs = live
			d.mu.Unlock()
		}

	case len(segments) == 2 && segments[0] == "servers-live":
		if live, err := d.readLiveAddrs(ctx); err == nil {
			d.mu.Lock()
			d.liveAddrs = live
			d.mu.Unlock()
		}

	case len(segments) == 2 && segments[0] == "servers":
		id := segments[1]
		n, err := d.coord.Get(ctx, path)
		if err != nil {
			if errs.IsNotFound(err) {
				d.mu.Lock()
				delete(d.servers, id)
				d.mu.Unlock()
			}
			return
		}
		var sc types.ServerConfig
		if json.Unmarshal(n.Value, &sc) == nil {
			sc.Version = uint64(n.Version)
			d.mu.Lock()
			d.servers[id] = sc
			cb := d.serverChangeCb
			d.mu.Unlock()
			if cb != nil {
				cb(sc)
			}
		}

	case rel == "namespaces":
		if namespaces, tables, err := d.readAllNamespaces(ctx); err == nil {
			d.mu.Lock()
			d.namespaces = namespaces
			d.tables = tables
			d.mu.Unlock()
		}

	case len(segments) == 3 && segments[0] == "namespaces" && segments[2] == "config":
		ns := segments[1]
		// Same /ready gate as readAllNamespaces: a config watch can fire
		// before the namespace's /ready sentinel lands.
		if ready, err := d.coord.Exists(ctx, d.path("namespaces", ns, "ready")); err != nil || !ready {
			return
		}
		n, err := d.coord.Get(ctx, path)
		if err != nil {
			return
		}
		var nc types.NamespaceConfig
		if json.Unmarshal(n.Value, &nc) == nil {
			nc.Version = uint64(n.Version)
			d.mu.Lock()
			d.namespaces[ns] = nc
			cb := d.namespaceCb
			d.mu.Unlock()
			if cb != nil {
				cb(nc)
			}
		}

	case len(segments) == 3 && segments[0] == "namespaces" && segments[2] == "tables":
		ns := segments[1]
		tableNames, err := d.coord.ListChildren(ctx, path)
		if err != nil {
			return
		}
		byName := make(map[string]types.TableDefinition)
		for _, tname := range tableNames {
			n, err := d.coord.Get(ctx, path+"/"+tname)
			if err != nil {
				continue
			}
			var td types.TableDefinition
			if json.Unmarshal(n.Value, &td) == nil {
				td.Version = uint64(n.Version)
				byName[tname] = td
			}
		}
		d.mu.Lock()
		previous := d.tables[ns]
		d.tables[ns] = byName
		cb := d.tableCb
		d.mu.Unlock()
		if cb != nil {
			for tname, td := range byName {
				if old, ok := previous[tname]; !ok || old.Version != td.Version {
					cb(td)
				}
			}
		}

	case len(segments) == 4 && segments[0] == "namespaces" && segments[2] == "tables":
		ns, tname := segments[1], segments[3]
		n, err := d.coord.Get(ctx, path)
		if err != nil {
			if errs.IsNotFound(err) {
				d.mu.Lock()
				delete(d.tables[ns], tname)
				d.mu.Unlock()
			}
			return
		}
		var td types.TableDefinition
		if json.Unmarshal(n.Value, &td) == nil {
			td.Version = uint64(n.Version)
			d.mu.Lock()
			if _, ok := d.tables[ns]; !ok {
				d.tables[ns] = make(map[string]types.TableDefinition)
			}
			d.tables[ns][tname] = td
			cb := d.tableCb
			d.mu.Unlock()
			if cb != nil {
				cb(td)
			}
		}

	default:
		d.log.Warn().Str("path", path).Msg("directory: unrecognised watch path, ignoring")
	}
}

// Close releases the directory's coordinator session.
func (d *Directory) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.setState(StateClosed)
	})
	return d.coord.Close()
}
