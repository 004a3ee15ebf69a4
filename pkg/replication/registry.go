// Package replication owns the set of partitions this server currently
// replicates: it loads an lsm.Writer per partition directory, applies
// locally-bound inserts to it, and serves the remote side of the insert
// transport (spec.md §6) for partitions loaded elsewhere. The
// id-to-handle registry shape, guarded by a single RWMutex with
// Load/Unload/lookup methods, is grounded on the teacher's
// pkg/worker.Worker.containers — there a worker tracks the containers it
// runs locally by ID; here a server tracks the partitions it replicates
// locally by partition ID.
package replication

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhengshuxin/eventql/pkg/cstable"
	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/ingest"
	"github.com/zhengshuxin/eventql/pkg/lsm"
	"github.com/zhengshuxin/eventql/pkg/reconcile"
	"github.com/zhengshuxin/eventql/pkg/types"
)

type key struct {
	ns, table string
	pid       [20]byte
}

// Registry tracks the lsm.Writer handles this server holds open, keyed by
// (namespace, table, partition id). It implements ingest.Target (so this
// server's own partitions can be written without going over the network)
// and transport.LocalInsertFunc's signature (so the insert transport's
// HTTP handler can apply a remote replica's writes directly).
type Registry struct {
	dataDir string
	recon   *reconcile.Reconciler
	log     zerolog.Logger

	mu      sync.RWMutex
	writers map[key]*lsm.Writer
}

// New builds a Registry rooted at dataDir. Loaded writers are tracked
// with recon so they are swept for compaction; recon may be nil in tests.
func New(dataDir string, recon *reconcile.Reconciler, log zerolog.Logger) *Registry {
	return &Registry{
		dataDir: dataDir,
		recon:   recon,
		log:     log.With().Str("component", "replication").Logger(),
		writers: make(map[key]*lsm.Writer),
	}
}

// partitionDir matches spec.md §6's on-disk layout:
// <data_dir>/<ns>/<table>/<hex_pid>/
func (r *Registry) partitionDir(ns, table string, pid [20]byte) string {
	return filepath.Join(r.dataDir, ns, table, hexPID(pid))
}

// Load opens (or re-opens) the writer for a partition this server now
// replicates, registering it with the compaction sweep. Calling Load
// again for an already-loaded partition is a no-op returning the existing
// writer, so join-on-split and steady-state startup can share one path.
func (r *Registry) Load(td *types.TableDefinition, pid [20]byte) (*lsm.Writer, error) {
	k := key{td.Namespace, td.Name, pid}

	r.mu.Lock()
	if w, ok := r.writers[k]; ok {
		r.mu.Unlock()
		return w, nil
	}
	r.mu.Unlock()

	schema := cstable.WithLSMColumns(cstable.NewSchema(td.Schema))
	w, err := lsm.Open(r.partitionDir(td.Namespace, td.Name, pid), schema, lsm.DefaultThresholds)
	if err != nil {
		return nil, err
	}
	w.SetState(lsm.StateLive)

	r.mu.Lock()
	r.writers[k] = w
	r.mu.Unlock()

	if r.recon != nil {
		r.recon.Track(&reconcile.Tracked{Namespace: td.Namespace, Table: td.Name, PartitionID: pid, Writer: w})
	}
	r.log.Info().Str("namespace", td.Namespace).Str("table", td.Name).Str("partition", hexPID(pid)).Msg("partition loaded")
	return w, nil
}

// Unload drops a partition this server no longer replicates (spec.md
// §4.F's UNLOADING state, reached after a split or a rebalance moves the
// partition's owning set elsewhere).
func (r *Registry) Unload(ns, table string, pid [20]byte) {
	k := key{ns, table, pid}
	r.mu.Lock()
	w, ok := r.writers[k]
	if ok {
		delete(r.writers, k)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if r.recon != nil {
		r.recon.Untrack(pid)
	}
	r.log.Info().Str("namespace", ns).Str("table", table).Str("partition", hexPID(pid)).Msg("partition unloaded")
}

func (r *Registry) lookup(ns, table string, pid [20]byte) (*lsm.Writer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.writers[key{ns, table, pid}]
	return w, ok
}

// Apply implements transport.LocalInsertFunc: it applies a decoded batch
// (local or carried over the insert transport) to the named partition's
// writer.
func (r *Registry) Apply(ctx context.Context, ns, table string, pid [20]byte, records []ingest.ShreddedRecord) error {
	w, ok := r.lookup(ns, table, pid)
	if !ok {
		return errs.New(errs.NotFound, "replication: partition not loaded locally: "+hexPID(pid))
	}
	lsmRecords := make([]lsm.Record, len(records))
	for i, rec := range records {
		lsmRecords[i] = lsm.Record{ID: rec.ID, Values: rec.Values}
	}
	_, err := w.Write(ctx, lsmRecords)
	return err
}

// Insert implements ingest.Target for this server's own partitions,
// letting the Ingestion Router dispatch to a local replica the same way
// it dispatches to a remote one (spec.md §4.H).
func (r *Registry) Insert(ctx context.Context, ns, table string, pid [20]byte, records []ingest.ShreddedRecord) error {
	return r.Apply(ctx, ns, table, pid, records)
}

func hexPID(pid [20]byte) string {
	return hex.EncodeToString(pid[:])
}
