// Package ingest implements the Ingestion Router (spec.md §4.H): for each
// record in an incoming batch it resolves a primary key and partition,
// groups records per partition, and fans the per-partition batch out to
// every replica in parallel. The fan-out-and-aggregate shape is grounded
// on the teacher's pkg/client/client.go, which dispatches one logical
// call across multiple warren agents and folds their responses; here the
// "agents" are a partition's replica set and the fold is a minimum-
// confirmation count instead of an all-or-nothing join.
package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/keyspace"
	"github.com/zhengshuxin/eventql/pkg/metaclient"
	"github.com/zhengshuxin/eventql/pkg/metrics"
	"github.com/zhengshuxin/eventql/pkg/types"
)

// Record is one flat input row, keyed by column name.
type Record map[string]interface{}

// ShreddedRecord is one record after primary-key assignment, ready to be
// appended to a partition's LSM writer (local target) or carried over the
// insert transport (remote target).
type ShreddedRecord struct {
	ID     [20]byte
	Values map[string]interface{}
}

// Target is a single replica's insert endpoint. A local replica's Target
// writes straight into its lsm.Writer; a remote replica's Target is backed
// by the insert transport of spec.md §6.
type Target interface {
	Insert(ctx context.Context, ns, table string, partitionID [20]byte, records []ShreddedRecord) error
}

// Resolver maps a server id to the Target used to reach it.
type Resolver func(serverID string) (Target, error)

// Router is the Ingestion Router of spec.md §4.H.
type Router struct {
	meta    *metaclient.Client
	resolve Resolver
}

// New builds a Router dispatching through resolve and resolving partitions
// through meta.
func New(meta *metaclient.Client, resolve Resolver) *Router {
	return &Router{meta: meta, resolve: resolve}
}

type batch struct {
	servers []string
	records []ShreddedRecord
}

// Route implements spec.md §4.H's four steps for a stream of records bound
// to (ns, table), then dispatches each partition's batch in parallel.
// minConfirm is the table's cluster's min_consistency (spec.md §3
// ClusterConfig.MinConsistency, defaulting to 1 if 0 is passed).
func (r *Router) Route(ctx context.Context, ns string, tbl *types.TableDefinition, records []Record, minConfirm int) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.IngestRequestDuration)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.IngestRequestsTotal.WithLabelValues(result).Inc()
	}()

	if minConfirm <= 0 {
		minConfirm = 1
	}
	if len(tbl.PrimaryKey) == 0 {
		return errs.New(errs.IllegalArgument, "ingest: table has no primary key columns")
	}

	batches := make(map[[20]byte]*batch)
	for _, rec := range records {
		pkey, err := ComputePartitionKey(tbl, rec)
		if err != nil {
			return err
		}

		id, err := primaryKeyHash(tbl.PrimaryKey, rec)
		if err != nil {
			return err
		}

		pid, servers, err := r.meta.FindPartition(ctx, ns, tbl.Name, pkey, tbl.MetadataServers)
		if err != nil {
			return err
		}

		b, ok := batches[pid]
		if !ok {
			b = &batch{servers: servers}
			batches[pid] = b
		}
		b.records = append(b.records, ShreddedRecord{ID: id, Values: rec})
	}

	type outcome struct {
		pid [20]byte
		err error
	}
	results := make(chan outcome, len(batches))
	var wg sync.WaitGroup
	for pid, b := range batches {
		wg.Add(1)
		go func(pid [20]byte, b *batch) {
			defer wg.Done()
			results <- outcome{pid, r.dispatch(ctx, ns, tbl.Name, pid, b, minConfirm)}
		}(pid, b)
	}
	wg.Wait()
	close(results)

	var errsOut []string
	for res := range results {
		if res.err != nil {
			errsOut = append(errsOut, fmt.Sprintf("%x: %v", res.pid, res.err))
		}
	}
	if len(errsOut) > 0 {
		return errs.New(errs.Io, "ingest: partitions failed: "+strings.Join(errsOut, "; "))
	}
	return nil
}

// dispatch fans b out to every server in b.servers in parallel, succeeding
// once at least minConfirm replicas confirm (spec.md §4.H "minimum
// confirmation"). On a shortfall the replica errors are aggregated into a
// single retryable error.
func (r *Router) dispatch(ctx context.Context, ns, table string, pid [20]byte, b *batch, minConfirm int) error {
	type result struct {
		server string
		err    error
	}
	results := make(chan result, len(b.servers))
	for _, s := range b.servers {
		go func(serverID string) {
			target, err := r.resolve(serverID)
			if err != nil {
				results <- result{serverID, err}
				return
			}
			results <- result{serverID, target.Insert(ctx, ns, table, pid, b.records)}
		}(s)
	}

	confirmed := 0
	var failures []string
	for range b.servers {
		res := <-results
		if res.err == nil {
			confirmed++
			continue
		}
		failures = append(failures, fmt.Sprintf("%s: %v", res.server, res.err))
	}
	if confirmed >= minConfirm {
		return nil
	}
	return errs.Wrap(errs.Io, fmt.Errorf("%s", strings.Join(failures, "; ")),
		"ingest: only %d/%d replicas confirmed partition %x, need %d", confirmed, len(b.servers), pid, minConfirm)
}

// ComputePartitionKey derives the encoded partition-map key for rec under
// tbl's partitioner (spec.md §4.H step 2's key-encoding half), exported so
// the split reconciliation path (pkg/reconcile) can classify a record
// against a split_point using the same derivation as live ingestion.
func ComputePartitionKey(tbl *types.TableDefinition, rec Record) ([]byte, error) {
	rawKey, ok := rec[tbl.PartitionKey]
	if !ok || rawKey == nil {
		return nil, errs.New(errs.NotFound, "ingest: missing partition key field: "+tbl.PartitionKey)
	}
	return keyspace.PartitionKey(keyspace.Partitioner(tbl.Partitioner), encodeValue(rawKey), tbl.PartitionWindowMicros)
}

// primaryKeyHash derives the 160-bit primary key per spec.md §4.H step 2:
// a single primary-key column hashes its value directly; multiple columns
// left-fold hash(prev || hash(col_i)).
func primaryKeyHash(pk []string, rec Record) ([20]byte, error) {
	first, err := fieldBytes(rec, pk[0])
	if err != nil {
		return [20]byte{}, err
	}
	acc := sha1.Sum(first)
	for _, name := range pk[1:] {
		v, err := fieldBytes(rec, name)
		if err != nil {
			return [20]byte{}, err
		}
		colHash := sha1.Sum(v)
		combined := make([]byte, 0, len(acc)+len(colHash))
		combined = append(combined, acc[:]...)
		combined = append(combined, colHash[:]...)
		acc = sha1.Sum(combined)
	}
	return acc, nil
}

func fieldBytes(rec Record, name string) ([]byte, error) {
	v, ok := rec[name]
	if !ok || v == nil {
		return nil, errs.New(errs.NotFound, "ingest: missing primary key field: "+name)
	}
	return encodeValue(v), nil
}

// encodeValue renders a column value to a byte string suitable for hashing
// and for keyspace.PartitionKey's UINT64 decode path.
func encodeValue(v interface{}) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	case uint64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, t)
		return buf
	case int64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(t))
		return buf
	case int:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(t))
		return buf
	case bool:
		if t {
			return []byte{1}
		}
		return []byte{0}
	case float64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(t))
		return buf
	default:
		return []byte(fmt.Sprintf("%v", t))
	}
}
