// Package metaclient implements the Metadata Coordinator & Client
// (spec.md §4.G): it owns the (txid, seq) timeline of every table's
// metadata file, across a quorum of metadata servers. The quorum-write /
// quorum-CAS shape is grounded on the teacher's pkg/client/client.go,
// which fans a single logical call out to multiple warren agents and
// aggregates their responses; here it fans a metadata write out to the
// servers listed in a table's metadata_servers.
package metaclient

import (
	"context"
	"sync"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/metadatafile"
	"github.com/zhengshuxin/eventql/pkg/metrics"
)

// Peer is one metadata server's view of a table's metadata file timeline.
// A local server implements this directly over its metadatastore.Store; a
// remote one implements it over the insert-transport's metadata RPCs
// (spec.md §4.Q).
type Peer interface {
	// PutFile writes file unconditionally — used for create (no existing
	// file expected); a failed create is rolled back through DeleteFile.
	PutFile(ctx context.Context, ns, table string, file *metadatafile.File) error

	// DeleteFile removes a previously written file, used to unwind a
	// partial create.
	DeleteFile(ctx context.Context, ns, table string, txnID [20]byte) error

	// FetchLatest returns this peer's highest (seq, txid) file for the
	// table, or NotFound if it holds none.
	FetchLatest(ctx context.Context, ns, table string) (*metadatafile.File, error)

	// CompareAndSwap installs newFile iff this peer's current latest file
	// has (prevTxnID, prevSeq); otherwise returns BadVersion.
	CompareAndSwap(ctx context.Context, ns, table string, prevTxnID [20]byte, prevSeq uint64, newFile *metadatafile.File) error
}

// Resolver maps a server id (as found in TableDefinition.MetadataServers)
// to the Peer used to reach it.
type Resolver func(serverID string) (Peer, error)

type tableKey struct{ ns, table string }

// Client is the Metadata Coordinator & Client described in spec.md §4.G.
type Client struct {
	resolve Resolver

	mu    sync.Mutex
	cache map[tableKey]*metadatafile.File
}

// New creates a Client that reaches metadata servers through resolve.
func New(resolve Resolver) *Client {
	return &Client{resolve: resolve, cache: make(map[tableKey]*metadatafile.File)}
}

func majority(n int) int { return n/2 + 1 }

// CreateFile writes file to every server in servers; all must succeed
// (quorum N of N). On partial success it rolls back by deleting the file
// from every server it did reach (spec.md §4.G).
func (c *Client) CreateFile(ctx context.Context, ns, table string, file *metadatafile.File, servers []string) error {
	type result struct {
		server string
		err    error
	}
	results := make(chan result, len(servers))
	for _, s := range servers {
		go func(serverID string) {
			peer, err := c.resolve(serverID)
			if err != nil {
				results <- result{serverID, err}
				return
			}
			results <- result{serverID, peer.PutFile(ctx, ns, table, file)}
		}(s)
	}

	var succeeded []string
	var firstErr error
	for range servers {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		succeeded = append(succeeded, r.server)
	}

	if firstErr != nil {
		for _, s := range succeeded {
			if peer, err := c.resolve(s); err == nil {
				_ = peer.DeleteFile(ctx, ns, table, file.TxnID)
			}
		}
		return errs.Wrap(errs.Io, firstErr, "metaclient: create_file failed on some servers, rolled back")
	}

	c.mu.Lock()
	c.cache[tableKey{ns, table}] = file
	c.mu.Unlock()
	return nil
}

// FetchLatest contacts every reachable server for the table and returns
// the file with the highest (seq, txid); stale reads are permitted
// (spec.md §4.G) but the CAS step later detects and rejects staleness.
func (c *Client) FetchLatest(ctx context.Context, ns, table string, servers []string) (*metadatafile.File, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MetadataFetchDuration)

	type result struct {
		file *metadatafile.File
		err  error
	}
	results := make(chan result, len(servers))
	for _, s := range servers {
		go func(serverID string) {
			peer, err := c.resolve(serverID)
			if err != nil {
				results <- result{nil, err}
				return
			}
			f, err := peer.FetchLatest(ctx, ns, table)
			results <- result{f, err}
		}(s)
	}

	var best *metadatafile.File
	var lastErr error
	for range servers {
		r := <-results
		if r.err != nil {
			lastErr = r.err
			continue
		}
		if best == nil || isNewer(r.file, best) {
			best = r.file
		}
	}
	if best == nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, errs.New(errs.NotFound, "metaclient: no metadata server returned a file")
	}

	c.mu.Lock()
	c.cache[tableKey{ns, table}] = best
	c.mu.Unlock()
	return best, nil
}

func isNewer(a, b *metadatafile.File) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	for i := range a.TxnID {
		if a.TxnID[i] != b.TxnID[i] {
			return a.TxnID[i] > b.TxnID[i]
		}
	}
	return false
}

// Advance performs a CAS-guarded update of the table's metadata file: the
// new file is installed on a server iff that server's current file is at
// (prevTxnID, prevSeq). It succeeds once a majority (floor(N/2)+1) of
// servers confirm; callers retry with fresh metadata on BadVersion
// (spec.md §4.G).
func (c *Client) Advance(ctx context.Context, ns, table string, prevTxnID [20]byte, prevSeq uint64, newFile *metadatafile.File, servers []string) error {
	type result struct {
		err error
	}
	results := make(chan result, len(servers))
	for _, s := range servers {
		go func(serverID string) {
			peer, err := c.resolve(serverID)
			if err != nil {
				results <- result{err}
				return
			}
			results <- result{peer.CompareAndSwap(ctx, ns, table, prevTxnID, prevSeq, newFile)}
		}(s)
	}

	confirmed := 0
	for range servers {
		r := <-results
		if r.err == nil {
			confirmed++
		}
	}
	if confirmed < majority(len(servers)) {
		metrics.MetadataAdvanceTotal.WithLabelValues("bad_version").Inc()
		return errs.New(errs.BadVersion, "metaclient: advance did not reach quorum, retry with fresh metadata")
	}
	metrics.MetadataAdvanceTotal.WithLabelValues("ok").Inc()

	c.mu.Lock()
	c.cache[tableKey{ns, table}] = newFile
	c.mu.Unlock()
	return nil
}

// FindPartition resolves a partition id and its replica set for an
// already-encoded partition key, using the locally cached metadata file
// and falling back to FetchLatest on a cache miss (spec.md §4.G).
func (c *Client) FindPartition(ctx context.Context, ns, table string, encodedKey []byte, servers []string) ([20]byte, []string, error) {
	c.mu.Lock()
	file := c.cache[tableKey{ns, table}]
	c.mu.Unlock()

	if file == nil {
		var err error
		file, err = c.FetchLatest(ctx, ns, table, servers)
		if err != nil {
			return [20]byte{}, nil, err
		}
	}

	entry, err := file.Lookup(encodedKey)
	if err != nil {
		return [20]byte{}, nil, err
	}
	return entry.PartitionID, entry.Servers, nil
}

// InvalidateCache drops the cached metadata file for (ns, table), forcing
// the next FindPartition to re-fetch.
func (c *Client) InvalidateCache(ns, table string) {
	c.mu.Lock()
	delete(c.cache, tableKey{ns, table})
	c.mu.Unlock()
}
