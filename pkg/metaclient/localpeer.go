package metaclient

import (
	"context"
	"sync"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/metadatafile"
	"github.com/zhengshuxin/eventql/pkg/metadatastore"
)

// LocalPeer implements Peer against this server's own metadatastore.Store,
// adding the (seq, txid) "latest" pointer per table that the blob cache
// itself does not track (metadatastore only ever stores immutable files
// keyed by their own txid). It is what a metadata server hands to its own
// metaclient.Client so a write that happens to resolve to "self" never
// leaves the process.
type LocalPeer struct {
	store *metadatastore.Store

	mu     sync.Mutex
	latest map[tableKey]*metadatafile.File
}

// NewLocalPeer wraps store, tracking the latest file per table in memory.
func NewLocalPeer(store *metadatastore.Store) *LocalPeer {
	return &LocalPeer{store: store, latest: make(map[tableKey]*metadatafile.File)}
}

func (p *LocalPeer) PutFile(_ context.Context, ns, table string, file *metadatafile.File) error {
	if err := p.store.Store(ns, table, file); err != nil {
		return err
	}
	k := tableKey{ns, table}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.latest[k]; !ok || isNewer(file, cur) {
		p.latest[k] = file
	}
	return nil
}

func (p *LocalPeer) DeleteFile(_ context.Context, ns, table string, txnID [20]byte) error {
	k := tableKey{ns, table}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.latest[k]; ok && cur.TxnID == txnID {
		delete(p.latest, k)
	}
	// The backing store keeps the blob for audit/recovery; only the
	// "latest" pointer needs to move for rollback to take effect.
	return nil
}

func (p *LocalPeer) FetchLatest(_ context.Context, ns, table string) (*metadatafile.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.latest[tableKey{ns, table}]
	if !ok {
		return nil, errs.New(errs.NotFound, "metaclient: no metadata file for "+ns+"/"+table)
	}
	return f, nil
}

func (p *LocalPeer) CompareAndSwap(_ context.Context, ns, table string, prevTxnID [20]byte, prevSeq uint64, newFile *metadatafile.File) error {
	k := tableKey{ns, table}
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.latest[k]
	if ok && (cur.TxnID != prevTxnID || cur.Seq != prevSeq) {
		return errs.New(errs.BadVersion, "metaclient: local peer latest file changed concurrently")
	}
	if !ok && (prevSeq != 0 || prevTxnID != ([20]byte{})) {
		return errs.New(errs.BadVersion, "metaclient: local peer has no file to compare against")
	}
	if err := p.store.Store(ns, table, newFile); err != nil {
		return err
	}
	p.latest[k] = newFile
	return nil
}
