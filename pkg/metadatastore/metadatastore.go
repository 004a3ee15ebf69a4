// Package metadatastore caches immutable metadata files on disk and in
// memory, bounded by both byte size and entry count with LRU eviction
// (spec.md §4.C). The bucket-per-(ns,table) / key-per-txid layout and the
// CRUD shape are grounded on the teacher's pkg/storage/boltdb.go; the
// doubly-linked-list LRU with separate commit and cache-index mutexes is
// grounded on original_source's eventql/db/metadata_store.h.
package metadatastore

import (
	"bytes"
	"container/list"
	"encoding/hex"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/metadatafile"
)

const (
	// DefaultMaxBytes mirrors metadata_store.h's kDefaultMaxBytes (256 MB).
	DefaultMaxBytes int64 = 256 * 1024 * 1024
	// DefaultMaxEntries mirrors metadata_store.h's kDefaultMaxEntries.
	DefaultMaxEntries int = 1024
)

var rootBucket = []byte("metadata_files")

type cacheKey struct {
	ns, table, txid string
}

func (k cacheKey) String() string { return k.ns + "/" + k.table + "/" + k.txid }

type cacheEntry struct {
	key  cacheKey
	file *metadatafile.File
	size int64
}

// Store is the on-disk+in-memory cache of metadata files described in
// spec.md §4.C.
type Store struct {
	db *bolt.DB

	// commitMu serialises on-disk writes, per spec.md §5 "Metadata Store: a
	// dedicated commit_mutex serialises on-disk writes".
	commitMu sync.Mutex

	// cacheMu guards the in-memory index, kept separate from commitMu so
	// cache reads don't contend with disk writers.
	cacheMu    sync.Mutex
	index      map[string]*list.Element // cacheKey.String() -> lru element
	lru        *list.List               // front = most recently used
	sizeBytes  int64
	maxBytes   int64
	maxEntries int
}

// Open creates (or opens) the on-disk bbolt database at path and returns a
// Store bounded by maxBytes/maxEntries (0 selects the defaults).
func Open(path string, maxBytes int64, maxEntries int) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "metadatastore: open")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Io, err, "metadatastore: create bucket")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		db:         db,
		index:      make(map[string]*list.Element),
		lru:        list.New(),
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func diskKey(ns, table, txid string) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%s", ns, table, txid))
}

func hexTxID(txid [20]byte) string { return hex.EncodeToString(txid[:]) }

// Has reports whether the store already holds (ns, table, txid), checking
// the in-memory index first and falling back to disk.
func (s *Store) Has(ns, table string, txid [20]byte) bool {
	k := cacheKey{ns, table, hexTxID(txid)}
	s.cacheMu.Lock()
	_, ok := s.index[k.String()]
	s.cacheMu.Unlock()
	if ok {
		return true
	}
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		found = b.Get(diskKey(ns, table, k.txid)) != nil
		return nil
	})
	return found
}

// Get returns the metadata file for (ns, table, txid), reading from disk
// on a cache miss and inserting the result at the head of the LRU.
func (s *Store) Get(ns, table string, txid [20]byte) (*metadatafile.File, error) {
	k := cacheKey{ns, table, hexTxID(txid)}

	s.cacheMu.Lock()
	if el, ok := s.index[k.String()]; ok {
		s.lru.MoveToFront(el)
		f := el.Value.(*cacheEntry).file
		s.cacheMu.Unlock()
		return f, nil
	}
	s.cacheMu.Unlock()

	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		v := b.Get(diskKey(ns, table, k.txid))
		if v == nil {
			return errs.New(errs.NotFound, "metadatastore: no such metadata file")
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	file, err := metadatafile.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	s.insertIntoCache(k, file, int64(len(raw)))
	return file, nil
}

// Store persists file under (ns, table, its own txid) and inserts it into
// the cache. Stored files are never mutated; a new txid always produces a
// new disk key (spec.md §4.C policy).
func (s *Store) Store(ns, table string, file *metadatafile.File) error {
	k := cacheKey{ns, table, hexTxID(file.TxnID)}

	var buf bytes.Buffer
	if err := file.Encode(&buf); err != nil {
		return err
	}

	s.commitMu.Lock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		return b.Put(diskKey(ns, table, k.txid), buf.Bytes())
	})
	s.commitMu.Unlock()
	if err != nil {
		return errs.Wrap(errs.Io, err, "metadatastore: put")
	}

	s.insertIntoCache(k, file, int64(buf.Len()))
	return nil
}

// CacheSize reports the in-memory cache's current byte size.
func (s *Store) CacheSize() int64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.sizeBytes
}

func (s *Store) insertIntoCache(k cacheKey, file *metadatafile.File, size int64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if el, ok := s.index[k.String()]; ok {
		old := el.Value.(*cacheEntry)
		s.sizeBytes -= old.size
		el.Value = &cacheEntry{key: k, file: file, size: size}
		s.sizeBytes += size
		s.lru.MoveToFront(el)
	} else {
		el := s.lru.PushFront(&cacheEntry{key: k, file: file, size: size})
		s.index[k.String()] = el
		s.sizeBytes += size
	}

	for (s.sizeBytes > s.maxBytes || s.lru.Len() > s.maxEntries) && s.lru.Len() > 0 {
		back := s.lru.Back()
		entry := back.Value.(*cacheEntry)
		s.lru.Remove(back)
		delete(s.index, entry.key.String())
		s.sizeBytes -= entry.size
	}
}
