// Package lsm implements the per-partition LSM write/compaction state
// machine (spec.md §4.F): shredded records are appended to an open column
// segment, rotated on size/row thresholds or explicit Commit, and merged
// by Compact preserving only the highest-sequence row per primary key.
// The segment-rotation and manifest write-new-then-rename discipline is
// grounded on the teacher's pkg/storage/boltdb.go commit pattern,
// generalised from a single bbolt file to a directory of sealed cstable
// segments per spec.md §6's on-disk layout.
package lsm

import (
	"context"
	"os"
	"sync"

	"github.com/zhengshuxin/eventql/pkg/cstable"
	"github.com/zhengshuxin/eventql/pkg/errs"
)

// State is a partition writer's position in spec.md §4.F's state machine:
// UNLOADED -> LOADING -> LIVE -> {COMPACTING, SPLITTING} -> LIVE ->
// UNLOADING -> UNLOADED.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLive
	StateCompacting
	StateSplitting
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "UNLOADED"
	case StateLoading:
		return "LOADING"
	case StateLive:
		return "LIVE"
	case StateCompacting:
		return "COMPACTING"
	case StateSplitting:
		return "SPLITTING"
	case StateUnloading:
		return "UNLOADING"
	default:
		return "UNKNOWN"
	}
}

// Thresholds bound when an open segment rotates.
type Thresholds struct {
	MaxRows  int
	MaxBytes int64
}

// DefaultThresholds matches a conservative per-segment size before a
// rotation is forced.
var DefaultThresholds = Thresholds{MaxRows: 65536, MaxBytes: 64 << 20}

// Record is one shredded input row bound for a partition. Sequence == 0
// asks the writer to assign the next value from its monotonic counter;
// a caller that already knows the sequence (a replica replaying a
// replicated write) passes it explicitly so retries are idempotent
// (spec.md §4.F "duplicates... are skipped").
type Record struct {
	ID       [20]byte
	Sequence uint64
	IsUpdate bool
	Values   map[string]interface{}
}

// Writer is the exclusive, single-writer-per-partition LSM state machine.
type Writer struct {
	dir    string
	schema cstable.Schema
	thresh Thresholds

	mu       sync.Mutex
	state    State
	man      manifest
	active   *builder
	seqCtr   uint64
	lastSeq  map[[20]byte]uint64
}

// Open loads (or initializes) a partition writer rooted at dir, creating dir
// if it does not exist (spec.md §6: `<data_dir>/<ns>/<table>/<hex_pid>/`).
func Open(dir string, schema cstable.Schema, thresh Thresholds) (*Writer, error) {
	if thresh.MaxRows == 0 && thresh.MaxBytes == 0 {
		thresh = DefaultThresholds
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.Wrap(errs.Io, err, "lsm: mkdir partition dir")
	}
	w := &Writer{
		dir:     dir,
		schema:  schema,
		thresh:  thresh,
		state:   StateLoading,
		lastSeq: make(map[[20]byte]uint64),
	}
	man, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}
	w.man = man
	w.seqCtr = man.ActiveSequence

	// Re-derive dedup state and the sequence counter from what's already
	// sealed, so a restart doesn't re-admit already-applied writes.
	for _, seq := range man.SealedSequences {
		recs, err := readSegment(segmentPath(dir, seq), schema)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if w.lastSeq[r.ID] < r.Sequence {
				w.lastSeq[r.ID] = r.Sequence
			}
			if r.Sequence >= w.seqCtr {
				w.seqCtr = r.Sequence + 1
			}
		}
	}
	w.active = newBuilder(schema)
	w.state = StateLive
	return w, nil
}

// State reports the writer's current lifecycle position.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Write appends records to the currently open segment, assigning fresh
// sequence numbers where Record.Sequence == 0, skipping anything whose
// (id, sequence) is already covered, and rotating the segment if
// thresholds are crossed. It returns the ids actually inserted.
func (w *Writer) Write(_ context.Context, records []Record) ([][20]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateLive && w.state != StateCompacting && w.state != StateSplitting {
		return nil, errs.New(errs.IllegalState, "lsm: partition not writable: "+w.state.String())
	}

	var inserted [][20]byte
	for _, rec := range records {
		seq := rec.Sequence
		if seq == 0 {
			seq = w.nextSeqLocked()
		} else if seq > w.seqCtr {
			w.seqCtr = seq
		}

		if last, ok := w.lastSeq[rec.ID]; ok && seq <= last {
			continue
		}
		if err := w.active.appendRow(rec.ID, seq, rec.IsUpdate, rec.Values); err != nil {
			return inserted, err
		}
		w.lastSeq[rec.ID] = seq
		inserted = append(inserted, rec.ID)
	}

	if w.active.rowCount() >= w.thresh.MaxRows || w.active.estBytes >= w.thresh.MaxBytes {
		if err := w.rotateLocked(); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

// Commit explicitly seals the active segment even if thresholds haven't
// been crossed (spec.md §4.F "when commit() is explicitly invoked").
func (w *Writer) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active.rowCount() == 0 {
		return nil
	}
	return w.rotateLocked()
}

// nextSeqLocked hands out the next value in the partition's single
// monotonic sequence space, shared by record __lsm_sequence values and
// segment ids alike so neither can ever collide. Called with w.mu held.
func (w *Writer) nextSeqLocked() uint64 {
	w.seqCtr++
	return w.seqCtr
}

// rotateLocked seals the active builder to disk, updates and fsyncs the
// manifest, and opens a fresh builder. Called with w.mu held.
func (w *Writer) rotateLocked() error {
	seq := w.nextSeqLocked()
	path := segmentPath(w.dir, seq)
	if err := w.active.seal(path); err != nil {
		return err
	}
	w.man.SealedSequences = append(w.man.SealedSequences, seq)
	w.man.ActiveSequence = w.seqCtr
	if err := saveManifest(w.dir, w.man); err != nil {
		// spec.md §4.F: a writer that cannot fsync its manifest returns a
		// fatal error and the partition transitions out of LIVE.
		w.state = StateUnloading
		return err
	}
	w.active = newBuilder(w.schema)
	return nil
}

// Compact merges every sealed segment into one, keeping only the
// highest-sequence row per primary key, then atomically swaps the
// manifest and unlinks the superseded segments (spec.md §4.F
// "Compaction").
func (w *Writer) Compact(_ context.Context) error {
	w.mu.Lock()
	if w.state != StateLive {
		w.mu.Unlock()
		return errs.New(errs.IllegalState, "lsm: compaction requires LIVE state")
	}
	w.state = StateCompacting
	sealed := append([]uint64(nil), w.man.SealedSequences...)
	dir, schema := w.dir, w.schema
	w.mu.Unlock()

	if len(sealed) < 2 {
		w.mu.Lock()
		w.state = StateLive
		w.mu.Unlock()
		return nil
	}

	best := make(map[[20]byte]storedRecord)
	for _, seq := range sealed {
		recs, err := readSegment(segmentPath(dir, seq), schema)
		if err != nil {
			w.mu.Lock()
			w.state = StateLive
			w.mu.Unlock()
			return err
		}
		for _, r := range recs {
			if cur, ok := best[r.ID]; !ok || r.Sequence > cur.Sequence {
				best[r.ID] = r
			}
		}
	}

	w.mu.Lock()
	newSeq := w.nextSeqLocked()
	w.man.ActiveSequence = w.seqCtr
	w.mu.Unlock()

	b := newBuilder(schema)
	for _, r := range best {
		if err := b.appendRow(r.ID, r.Sequence, r.IsUpdate, r.Values); err != nil {
			w.mu.Lock()
			w.state = StateLive
			w.mu.Unlock()
			return err
		}
	}
	newPath := segmentPath(dir, newSeq)
	if err := b.seal(newPath); err != nil {
		w.mu.Lock()
		w.state = StateLive
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	w.man.SealedSequences = append([]uint64{newSeq}, diff(w.man.SealedSequences, sealed)...)
	if err := saveManifest(w.dir, w.man); err != nil {
		// Fatal per spec.md §4.F: the manifest fsync failed, so the sealed
		// segments on disk may no longer match what the manifest records.
		// The partition is moved out of LIVE rather than left accepting
		// further writes against a manifest that might not match reality.
		w.state = StateUnloading
		w.mu.Unlock()
		return err
	}
	w.state = StateLive
	w.mu.Unlock()

	// Old segments are unlinked only after the manifest fsync succeeds
	// (spec.md §4.F).
	for _, seq := range sealed {
		_ = os.Remove(segmentPath(dir, seq))
	}
	return nil
}

func diff(all, remove []uint64) []uint64 {
	removeSet := make(map[uint64]bool, len(remove))
	for _, v := range remove {
		removeSet[v] = true
	}
	var out []uint64
	for _, v := range all {
		if !removeSet[v] {
			out = append(out, v)
		}
	}
	return out
}

// Iterate scans every durably written row across sealed segments (and the
// currently open one is not included, since it is not yet durable),
// invoking fn for each. It is used by the split/reconcile path to copy
// records into newly created sibling partitions (spec.md §4.F split steps
// 2-3).
func (w *Writer) Iterate(fn func(Record) error) error {
	w.mu.Lock()
	sealed := append([]uint64(nil), w.man.SealedSequences...)
	dir, schema := w.dir, w.schema
	w.mu.Unlock()

	for _, seq := range sealed {
		recs, err := readSegment(segmentPath(dir, seq), schema)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := fn(Record{ID: r.ID, Sequence: r.Sequence, IsUpdate: r.IsUpdate, Values: r.Values}); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetState forces a lifecycle transition, used by the reconcile loop to
// drive UNLOADING/SPLITTING per spec.md §4.F.
func (w *Writer) SetState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// SequenceWatermark returns the highest sequence number written so far,
// including rows still in the unsealed active segment, used by the split protocol to detect when a target partition has
// caught up to the source (spec.md §4.F step 3).
func (w *Writer) SequenceWatermark() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	max := uint64(0)
	for _, v := range w.lastSeq {
		if v > max {
			max = v
		}
	}
	return max
}

// Dir returns the partition's on-disk directory.
func (w *Writer) Dir() string { return w.dir }

// SealedSegmentCount reports how many sealed segments back this partition,
// used by the reconcile loop to decide when to trigger compaction.
func (w *Writer) SealedSegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.man.SealedSequences)
}
