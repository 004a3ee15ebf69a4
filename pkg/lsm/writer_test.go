package lsm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhengshuxin/eventql/pkg/cstable"
	"github.com/zhengshuxin/eventql/pkg/types"
)

func testSchema() cstable.Schema {
	return cstable.NewSchema([]*types.Column{
		{Name: "event_time", LogicalType: types.LogicalUint64, StorageType: types.StorageUint64},
		{Name: "label", LogicalType: types.LogicalString, StorageType: types.StorageString, Optional: true},
	})
}

func openWriter(t *testing.T, thresh Thresholds) *Writer {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "p1")
	w, err := Open(dir, testSchema(), thresh)
	require.NoError(t, err)
	return w
}

func TestWrite_AssignsSequenceAndInserts(t *testing.T) {
	w := openWriter(t, Thresholds{MaxRows: 1000, MaxBytes: 1 << 20})
	ids, err := w.Write(context.Background(), []Record{
		{ID: [20]byte{1}, Values: map[string]interface{}{"event_time": uint64(100), "label": "a"}},
		{ID: [20]byte{2}, Values: map[string]interface{}{"event_time": uint64(200), "label": nil}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestWrite_SkipsDuplicateSequence(t *testing.T) {
	w := openWriter(t, Thresholds{MaxRows: 1000, MaxBytes: 1 << 20})
	_, err := w.Write(context.Background(), []Record{
		{ID: [20]byte{1}, Sequence: 5, Values: map[string]interface{}{"event_time": uint64(1), "label": "a"}},
	})
	require.NoError(t, err)

	ids, err := w.Write(context.Background(), []Record{
		{ID: [20]byte{1}, Sequence: 5, Values: map[string]interface{}{"event_time": uint64(1), "label": "a"}},
	})
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestWrite_RotatesOnRowThreshold(t *testing.T) {
	w := openWriter(t, Thresholds{MaxRows: 2, MaxBytes: 1 << 20})
	_, err := w.Write(context.Background(), []Record{
		{ID: [20]byte{1}, Values: map[string]interface{}{"event_time": uint64(1), "label": "a"}},
		{ID: [20]byte{2}, Values: map[string]interface{}{"event_time": uint64(2), "label": "b"}},
	})
	require.NoError(t, err)
	require.Len(t, w.man.SealedSequences, 1)
	require.Equal(t, 0, w.active.rowCount())
}

func TestCommit_SealsPartialSegment(t *testing.T) {
	w := openWriter(t, Thresholds{MaxRows: 1000, MaxBytes: 1 << 20})
	_, err := w.Write(context.Background(), []Record{
		{ID: [20]byte{1}, Values: map[string]interface{}{"event_time": uint64(1), "label": "a"}},
	})
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	require.Len(t, w.man.SealedSequences, 1)
}

func TestCompact_KeepsHighestSequencePerID(t *testing.T) {
	w := openWriter(t, Thresholds{MaxRows: 1, MaxBytes: 1 << 20})
	_, err := w.Write(context.Background(), []Record{
		{ID: [20]byte{1}, Values: map[string]interface{}{"event_time": uint64(1), "label": "old"}},
	})
	require.NoError(t, err)
	_, err = w.Write(context.Background(), []Record{
		{ID: [20]byte{1}, Sequence: w.seqCtr + 10, Values: map[string]interface{}{"event_time": uint64(1), "label": "new"}},
	})
	require.NoError(t, err)
	require.Len(t, w.man.SealedSequences, 2)

	require.NoError(t, w.Compact(context.Background()))
	require.Len(t, w.man.SealedSequences, 1)

	var seen []string
	require.NoError(t, w.Iterate(func(r Record) error {
		seen = append(seen, r.Values["label"].(string))
		return nil
	}))
	require.Equal(t, []string{"new"}, seen)
}

func TestOpen_RestoresSequenceAndDedupState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "p1")
	w, err := Open(dir, testSchema(), Thresholds{MaxRows: 1000, MaxBytes: 1 << 20})
	require.NoError(t, err)
	_, err = w.Write(context.Background(), []Record{
		{ID: [20]byte{1}, Values: map[string]interface{}{"event_time": uint64(1), "label": "a"}},
	})
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	reopened, err := Open(dir, testSchema(), Thresholds{MaxRows: 1000, MaxBytes: 1 << 20})
	require.NoError(t, err)
	ids, err := reopened.Write(context.Background(), []Record{
		{ID: [20]byte{1}, Sequence: reopened.lastSeq[[20]byte{1}], Values: map[string]interface{}{"event_time": uint64(1), "label": "a"}},
	})
	require.NoError(t, err)
	require.Empty(t, ids, "a replayed write at an already-applied sequence must be skipped after reopen")
}
