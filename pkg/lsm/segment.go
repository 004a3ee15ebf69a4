package lsm

import (
	"os"

	"github.com/zhengshuxin/eventql/pkg/cstable"
	"github.com/zhengshuxin/eventql/pkg/errs"
)

// builder wraps a cstable.Writer for one open (not yet sealed) segment,
// tracking row/byte estimates used for rotation decisions (spec.md §4.F
// "rotated when size or record-count thresholds are crossed").
type builder struct {
	schema    cstable.Schema
	w         *cstable.Writer
	estBytes  int64
	firstSeq  uint64
	lastSeq   uint64
}

func newBuilder(schema cstable.Schema) *builder {
	return &builder{schema: schema, w: cstable.Create(cstable.WithLSMColumns(schema))}
}

// appendRow shreds one flat record into the active segment, writing the
// synthetic __lsm_id/__lsm_sequence/__lsm_is_update columns alongside the
// user columns (spec.md glossary "Record").
func (b *builder) appendRow(id [20]byte, seq uint64, isUpdate bool, values map[string]interface{}) error {
	idCol, err := b.w.Column(cstable.ColumnLSMID)
	if err != nil {
		return err
	}
	if err := idCol.Write(0, 0, id[:]); err != nil {
		return err
	}
	seqCol, err := b.w.Column(cstable.ColumnLSMSequence)
	if err != nil {
		return err
	}
	if err := seqCol.Write(0, 0, seq); err != nil {
		return err
	}
	updCol, err := b.w.Column(cstable.ColumnLSMIsUpdate)
	if err != nil {
		return err
	}
	if err := updCol.Write(0, 0, isUpdate); err != nil {
		return err
	}

	for _, spec := range b.schema {
		col, err := b.w.Column(spec.Name)
		if err != nil {
			return err
		}
		v, present := values[spec.Name]
		if !present || v == nil {
			if !spec.Optional {
				return errs.New(errs.IllegalArgument, "lsm: missing required column: "+spec.Name)
			}
			if err := col.Write(0, 0, nil); err != nil {
				return err
			}
			continue
		}
		dlvl := uint8(0)
		if spec.Optional {
			dlvl = spec.MaxDefinitionLevel
		}
		if err := col.Write(0, dlvl, v); err != nil {
			return err
		}
		b.estBytes += estimateSize(v)
	}

	if err := b.w.AddRow(); err != nil {
		return err
	}
	if b.firstSeq == 0 || seq < b.firstSeq {
		b.firstSeq = seq
	}
	if seq > b.lastSeq {
		b.lastSeq = seq
	}
	return nil
}

func estimateSize(v interface{}) int64 {
	switch t := v.(type) {
	case string:
		return int64(len(t)) + 8
	case []byte:
		return int64(len(t)) + 8
	default:
		return 16
	}
}

func (b *builder) rowCount() int { return b.w.RowCount() }

// seal writes the segment to path, fsyncing before returning so the
// manifest update that follows can safely reference it.
func (b *builder) seal(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.Io, err, "lsm: create segment file")
	}
	defer f.Close()
	if err := b.w.Commit(f); err != nil {
		return err
	}
	return f.Sync()
}

// readSegment opens a sealed segment and returns every row as
// (id, sequence, isUpdate, values).
func readSegment(path string, schema cstable.Schema) ([]storedRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "lsm: open segment")
	}
	defer f.Close()

	r, err := cstable.Open(f)
	if err != nil {
		return nil, err
	}

	idCol, err := r.Column(cstable.ColumnLSMID)
	if err != nil {
		return nil, err
	}
	seqCol, err := r.Column(cstable.ColumnLSMSequence)
	if err != nil {
		return nil, err
	}
	updCol, err := r.Column(cstable.ColumnLSMIsUpdate)
	if err != nil {
		return nil, err
	}
	cols := make([]*cstable.ColumnReader, len(schema))
	for i, spec := range schema {
		cols[i], err = r.Column(spec.Name)
		if err != nil {
			return nil, err
		}
	}

	out := make([]storedRecord, 0, r.RowCount)
	for i := 0; i < r.RowCount; i++ {
		_, _, idVal, ok := idCol.Next()
		if !ok {
			break
		}
		_, _, seqVal, _ := seqCol.Next()
		_, _, updVal, _ := updCol.Next()

		rec := storedRecord{
			Sequence: seqVal.(uint64),
			IsUpdate: updVal.(bool),
			Values:   make(map[string]interface{}, len(schema)),
		}
		copy(rec.ID[:], []byte(idVal.(string)))
		for j, spec := range schema {
			_, _, v, _ := cols[j].Next()
			rec.Values[spec.Name] = v
		}
		out = append(out, rec)
	}
	return out, nil
}

// storedRecord is one decoded row read back from a sealed segment.
type storedRecord struct {
	ID       [20]byte
	Sequence uint64
	IsUpdate bool
	Values   map[string]interface{}
}
