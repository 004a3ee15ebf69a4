package cstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/types"
)

// triple is one physical (repetition_level, definition_level, value?)
// entry (spec.md §3 "Record").
type triple struct {
	rlvl, dlvl uint8
	value      interface{} // nil iff dlvl < spec.MaxDefinitionLevel
}

// ColumnWriter accepts (rlvl, dlvl, value) triples for one column.
type ColumnWriter struct {
	spec    ColumnSpec
	triples []triple
	sinceRow int
}

// Write appends one physical entry. value must be nil when dlvl is less
// than the column's MaxDefinitionLevel (the value is absent/null).
func (c *ColumnWriter) Write(rlvl, dlvl uint8, value interface{}) error {
	if dlvl > c.spec.MaxDefinitionLevel {
		return errs.New(errs.IllegalArgument, fmt.Sprintf(
			"column %s: dlvl %d exceeds max %d", c.spec.Name, dlvl, c.spec.MaxDefinitionLevel))
	}
	if rlvl > c.spec.MaxRepetitionLevel {
		return errs.New(errs.IllegalArgument, fmt.Sprintf(
			"column %s: rlvl %d exceeds max %d", c.spec.Name, rlvl, c.spec.MaxRepetitionLevel))
	}
	if dlvl < c.spec.MaxDefinitionLevel && value != nil {
		return errs.New(errs.IllegalArgument, fmt.Sprintf(
			"column %s: value must be nil when dlvl < max", c.spec.Name))
	}
	c.triples = append(c.triples, triple{rlvl: rlvl, dlvl: dlvl, value: value})
	c.sinceRow++
	return nil
}

// Writer accumulates rows across all of a schema's columns and seals them
// into a single cstable file on Commit.
type Writer struct {
	schema Schema
	cols   map[string]*ColumnWriter
	order  []string
	rows   int
}

// Create starts a new in-memory column file writer for schema. Per spec.md
// §4.A, callers obtain per-column writers, feed triples, and call AddRow()
// at each logical row boundary.
func Create(schema Schema) *Writer {
	w := &Writer{
		schema: schema,
		cols:   make(map[string]*ColumnWriter, len(schema)),
		order:  make([]string, 0, len(schema)),
	}
	for _, spec := range schema {
		w.cols[spec.Name] = &ColumnWriter{spec: spec}
		w.order = append(w.order, spec.Name)
	}
	return w
}

// Column returns the writer for the named column.
func (w *Writer) Column(name string) (*ColumnWriter, error) {
	c, ok := w.cols[name]
	if !ok {
		return nil, errs.New(errs.NotFound, "cstable: no such column: "+name)
	}
	return c, nil
}

// AddRow closes out the current logical row: every column must have
// received at least one triple since the previous AddRow call (spec.md
// §4.A invariant: "add_row() is the only synchronisation point across
// columns"). Repeated columns may have emitted more than one.
func (w *Writer) AddRow() error {
	for _, name := range w.order {
		c := w.cols[name]
		if c.sinceRow == 0 {
			return errs.New(errs.IllegalState, fmt.Sprintf(
				"cstable: column %s received no value for row %d", name, w.rows))
		}
		c.sinceRow = 0
	}
	w.rows++
	return nil
}

// RowCount returns the number of rows committed so far via AddRow.
func (w *Writer) RowCount() int { return w.rows }

// Commit flushes and seals the file to dst. The format is: magic, version,
// row count, column count, then per-column { name, storage type, flags,
// max levels, entry count } headers, then each column's triple stream in
// order (grounded on cstable_benchmark.cc's plain-encoding columns; no
// compression, matching the teacher's own "no feature beyond what's
// needed" style).
func (w *Writer) Commit(dst io.Writer) error {
	if _, err := dst.Write([]byte(magic)); err != nil {
		return errs.Wrap(errs.Io, err, "cstable: write magic")
	}
	if err := writeUint32(dst, uint32(FormatV1)); err != nil {
		return err
	}
	if err := putUvarint(dst, uint64(w.rows)); err != nil {
		return errs.Wrap(errs.Io, err, "cstable: write row count")
	}
	if err := putUvarint(dst, uint64(len(w.order))); err != nil {
		return errs.Wrap(errs.Io, err, "cstable: write column count")
	}
	for _, name := range w.order {
		c := w.cols[name]
		if err := writeColumnHeader(dst, c.spec, len(c.triples)); err != nil {
			return err
		}
	}
	for _, name := range w.order {
		c := w.cols[name]
		for _, t := range c.triples {
			if err := writeTriple(dst, c.spec, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	if err != nil {
		return errs.Wrap(errs.Io, err, "cstable: write u32")
	}
	return nil
}

func writeColumnHeader(w io.Writer, spec ColumnSpec, numEntries int) error {
	if err := putUvarint(w, uint64(len(spec.Name))); err != nil {
		return errs.Wrap(errs.Io, err, "cstable: write column name len")
	}
	if _, err := io.WriteString(w, spec.Name); err != nil {
		return errs.Wrap(errs.Io, err, "cstable: write column name")
	}
	if _, err := w.Write([]byte{storageTag(spec.StorageType), boolsToByte(spec.Optional, spec.Repeated), spec.MaxDefinitionLevel, spec.MaxRepetitionLevel}); err != nil {
		return errs.Wrap(errs.Io, err, "cstable: write column flags")
	}
	if err := putUvarint(w, uint64(numEntries)); err != nil {
		return errs.Wrap(errs.Io, err, "cstable: write column entry count")
	}
	return nil
}

func boolsToByte(optional, repeated bool) byte {
	var b byte
	if optional {
		b |= 1
	}
	if repeated {
		b |= 2
	}
	return b
}

func storageTag(t types.StorageType) byte {
	switch t {
	case types.StorageUint64:
		return 1
	case types.StorageString:
		return 2
	case types.StorageBool:
		return 3
	case types.StorageDouble:
		return 4
	case types.StorageSubrecord:
		return 5
	default:
		return 0
	}
}

func storageFromTag(b byte) (types.StorageType, error) {
	switch b {
	case 1:
		return types.StorageUint64, nil
	case 2:
		return types.StorageString, nil
	case 3:
		return types.StorageBool, nil
	case 4:
		return types.StorageDouble, nil
	case 5:
		return types.StorageSubrecord, nil
	default:
		return "", errs.New(errs.Corruption, "cstable: unknown storage tag")
	}
}

func writeTriple(w io.Writer, spec ColumnSpec, t triple) error {
	if err := putUvarint(w, uint64(t.rlvl)); err != nil {
		return errs.Wrap(errs.Io, err, "cstable: write rlvl")
	}
	if err := putUvarint(w, uint64(t.dlvl)); err != nil {
		return errs.Wrap(errs.Io, err, "cstable: write dlvl")
	}
	if t.dlvl < spec.MaxDefinitionLevel {
		return nil // value absent
	}
	return writeValue(w, spec.StorageType, t.value)
}

func writeValue(w io.Writer, st types.StorageType, value interface{}) error {
	switch st {
	case types.StorageUint64:
		v, ok := value.(uint64)
		if !ok {
			return errs.New(errs.IllegalArgument, "cstable: expected uint64 value")
		}
		return wrapIo(putUvarint(w, v))
	case types.StorageBool:
		v, ok := value.(bool)
		if !ok {
			return errs.New(errs.IllegalArgument, "cstable: expected bool value")
		}
		b := byte(0)
		if v {
			b = 1
		}
		_, err := w.Write([]byte{b})
		return wrapIo(err)
	case types.StorageDouble:
		v, ok := value.(float64)
		if !ok {
			return errs.New(errs.IllegalArgument, "cstable: expected float64 value")
		}
		return wrapIo(writeUint64Raw(w, math.Float64bits(v)))
	case types.StorageString:
		v, ok := value.(string)
		if !ok {
			b, ok2 := value.([]byte)
			if !ok2 {
				return errs.New(errs.IllegalArgument, "cstable: expected string value")
			}
			v = string(b)
		}
		if err := putUvarint(w, uint64(len(v))); err != nil {
			return wrapIo(err)
		}
		_, err := io.WriteString(w, v)
		return wrapIo(err)
	default:
		return errs.New(errs.IllegalArgument, "cstable: unsupported storage type "+string(st))
	}
}

func writeUint64Raw(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func wrapIo(err error) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.Io, err, "cstable: write")
}
