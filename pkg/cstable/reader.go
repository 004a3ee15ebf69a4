package cstable

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/types"
)

// Reader opens a sealed cstable file and exposes one ColumnReader per
// column, matching the writer's column order.
type Reader struct {
	RowCount int
	cols     map[string]*ColumnReader
	order    []string
}

// ColumnReader streams a single column's triples back out in the order
// they were written.
type ColumnReader struct {
	spec    ColumnSpec
	triples []triple
	pos     int
}

// Open reads and validates a sealed cstable file's header, then decodes
// every column stream into memory. Unknown format versions are refused
// with a typed error (spec.md §4.A "Versioning").
func Open(src io.Reader) (*Reader, error) {
	br := bufio.NewReader(src)

	gotMagic := make([]byte, len(magic))
	if _, err := io.ReadFull(br, gotMagic); err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "cstable: read magic")
	}
	if string(gotMagic) != magic {
		return nil, errs.New(errs.Corruption, "cstable: bad magic")
	}

	var verBuf [4]byte
	if _, err := io.ReadFull(br, verBuf[:]); err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "cstable: read version")
	}
	version := FormatVersion(binary.LittleEndian.Uint32(verBuf[:]))
	if version != FormatV1 {
		return nil, ErrUnsupportedVersion
	}

	rowCount, err := readUvarint(br)
	if err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "cstable: read row count")
	}
	numCols, err := readUvarint(br)
	if err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "cstable: read column count")
	}

	r := &Reader{
		RowCount: int(rowCount),
		cols:     make(map[string]*ColumnReader, numCols),
		order:    make([]string, 0, numCols),
	}

	headers := make([]struct {
		spec    ColumnSpec
		entries int
	}, numCols)

	for i := range headers {
		nameLen, err := readUvarint(br)
		if err != nil {
			return nil, errs.Wrap(errs.Corruption, err, "cstable: read name len")
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(br, nameBuf); err != nil {
			return nil, errs.Wrap(errs.Corruption, err, "cstable: read name")
		}
		var flags [4]byte
		if _, err := io.ReadFull(br, flags[:]); err != nil {
			return nil, errs.Wrap(errs.Corruption, err, "cstable: read column flags")
		}
		st, err := storageFromTag(flags[0])
		if err != nil {
			return nil, err
		}
		entries, err := readUvarint(br)
		if err != nil {
			return nil, errs.Wrap(errs.Corruption, err, "cstable: read entry count")
		}
		spec := ColumnSpec{
			Name:               string(nameBuf),
			StorageType:        st,
			Optional:           flags[1]&1 != 0,
			Repeated:           flags[1]&2 != 0,
			MaxDefinitionLevel: flags[2],
			MaxRepetitionLevel: flags[3],
		}
		headers[i].spec = spec
		headers[i].entries = int(entries)
		r.order = append(r.order, spec.Name)
	}

	for _, h := range headers {
		triples := make([]triple, 0, h.entries)
		for i := 0; i < h.entries; i++ {
			t, err := readTriple(br, h.spec)
			if err != nil {
				return nil, err
			}
			triples = append(triples, t)
		}
		r.cols[h.spec.Name] = &ColumnReader{spec: h.spec, triples: triples}
	}

	return r, nil
}

// Column returns the reader for the named column.
func (r *Reader) Column(name string) (*ColumnReader, error) {
	c, ok := r.cols[name]
	if !ok {
		return nil, errs.New(errs.NotFound, "cstable: no such column: "+name)
	}
	return c, nil
}

// Columns lists column names in on-disk order.
func (r *Reader) Columns() []string { return append([]string{}, r.order...) }

// Next returns the next (rlvl, dlvl, value) triple. ok is false once the
// stream is exhausted.
func (c *ColumnReader) Next() (rlvl, dlvl uint8, value interface{}, ok bool) {
	if c.pos >= len(c.triples) {
		return 0, 0, nil, false
	}
	t := c.triples[c.pos]
	c.pos++
	return t.rlvl, t.dlvl, t.value, true
}

// NextRepetitionLevel peeks the repetition level of the next triple
// without consuming it, as used by readers to detect list boundaries
// (spec.md §4.A).
func (c *ColumnReader) NextRepetitionLevel() (uint8, bool) {
	if c.pos >= len(c.triples) {
		return 0, false
	}
	return c.triples[c.pos].rlvl, true
}

// Reset rewinds the column to its first triple.
func (c *ColumnReader) Reset() { c.pos = 0 }

// CopyValue copies the next triple straight into dst without the caller
// having to know the storage type, matching spec.md §4.A's
// "copy_value(writer) for efficient column-to-column copying" (used by the
// LSM writer's compaction path to merge segments without re-shredding
// records). Returns false once exhausted.
func (c *ColumnReader) CopyValue(dst *ColumnWriter) (bool, error) {
	rlvl, dlvl, value, ok := c.Next()
	if !ok {
		return false, nil
	}
	return true, dst.Write(rlvl, dlvl, value)
}

func readTriple(br io.ByteReader, spec ColumnSpec) (triple, error) {
	rlvl, err := readUvarint(br)
	if err != nil {
		return triple{}, errs.Wrap(errs.Corruption, err, "cstable: read rlvl")
	}
	dlvl, err := readUvarint(br)
	if err != nil {
		return triple{}, errs.Wrap(errs.Corruption, err, "cstable: read dlvl")
	}
	t := triple{rlvl: uint8(rlvl), dlvl: uint8(dlvl)}
	if t.dlvl < spec.MaxDefinitionLevel {
		return t, nil
	}
	v, err := readValue(br, spec.StorageType)
	if err != nil {
		return triple{}, err
	}
	t.value = v
	return t, nil
}

func readValue(br io.ByteReader, st types.StorageType) (interface{}, error) {
	switch st {
	case types.StorageUint64:
		v, err := readUvarint(br)
		if err != nil {
			return nil, errs.Wrap(errs.Corruption, err, "cstable: read uint64")
		}
		return v, nil
	case types.StorageBool:
		b, err := br.ReadByte()
		if err != nil {
			return nil, errs.Wrap(errs.Corruption, err, "cstable: read bool")
		}
		return b != 0, nil
	case types.StorageDouble:
		raw, err := readRawUint64(br)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(raw), nil
	case types.StorageString:
		n, err := readUvarint(br)
		if err != nil {
			return nil, errs.Wrap(errs.Corruption, err, "cstable: read string len")
		}
		buf := make([]byte, n)
		for i := range buf {
			b, err := br.ReadByte()
			if err != nil {
				return nil, errs.Wrap(errs.Corruption, err, "cstable: read string bytes")
			}
			buf[i] = b
		}
		return string(buf), nil
	default:
		return nil, errs.New(errs.Corruption, "cstable: unsupported storage type")
	}
}

func readRawUint64(br io.ByteReader) (uint64, error) {
	var buf [8]byte
	for i := range buf {
		b, err := br.ReadByte()
		if err != nil {
			return 0, errs.Wrap(errs.Corruption, err, "cstable: read raw u64")
		}
		buf[i] = b
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
