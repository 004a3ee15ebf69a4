// Package cstable is the columnar store (spec.md §4.A): append-only column
// files encoding Dremel-style repetition/definition levels, one physical
// stream per column. The on-disk shape and the plain/varint storage types
// are grounded on original_source/src/eventql/io/cstable/cstable_benchmark.cc,
// which benchmarks exactly these column type/encoding pairs.
package cstable

import (
	"encoding/binary"
	"io"

	"github.com/zhengshuxin/eventql/pkg/errs"
)

// FormatVersion tags the binary layout. Readers must refuse unknown
// versions with a typed error (spec.md §4.A "Versioning").
type FormatVersion uint32

const FormatV1 FormatVersion = 1

var ErrUnsupportedVersion = errs.New(errs.Corruption, "cstable: unsupported format version")

const magic = "CSTB"

func putUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readUvarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}
