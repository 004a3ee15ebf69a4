// Package keyspace implements the keyspace comparator and partitioner
// function tables described in spec.md §4.B and the design note in §9
// ("dynamic dispatch over partitioners/keyspaces -> tagged variant with a
// function table for encode/compare/decode; no inheritance").
package keyspace

import (
	"bytes"
	"encoding/binary"

	"github.com/zhengshuxin/eventql/pkg/errs"
)

// Type is the totally ordered domain a table's partition map keys live in.
type Type string

const (
	UINT64 Type = "UINT64"
	STRING Type = "STRING"
)

// Compare orders two encoded keys under t's comparator (spec.md §4.B):
// UINT64 keys are 8-byte little-endian unsigned, compared numerically;
// STRING keys are compared bytewise lexicographic.
func Compare(t Type, a, b []byte) int {
	switch t {
	case UINT64:
		return compareUint64(a, b)
	case STRING:
		return bytes.Compare(a, b)
	default:
		// Unknown keyspace types degrade to bytewise comparison rather than
		// panicking; Validate on the metadata file catches this earlier.
		return bytes.Compare(a, b)
	}
}

func compareUint64(a, b []byte) int {
	av, bv := decodeUint64Padded(a), decodeUint64Padded(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// decodeUint64Padded treats an empty slice as zero, matching the metadata
// file invariant that the first partition entry's begin is the empty value
// and compares below every other key.
func decodeUint64Padded(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

// EncodeUint64 encodes v as an 8-byte little-endian key.
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// DecodeUint64 is the inverse of EncodeUint64.
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) != 8 {
		return 0, errs.New(errs.Corruption, "uint64 key must be 0 or 8 bytes")
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Empty returns the encoding of the keyspace's "below everything" value,
// which the first metadata file entry's begin must equal.
func Empty(t Type) []byte {
	switch t {
	case UINT64:
		return nil
	default:
		return nil
	}
}

// Partitioner names the record-to-key derivation strategy (spec.md §3).
type Partitioner string

const (
	TIMEWINDOW Partitioner = "TIMEWINDOW"
	PUINT64    Partitioner = "UINT64"
	PSTRING    Partitioner = "STRING"
)

// KeyspaceFor reports the keyspace type implied by a partitioner, per
// spec.md §3 ("partition-key type determines keyspace_type").
func KeyspaceFor(p Partitioner) Type {
	switch p {
	case TIMEWINDOW:
		return UINT64
	case PUINT64:
		return UINT64
	default:
		return STRING
	}
}

// DefaultWindow is the TIMEWINDOW partitioner's default bucket size: one
// hour, expressed in microseconds (eventql stores timestamps as unix micros).
const DefaultWindow uint64 = 3600 * 1000 * 1000

// PartitionKey derives the partition-map key for a record's partition-key
// column value under partitioner p. For TIMEWINDOW, value is a unix-
// microsecond timestamp and window is the bucket size in microseconds (0
// selects DefaultWindow, grounded on original_source's
// TimeWindowPartitioner which took a caller-supplied Duration).
func PartitionKey(p Partitioner, value []byte, window uint64) ([]byte, error) {
	switch p {
	case TIMEWINDOW:
		ts, err := DecodeUint64(value)
		if err != nil {
			return nil, err
		}
		if window == 0 {
			window = DefaultWindow
		}
		bucket := (ts / window) * window
		return EncodeUint64(bucket), nil
	case PUINT64:
		if _, err := DecodeUint64(value); err != nil {
			return nil, err
		}
		return value, nil
	case PSTRING:
		return value, nil
	default:
		return nil, errs.New(errs.IllegalArgument, "unknown partitioner: "+string(p))
	}
}
