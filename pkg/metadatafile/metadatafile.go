// Package metadatafile implements the immutable, versioned partition-map
// document described in spec.md §4.B: binary encode/decode, invariant
// validation, and binary-search lookup under the table's keyspace
// comparator.
package metadatafile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zhengshuxin/eventql/pkg/errs"
	"github.com/zhengshuxin/eventql/pkg/keyspace"
)

// Entry is one partition-map row (spec.md §3 "Metadata file").
type Entry struct {
	Begin       []byte
	PartitionID [20]byte
	Servers     []string

	ServersJoining []string
	ServersLeaving []string

	Splitting            bool
	SplitPoint           []byte
	SplitPartitionIDLow  [20]byte
	SplitPartitionIDHigh [20]byte
	SplitServersLow      []string
	SplitServersHigh     []string
}

// File is the immutable document produced at a given (txid, seq).
type File struct {
	TxnID        [20]byte
	Seq          uint64
	KeyspaceType keyspace.Type
	PartitionMap []Entry
}

// Lookup returns the entry with the greatest Begin <= key under the file's
// keyspace comparator (spec.md §4.B, §8 invariant). Since Begin values are
// strictly increasing (Validate enforces this), a binary search suffices.
func (f *File) Lookup(key []byte) (*Entry, error) {
	if len(f.PartitionMap) == 0 {
		return nil, errs.New(errs.NotFound, "metadatafile: empty partition map")
	}
	lo, hi := 0, len(f.PartitionMap)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		cmp := keyspace.Compare(f.KeyspaceType, f.PartitionMap[mid].Begin, key)
		if cmp <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	e := f.PartitionMap[best]
	return &e, nil
}

// Validate checks the invariants of spec.md §3 "Metadata file":
//   - Begin values strictly increasing under the keyspace comparator
//   - the first entry's Begin is the keyspace's empty/bottom value
//   - exactly one entry matches any key (implied by strict ordering)
//   - a splitting entry's SplitPoint lies strictly between its Begin and
//     the next entry's Begin
func (f *File) Validate() error {
	if len(f.PartitionMap) == 0 {
		return errs.New(errs.IllegalArgument, "metadatafile: empty partition map")
	}
	first := f.PartitionMap[0]
	if len(first.Begin) != 0 {
		return errs.New(errs.IllegalArgument, "metadatafile: first entry's begin must be empty")
	}
	for i := 1; i < len(f.PartitionMap); i++ {
		prev, cur := f.PartitionMap[i-1], f.PartitionMap[i]
		if keyspace.Compare(f.KeyspaceType, prev.Begin, cur.Begin) >= 0 {
			return errs.New(errs.IllegalArgument, fmt.Sprintf(
				"metadatafile: entry %d begin is not strictly greater than entry %d", i, i-1))
		}
	}
	for i, e := range f.PartitionMap {
		if !e.Splitting {
			continue
		}
		if len(e.SplitPoint) == 0 {
			return errs.New(errs.IllegalArgument, fmt.Sprintf("metadatafile: entry %d splitting with no split_point", i))
		}
		if keyspace.Compare(f.KeyspaceType, e.Begin, e.SplitPoint) >= 0 {
			return errs.New(errs.IllegalArgument, fmt.Sprintf(
				"metadatafile: entry %d split_point must be strictly after begin", i))
		}
		if i+1 < len(f.PartitionMap) {
			next := f.PartitionMap[i+1]
			if keyspace.Compare(f.KeyspaceType, e.SplitPoint, next.Begin) >= 0 {
				return errs.New(errs.IllegalArgument, fmt.Sprintf(
					"metadatafile: entry %d split_point must be strictly before next entry's begin", i))
			}
		}
	}
	return nil
}

// Encode serializes f to a compact, version-tagged binary form (spec.md
// §4.B "binary round-trippable encoding").
func (f *File) Encode(w io.Writer) error {
	if _, err := w.Write([]byte("EMDF")); err != nil {
		return errs.Wrap(errs.Io, err, "metadatafile: write magic")
	}
	if err := writeU32(w, 1); err != nil {
		return err
	}
	if _, err := w.Write(f.TxnID[:]); err != nil {
		return errs.Wrap(errs.Io, err, "metadatafile: write txnid")
	}
	if err := writeU64(w, f.Seq); err != nil {
		return err
	}
	if err := writeString(w, string(f.KeyspaceType)); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(len(f.PartitionMap))); err != nil {
		return err
	}
	for _, e := range f.PartitionMap {
		if err := encodeEntry(w, e); err != nil {
			return err
		}
	}
	return nil
}

// Decode is the inverse of Encode. Unknown format versions are refused
// with a Corruption error.
func Decode(r io.Reader) (*File, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = newByteReader(r)
	}
	magicBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, magicBuf); err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "metadatafile: read magic")
	}
	if string(magicBuf) != "EMDF" {
		return nil, errs.New(errs.Corruption, "metadatafile: bad magic")
	}
	version, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if version != 1 {
		return nil, errs.New(errs.Corruption, "metadatafile: unsupported format version")
	}
	f := &File{}
	if _, err := io.ReadFull(r, f.TxnID[:]); err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "metadatafile: read txnid")
	}
	if f.Seq, err = readU64(r); err != nil {
		return nil, err
	}
	ks, err := readString(br)
	if err != nil {
		return nil, err
	}
	f.KeyspaceType = keyspace.Type(ks)
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "metadatafile: read entry count")
	}
	f.PartitionMap = make([]Entry, n)
	for i := range f.PartitionMap {
		e, err := decodeEntry(r, br)
		if err != nil {
			return nil, err
		}
		f.PartitionMap[i] = e
	}
	return f, nil
}

func encodeEntry(w io.Writer, e Entry) error {
	if err := writeBytes(w, e.Begin); err != nil {
		return err
	}
	if _, err := w.Write(e.PartitionID[:]); err != nil {
		return errs.Wrap(errs.Io, err, "metadatafile: write partition id")
	}
	if err := writeStrings(w, e.Servers); err != nil {
		return err
	}
	if err := writeStrings(w, e.ServersJoining); err != nil {
		return err
	}
	if err := writeStrings(w, e.ServersLeaving); err != nil {
		return err
	}
	splitByte := byte(0)
	if e.Splitting {
		splitByte = 1
	}
	if _, err := w.Write([]byte{splitByte}); err != nil {
		return errs.Wrap(errs.Io, err, "metadatafile: write splitting flag")
	}
	if !e.Splitting {
		return nil
	}
	if err := writeBytes(w, e.SplitPoint); err != nil {
		return err
	}
	if _, err := w.Write(e.SplitPartitionIDLow[:]); err != nil {
		return errs.Wrap(errs.Io, err, "metadatafile: write split low id")
	}
	if _, err := w.Write(e.SplitPartitionIDHigh[:]); err != nil {
		return errs.Wrap(errs.Io, err, "metadatafile: write split high id")
	}
	if err := writeStrings(w, e.SplitServersLow); err != nil {
		return err
	}
	if err := writeStrings(w, e.SplitServersHigh); err != nil {
		return err
	}
	return nil
}

func decodeEntry(r io.Reader, br io.ByteReader) (Entry, error) {
	var e Entry
	var err error
	if e.Begin, err = readBytes(r, br); err != nil {
		return e, err
	}
	if _, err := io.ReadFull(r, e.PartitionID[:]); err != nil {
		return e, errs.Wrap(errs.Corruption, err, "metadatafile: read partition id")
	}
	if e.Servers, err = readStrings(r, br); err != nil {
		return e, err
	}
	if e.ServersJoining, err = readStrings(r, br); err != nil {
		return e, err
	}
	if e.ServersLeaving, err = readStrings(r, br); err != nil {
		return e, err
	}
	splitByte := make([]byte, 1)
	if _, err := io.ReadFull(r, splitByte); err != nil {
		return e, errs.Wrap(errs.Corruption, err, "metadatafile: read splitting flag")
	}
	e.Splitting = splitByte[0] != 0
	if !e.Splitting {
		return e, nil
	}
	if e.SplitPoint, err = readBytes(r, br); err != nil {
		return e, err
	}
	if _, err := io.ReadFull(r, e.SplitPartitionIDLow[:]); err != nil {
		return e, errs.Wrap(errs.Corruption, err, "metadatafile: read split low id")
	}
	if _, err := io.ReadFull(r, e.SplitPartitionIDHigh[:]); err != nil {
		return e, errs.Wrap(errs.Corruption, err, "metadatafile: read split high id")
	}
	if e.SplitServersLow, err = readStrings(r, br); err != nil {
		return e, err
	}
	if e.SplitServersHigh, err = readStrings(r, br); err != nil {
		return e, err
	}
	return e, nil
}

// -- primitive helpers --

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	if err != nil {
		return errs.Wrap(errs.Io, err, "metadatafile: write u32")
	}
	return nil
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errs.Wrap(errs.Corruption, err, "metadatafile: read u32")
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	if err != nil {
		return errs.Wrap(errs.Io, err, "metadatafile: write u64")
	}
	return nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errs.Wrap(errs.Corruption, err, "metadatafile: read u64")
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	if err != nil {
		return errs.Wrap(errs.Io, err, "metadatafile: write uvarint")
	}
	return nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	if err != nil {
		return errs.Wrap(errs.Io, err, "metadatafile: write bytes")
	}
	return nil
}

func readBytes(r io.Reader, br io.ByteReader) ([]byte, error) {
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "metadatafile: read bytes len")
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "metadatafile: read bytes")
	}
	return buf, nil
}

func writeString(w io.Writer, s string) error { return writeBytes(w, []byte(s)) }

func readString(br io.ByteReader) (string, error) {
	r, ok := br.(io.Reader)
	if !ok {
		return "", errs.New(errs.Corruption, "metadatafile: reader does not support byte reads")
	}
	b, err := readBytes(r, br)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeStrings(w io.Writer, ss []string) error {
	if err := writeUvarint(w, uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r io.Reader, br io.ByteReader) ([]string, error) {
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "metadatafile: read string slice len")
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]string, n)
	for i := range out {
		if out[i], err = readString(br); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// byteReaderAdapter adapts an io.Reader lacking ReadByte (none of our callers hit
// this path in practice since we always decode from *bytes.Buffer or
// *os.File, both of which implement it, but Decode's signature promises
// any io.Reader).
type byteReaderAdapter struct {
	r   io.Reader
	buf [1]byte
}

func newByteReader(r io.Reader) *byteReaderAdapter { return &byteReaderAdapter{r: r} }

func (b *byteReaderAdapter) ReadByte() (byte, error) {
	_, err := io.ReadFull(b.r, b.buf[:])
	return b.buf[0], err
}

func (b *byteReaderAdapter) Read(p []byte) (int, error) { return b.r.Read(p) }
