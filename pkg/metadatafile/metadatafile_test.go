package metadatafile

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zhengshuxin/eventql/pkg/keyspace"
)

func sampleFile() *File {
	return &File{
		TxnID:        [20]byte{1},
		Seq:          1,
		KeyspaceType: keyspace.UINT64,
		PartitionMap: []Entry{
			{Begin: nil, PartitionID: [20]byte{0xA}, Servers: []string{"s1"}},
			{Begin: keyspace.EncodeUint64(100), PartitionID: [20]byte{0xB}, Servers: []string{"s1", "s2"}},
			{Begin: keyspace.EncodeUint64(200), PartitionID: [20]byte{0xC}, Servers: []string{"s2"}},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, sampleFile().Validate())
}

func TestValidate_RejectsNonEmptyFirstBegin(t *testing.T) {
	f := sampleFile()
	f.PartitionMap[0].Begin = keyspace.EncodeUint64(1)
	require.Error(t, f.Validate())
}

func TestValidate_RejectsNonIncreasingBegin(t *testing.T) {
	f := sampleFile()
	f.PartitionMap[2].Begin = keyspace.EncodeUint64(50)
	require.Error(t, f.Validate())
}

func TestValidate_RejectsSplitPointOutOfRange(t *testing.T) {
	f := sampleFile()
	f.PartitionMap[1].Splitting = true
	f.PartitionMap[1].SplitPoint = keyspace.EncodeUint64(5) // before this entry's begin (100)
	require.Error(t, f.Validate())
}

func TestValidate_AcceptsValidSplit(t *testing.T) {
	f := sampleFile()
	f.PartitionMap[1].Splitting = true
	f.PartitionMap[1].SplitPoint = keyspace.EncodeUint64(150)
	require.NoError(t, f.Validate())
}

func TestLookup_GreatestBeginLessEqual(t *testing.T) {
	f := sampleFile()
	e, err := f.Lookup(keyspace.EncodeUint64(0))
	require.NoError(t, err)
	require.Equal(t, [20]byte{0xA}, e.PartitionID)

	e, err = f.Lookup(keyspace.EncodeUint64(150))
	require.NoError(t, err)
	require.Equal(t, [20]byte{0xB}, e.PartitionID)

	e, err = f.Lookup(keyspace.EncodeUint64(200))
	require.NoError(t, err)
	require.Equal(t, [20]byte{0xC}, e.PartitionID)

	e, err = f.Lookup(keyspace.EncodeUint64(999999))
	require.NoError(t, err)
	require.Equal(t, [20]byte{0xC}, e.PartitionID)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	f := sampleFile()
	f.PartitionMap[1].Splitting = true
	f.PartitionMap[1].SplitPoint = keyspace.EncodeUint64(150)
	f.PartitionMap[1].SplitPartitionIDLow = [20]byte{0xD}
	f.PartitionMap[1].SplitPartitionIDHigh = [20]byte{0xE}
	f.PartitionMap[1].SplitServersLow = []string{"s1"}
	f.PartitionMap[1].SplitServersHigh = []string{"s2"}

	var buf bytes.Buffer
	require.NoError(t, f.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("XXXX")))
	require.Error(t, err)
}
