package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleTable() *TableDefinition {
	return &TableDefinition{
		Namespace: "ns1",
		Name:      "t1",
		Schema: []*Column{
			{Name: "ts", FieldID: 1, LogicalType: LogicalDateTime, StorageType: StorageUint64},
			{Name: "id", FieldID: 2, LogicalType: LogicalString, StorageType: StorageString},
			{Name: "v", FieldID: 3, LogicalType: LogicalUint64, StorageType: StorageUint64},
		},
		NextFieldID:  4,
		Partitioner:  PartitionerTimeWindow,
		KeyspaceType: KeyspaceUint64,
		PrimaryKey:   []string{"ts", "id"},
		PartitionKey: "ts",
	}
}

func TestValidateNewTable_OK(t *testing.T) {
	require.NoError(t, ValidateNewTable(sampleTable()))
}

func TestValidateNewTable_RejectsNestedPrimaryKey(t *testing.T) {
	tbl := sampleTable()
	tbl.Schema = append(tbl.Schema, &Column{Name: "meta", LogicalType: LogicalRecord, Columns: []*Column{
		{Name: "label", LogicalType: LogicalString},
	}})
	tbl.PrimaryKey = []string{"ts", "meta"}
	tbl.PartitionKey = "ts"
	err := ValidateNewTable(tbl)
	require.Error(t, err)
}

func TestValidateNewTable_RejectsRepeatedPrimaryKey(t *testing.T) {
	tbl := sampleTable()
	tbl.Schema[1].Repeated = true
	err := ValidateNewTable(tbl)
	require.Error(t, err)
}

func TestValidateNewTable_RejectsKeyspaceMismatch(t *testing.T) {
	tbl := sampleTable()
	tbl.KeyspaceType = KeyspaceString
	err := ValidateNewTable(tbl)
	require.Error(t, err)
}

func TestAddColumn_BumpsFieldIDAndVersion(t *testing.T) {
	tbl := sampleTable()
	before := tbl.NextFieldID
	beforeVersion := tbl.Version
	AddColumn(tbl, &Column{Name: "meta.label", LogicalType: LogicalString, Optional: true})
	require.Equal(t, before+1, tbl.NextFieldID)
	require.Equal(t, beforeVersion+1, tbl.Version)
	require.Equal(t, before, tbl.Schema[len(tbl.Schema)-1].FieldID)
}

func TestDropColumn_RejectsPrimaryKey(t *testing.T) {
	tbl := sampleTable()
	err := DropColumn(tbl, "ts")
	require.Error(t, err)
}

func TestDropColumn_SucceedsOnNonPrimaryKey(t *testing.T) {
	tbl := sampleTable()
	beforeVersion := tbl.Version
	require.NoError(t, DropColumn(tbl, "v"))
	require.Equal(t, beforeVersion+1, tbl.Version)
	for _, c := range tbl.Schema {
		require.NotEqual(t, "v", c.Name)
	}
}
