package types

import (
	"fmt"

	"github.com/zhengshuxin/eventql/pkg/errs"
)

// ValidateNewTable checks the invariants spec.md §3 places on a freshly
// created table definition: at least one primary-key column, none of them
// nested or repeated, and a keyspace_type consistent with both the
// partitioner and the partition key's logical type (UINT64 and DATETIME
// keys need UINT64, STRING keys need STRING).
func ValidateNewTable(t *TableDefinition) error {
	if len(t.PrimaryKey) == 0 {
		return errs.New(errs.IllegalArgument, "primary key must have at least one column")
	}
	if t.PartitionKey != t.PrimaryKey[0] {
		return errs.New(errs.IllegalArgument, "partition_key must equal primary_key[0]")
	}

	byName := indexColumns(t.Schema)
	for _, name := range t.PrimaryKey {
		col, ok := byName[name]
		if !ok {
			return errs.New(errs.IllegalArgument, fmt.Sprintf("primary key column %q not in schema", name))
		}
		if col.LogicalType == LogicalRecord {
			return errs.New(errs.IllegalArgument, fmt.Sprintf("primary key column %q may not be nested", name))
		}
		if col.Repeated {
			return errs.New(errs.IllegalArgument, fmt.Sprintf("primary key column %q may not be repeated", name))
		}
	}

	pk := byName[t.PartitionKey]
	wantKeyspace := partitionKeyspace(t.Partitioner)
	if wantKeyspace != "" && t.KeyspaceType != wantKeyspace {
		return errs.New(errs.IllegalArgument, fmt.Sprintf(
			"partitioner %s requires keyspace_type %s, got %s", t.Partitioner, wantKeyspace, t.KeyspaceType))
	}
	var pkKeyspace KeyspaceType
	switch pk.LogicalType {
	case LogicalUint64, LogicalDateTime:
		pkKeyspace = KeyspaceUint64
	case LogicalString:
		pkKeyspace = KeyspaceString
	}
	if pkKeyspace != "" && t.KeyspaceType != pkKeyspace {
		return errs.New(errs.IllegalArgument, fmt.Sprintf(
			"partition key %q of type %s requires keyspace_type %s, got %s", t.PartitionKey, pk.LogicalType, pkKeyspace, t.KeyspaceType))
	}

	return nil
}

func partitionKeyspace(p Partitioner) KeyspaceType {
	switch p {
	case PartitionerTimeWindow, PartitionerUint64:
		return KeyspaceUint64
	case PartitionerString:
		return KeyspaceString
	default:
		return ""
	}
}

func indexColumns(cols []*Column) map[string]*Column {
	out := make(map[string]*Column, len(cols))
	var walk func(prefix string, cs []*Column)
	walk = func(prefix string, cs []*Column) {
		for _, c := range cs {
			name := c.Name
			if prefix != "" {
				name = prefix + "." + c.Name
			}
			out[name] = c
			if c.LogicalType == LogicalRecord {
				walk(name, c.Columns)
			}
		}
	}
	walk("", cols)
	return out
}

// AddColumn appends col to t's schema with the next stable field_id,
// bumping NextFieldID and Version (spec.md §3: "schema evolution is
// append-or-remove by stable field_id, never renumber").
func AddColumn(t *TableDefinition, col *Column) {
	col.FieldID = t.NextFieldID
	t.NextFieldID++
	t.Schema = append(t.Schema, col)
	t.Version++
}

// DropColumn removes the named top-level column. Dropping a primary-key
// column is rejected (spec.md §8 scenario 5).
func DropColumn(t *TableDefinition, name string) error {
	for _, pk := range t.PrimaryKey {
		if pk == name {
			return errs.New(errs.IllegalArgument, fmt.Sprintf("cannot drop primary key column %q", name))
		}
	}
	out := make([]*Column, 0, len(t.Schema))
	found := false
	for _, c := range t.Schema {
		if c.Name == name {
			found = true
			continue
		}
		out = append(out, c)
	}
	if !found {
		return errs.New(errs.NotFound, fmt.Sprintf("column %q not found", name))
	}
	t.Schema = out
	t.Version++
	return nil
}
