package cstable

import "github.com/zhengshuxin/eventql/pkg/types"

// ColumnSpec describes one physical column stream. MaxDefinitionLevel is
// the number of optional-or-repeated ancestors (including itself) a value
// can be "missing" at; MaxRepetitionLevel is the number of repeated
// ancestors. A flat, non-nested schema has MaxRepetitionLevel 0 for every
// scalar column and MaxDefinitionLevel 0 or 1 (1 iff Optional).
type ColumnSpec struct {
	Name                 string
	StorageType          types.StorageType
	Optional             bool
	Repeated             bool
	MaxDefinitionLevel   uint8
	MaxRepetitionLevel   uint8
}

// Schema is the ordered set of columns a cstable file stores.
type Schema []ColumnSpec

// NewSchema derives the physical ColumnSpec list (with computed max
// rlvl/dlvl) from a table's logical column tree, flattening nested records
// to dotted names. Subrecords add one to every descendant's
// MaxDefinitionLevel (if the subrecord is optional or repeated) and
// MaxRepetitionLevel (if repeated); this mirrors the Dremel paper's
// level-computation rule.
func NewSchema(cols []*types.Column) Schema {
	var out Schema
	var walk func(prefix string, dlvl, rlvl uint8, cs []*types.Column)
	walk = func(prefix string, dlvl, rlvl uint8, cs []*types.Column) {
		for _, c := range cs {
			name := c.Name
			if prefix != "" {
				name = prefix + "." + c.Name
			}
			d, r := dlvl, rlvl
			if c.Optional || c.Repeated {
				d++
			}
			if c.Repeated {
				r++
			}
			if c.LogicalType == types.LogicalRecord {
				walk(name, d, r, c.Columns)
				continue
			}
			out = append(out, ColumnSpec{
				Name:               name,
				StorageType:        c.StorageType,
				Optional:           c.Optional,
				Repeated:           c.Repeated,
				MaxDefinitionLevel: d,
				MaxRepetitionLevel: r,
			})
		}
	}
	walk("", 0, 0, cols)
	return out
}

// LSM synthetic columns, appended to every partition's table schema
// (spec.md §3 "Record").
const (
	ColumnLSMID       = "__lsm_id"
	ColumnLSMSequence = "__lsm_sequence"
	ColumnLSMIsUpdate = "__lsm_is_update"
)

// WithLSMColumns returns schema plus the three synthetic LSM columns used
// by the partition writer (spec.md §3).
func WithLSMColumns(schema Schema) Schema {
	return append(append(Schema{}, schema...),
		ColumnSpec{Name: ColumnLSMID, StorageType: types.StorageString},
		ColumnSpec{Name: ColumnLSMSequence, StorageType: types.StorageUint64},
		ColumnSpec{Name: ColumnLSMIsUpdate, StorageType: types.StorageBool},
	)
}
