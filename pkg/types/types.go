// Package types holds the cluster/table/partition data model shared across
// EventQL's components (spec.md §3). Structs here are plain data: owners
// (directory, partition map, metadata store) hold them behind a lock and
// hand out copies, per the design note on shared mutable state (spec.md §9).
package types

import "time"

// ServerStatus is a derived view: UP iff an ephemeral liveness entry exists
// in the coordinator (spec.md §3).
type ServerStatus string

const (
	ServerUP   ServerStatus = "UP"
	ServerDown ServerStatus = "DOWN"
)

// ClusterConfig is persisted under /<prefix>/<cluster>/config, CAS versioned.
type ClusterConfig struct {
	Version           uint64   `json:"version"`
	ReplicationFactor int      `json:"replication_factor"`
	NodeList          []string `json:"node_list"`

	// MinConsistency resolves the spec.md §9 FIXME: the minimum number of
	// replica confirmations the Ingestion Router requires before an insert
	// is reported successful. Defaults to 1.
	MinConsistency int `json:"min_consistency"`
}

// ServerConfig is persisted under /<prefix>/<cluster>/servers/<id>.
type ServerConfig struct {
	ServerID   string       `json:"server_id"`
	ServerAddr string       `json:"server_addr"`
	Status     ServerStatus `json:"status"`
	Version    uint64       `json:"version"`
}

// NamespaceConfig is persisted under /<prefix>/<cluster>/namespaces/<ns>/config.
type NamespaceConfig struct {
	Customer string         `json:"customer_key"`
	Version  uint64         `json:"version"`
	Quota    NamespaceQuota `json:"quota"`
}

// NamespaceQuota supplements spec.md §3 with the original's per-customer
// limits (original_source/src/zbase/CustomerConfig.cc); enforcement is a
// future refinement, consistent with the spec's own FIXME style.
type NamespaceQuota struct {
	MaxPartitions int64 `json:"max_partitions"`
	MaxLiveBytes  int64 `json:"max_live_bytes"`
}

// Partitioner selects how a record's partition-key column maps to a
// keyspace value (spec.md §3, §4.B).
type Partitioner string

const (
	PartitionerTimeWindow Partitioner = "TIMEWINDOW"
	PartitionerUint64     Partitioner = "UINT64"
	PartitionerString     Partitioner = "STRING"
)

// KeyspaceType is the totally ordered domain of a table's partition keys.
type KeyspaceType string

const (
	KeyspaceUint64 KeyspaceType = "UINT64"
	KeyspaceString KeyspaceType = "STRING"
)

// LogicalType is a column's application-visible type.
type LogicalType string

const (
	LogicalUint64   LogicalType = "UINT64"
	LogicalString   LogicalType = "STRING"
	LogicalBool     LogicalType = "BOOL"
	LogicalDouble   LogicalType = "DOUBLE"
	LogicalDateTime LogicalType = "DATETIME"
	LogicalRecord   LogicalType = "RECORD"
)

// StorageType is a column's on-disk physical encoding (spec.md §4.A,
// supplemented by original_source/cstable_benchmark.cc's plain/varint pairs).
type StorageType string

const (
	StorageUint64    StorageType = "UINT64"
	StorageString    StorageType = "STRING"
	StorageBool      StorageType = "BOOL"
	StorageDouble    StorageType = "DOUBLE"
	StorageSubrecord StorageType = "SUBRECORD"
)

// Column is one node of a table's (possibly nested) schema tree.
type Column struct {
	Name        string      `json:"name"`
	FieldID     uint32      `json:"field_id"`
	LogicalType LogicalType `json:"logical_type"`
	StorageType StorageType `json:"storage_type"`
	Optional    bool        `json:"optional"`
	Repeated    bool        `json:"repeated"`
	Columns     []*Column   `json:"columns,omitempty"` // non-empty iff LogicalType == RECORD
}

// TableDefinition is persisted under
// /<prefix>/<cluster>/namespaces/<ns>/tables/<name> (spec.md §3).
type TableDefinition struct {
	Namespace             string       `json:"namespace"`
	Name                  string       `json:"name"`
	Version               uint64       `json:"version"`
	NextFieldID           uint32       `json:"next_field_id"`
	Schema                []*Column    `json:"schema"`
	Partitioner           Partitioner  `json:"partitioner"`
	KeyspaceType          KeyspaceType `json:"keyspace_type"`
	PrimaryKey            []string     `json:"primary_key"`
	PartitionKey          string       `json:"partition_key"` // == PrimaryKey[0]
	PartitionWindowMicros uint64       `json:"partition_window_micros,omitempty"`

	MetadataTxnID   []byte   `json:"metadata_txnid"`
	MetadataTxnSeq  uint64   `json:"metadata_txnseq"`
	MetadataServers []string `json:"metadata_servers"`
}

// Lifecycle is a partition's position in the state machine of spec.md §4.F.
type Lifecycle string

const (
	LifecycleLoad   Lifecycle = "LOAD"
	LifecycleLive   Lifecycle = "LIVE"
	LifecycleUnload Lifecycle = "UNLOAD"
)

// Partition is the local view of one shard (spec.md §3).
type Partition struct {
	PartitionID    [20]byte
	Table          string
	Namespace      string
	KeyrangeBegin  []byte
	KeyrangeEnd    []byte // nil means "no upper bound"
	Lifecycle      Lifecycle
	JoiningServers []string
	Splitting      bool
	CreatedAt      time.Time
}

// Clock abstracts time.Now so tests can control it; production code uses
// RealClock. Kept tiny and local rather than importing a clock library —
// nothing in the retrieval pack carries one, and the interface is a single
// method.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
