package kv

import "time"

// ConsistencyKind selects how a read is serviced by the store.
type ConsistencyKind uint8

const (
	// ConsistencyAbsolute services the read at the master.
	ConsistencyAbsolute ConsistencyKind = iota
	// ConsistencyNoneRequired lets a replica serve the read regardless of lag.
	ConsistencyNoneRequired
	// ConsistencyNoneRequiredNoMaster requires a replica, never the master.
	ConsistencyNoneRequiredNoMaster
	// ConsistencyTime bounds the replica lag by PermissibleLag.
	ConsistencyTime
	// ConsistencyVersion requires the replica to have seen Version.
	ConsistencyVersion
)

// Consistency is passed through to the store untouched.
type Consistency struct {
	Kind           ConsistencyKind `msgpack:"kind"`
	PermissibleLag time.Duration   `msgpack:"lag,omitempty"`
	Version        Version         `msgpack:"version,omitempty"`
	Timeout        time.Duration   `msgpack:"timeout,omitempty"`
}

// SyncPolicy is the log synchronisation policy applied on commit.
type SyncPolicy uint8

const (
	SyncPolicySync SyncPolicy = iota
	SyncPolicyNoSync
	SyncPolicyWriteNoSync
)

// ReplicaAckPolicy is the number of replica acknowledgements awaited on commit.
type ReplicaAckPolicy uint8

const (
	ReplicaAckAll ReplicaAckPolicy = iota
	ReplicaAckNone
	ReplicaAckSimpleMajority
)

// Durability is passed through to the store untouched.
type Durability struct {
	MasterSync  SyncPolicy       `msgpack:"master_sync"`
	ReplicaSync SyncPolicy       `msgpack:"replica_sync"`
	ReplicaAck  ReplicaAckPolicy `msgpack:"replica_ack"`
}

// NewDurability builds a Durability in one step.
func NewDurability(masterSync, replicaSync SyncPolicy, replicaAck ReplicaAckPolicy) Durability {
	return Durability{MasterSync: masterSync, ReplicaSync: replicaSync, ReplicaAck: replicaAck}
}

// ReturnChoice selects what a write returns about the previous row.
type ReturnChoice uint8

const (
	ReturnNone ReturnChoice = iota
	ReturnAll
	ReturnValue
	ReturnVersion
)

// ReadOptions controls consistency and timeout of read operations.
type ReadOptions struct {
	Consistency Consistency   `msgpack:"consistency"`
	Timeout     time.Duration `msgpack:"timeout,omitempty"`
}

// NewReadOptions builds ReadOptions in one step.
func NewReadOptions(consistency Consistency, timeout time.Duration) *ReadOptions {
	return &ReadOptions{Consistency: consistency, Timeout: timeout}
}

// WriteOptions controls durability, return values and timeout of writes.
type WriteOptions struct {
	Durability   Durability    `msgpack:"durability"`
	ReturnChoice ReturnChoice  `msgpack:"return_choice"`
	Timeout      time.Duration `msgpack:"timeout,omitempty"`
}

// NewWriteOptions builds WriteOptions in one step.
func NewWriteOptions(durability Durability, returnChoice ReturnChoice, timeout time.Duration) *WriteOptions {
	return &WriteOptions{Durability: durability, ReturnChoice: returnChoice, Timeout: timeout}
}

// Direction is the order in which an iteration returns rows.
type Direction uint8

const (
	DirectionUnordered Direction = iota
	DirectionForward
	DirectionReverse
)

func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionReverse:
		return "reverse"
	default:
		return "unordered"
	}
}

// IteratorOptions controls a table or index iteration.
type IteratorOptions struct {
	ReadOptions
	Direction Direction `msgpack:"direction"`
	// BatchSize is the number of rows per page; zero leaves it to the server.
	BatchSize uint32    `msgpack:"batch_size,omitempty"`
}

// FieldRange restricts the least significant key field of an operation.
// Empty Start or End leave that side unbounded.
type FieldRange struct {
	Field          string `msgpack:"field"`
	Start          string `msgpack:"start,omitempty"`
	StartInclusive bool   `msgpack:"start_inclusive"`
	End            string `msgpack:"end,omitempty"`
	EndInclusive   bool   `msgpack:"end_inclusive"`
}

// NewFieldRange builds a FieldRange in one step.
func NewFieldRange(field, start string, startInclusive bool, end string, endInclusive bool) *FieldRange {
	return &FieldRange{
		Field:          field,
		Start:          start,
		StartInclusive: startInclusive,
		End:            end,
		EndInclusive:   endInclusive,
	}
}
