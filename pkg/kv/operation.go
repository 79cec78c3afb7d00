package kv

// OperationKind is the kind of a write batched through Execute.
type OperationKind uint8

const (
	OpPut OperationKind = iota + 1
	OpPutIfAbsent
	OpPutIfPresent
	OpPutIfVersion
	OpDelete
	OpDeleteIfVersion
)

func (k OperationKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpPutIfAbsent:
		return "put-if-absent"
	case OpPutIfPresent:
		return "put-if-present"
	case OpPutIfVersion:
		return "put-if-version"
	case OpDelete:
		return "delete"
	case OpDeleteIfVersion:
		return "delete-if-version"
	default:
		return "unknown"
	}
}

// Operation is one write of an Execute batch. All operations of a batch must
// share the same shard key.
type Operation struct {
	Kind                OperationKind
	Table               string
	Row                 Row
	PrimaryKey          Row
	MatchVersion        Version
	ReturnChoice        ReturnChoice
	AbortIfUnsuccessful bool
}

// PutOp has the semantics of Store.Put.
func PutOp(table string, row Row, rc ReturnChoice, abortIfUnsuccessful bool) Operation {
	return Operation{Kind: OpPut, Table: table, Row: row, ReturnChoice: rc, AbortIfUnsuccessful: abortIfUnsuccessful}
}

// PutIfAbsentOp has the semantics of Store.PutIfAbsent.
func PutIfAbsentOp(table string, row Row, rc ReturnChoice, abortIfUnsuccessful bool) Operation {
	return Operation{Kind: OpPutIfAbsent, Table: table, Row: row, ReturnChoice: rc, AbortIfUnsuccessful: abortIfUnsuccessful}
}

// PutIfPresentOp has the semantics of Store.PutIfPresent.
func PutIfPresentOp(table string, row Row, rc ReturnChoice, abortIfUnsuccessful bool) Operation {
	return Operation{Kind: OpPutIfPresent, Table: table, Row: row, ReturnChoice: rc, AbortIfUnsuccessful: abortIfUnsuccessful}
}

// PutIfVersionOp has the semantics of Store.PutIfVersion.
func PutIfVersionOp(table string, row Row, match Version, rc ReturnChoice, abortIfUnsuccessful bool) Operation {
	return Operation{Kind: OpPutIfVersion, Table: table, Row: row, MatchVersion: match, ReturnChoice: rc, AbortIfUnsuccessful: abortIfUnsuccessful}
}

// DeleteOp has the semantics of Store.Delete.
func DeleteOp(table string, primaryKey Row, rc ReturnChoice, abortIfUnsuccessful bool) Operation {
	return Operation{Kind: OpDelete, Table: table, PrimaryKey: primaryKey, ReturnChoice: rc, AbortIfUnsuccessful: abortIfUnsuccessful}
}

// DeleteIfVersionOp has the semantics of Store.DeleteIfVersion.
func DeleteIfVersionOp(table string, primaryKey Row, match Version, rc ReturnChoice, abortIfUnsuccessful bool) Operation {
	return Operation{Kind: OpDeleteIfVersion, Table: table, PrimaryKey: primaryKey, MatchVersion: match, ReturnChoice: rc, AbortIfUnsuccessful: abortIfUnsuccessful}
}

// OperationResult is the outcome of one Execute operation.
type OperationResult struct {
	Success         bool
	NewVersion      Version
	PreviousRow     Row
	PreviousVersion Version
}

// WriteResult is returned by single-row writes.
type WriteResult struct {
	// Success is false when a conditional write did not apply.
	Success         bool
	Version         Version
	PreviousRow     Row
	PreviousVersion Version
}

// GetResult is returned by Get. Row is nil when the key does not exist.
type GetResult struct {
	Row        Row
	Version    Version
	Expiration int64
}
