package devproxy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/eigerco/kvclient/pkg/db"
	"github.com/eigerco/kvclient/pkg/db/pebble"
	"github.com/eigerco/kvclient/pkg/kv"
)

// record is the value stored under a row key.
type record struct {
	Row        string     `msgpack:"row"`
	Version    kv.Version `msgpack:"version"`
	Expiration int64      `msgpack:"expiration,omitempty"`
}

// readWriter is satisfied by both the store and a batch.
type readWriter interface {
	db.Reader
	db.Writer
	Delete(key []byte) error
}

// entry is one stored row found by a scan.
type entry struct {
	table      *Table
	components []string
	rec        record
}

func (e entry) raw() kv.RawRow {
	return kv.RawRow{Table: e.table.Name, JSONRow: e.rec.Row, Version: e.rec.Version, Expiration: e.rec.Expiration}
}

// writeResult is the outcome of a single write.
type writeResult struct {
	success  bool
	version  kv.Version
	previous *kv.RawRow
}

// storage maps tables onto a KVStore. Callers serialise access.
type storage struct {
	store  db.KVStore
	tables map[string]*Table
	writes uint64
}

func newStorage(store db.KVStore, tables []Table) *storage {
	st := &storage{store: store, tables: make(map[string]*Table, len(tables))}
	for i := range tables {
		st.tables[tables[i].Name] = &tables[i]
	}
	return st
}

func (st *storage) table(name string) (*Table, error) {
	t, ok := st.tables[name]
	if !ok {
		return nil, kv.NewRemoteError(kv.RemoteIllegalArgument, "table %s does not exist", name)
	}
	return t, nil
}

func (st *storage) load(r db.Reader, key []byte) (*record, error) {
	value, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row: %w", err)
	}
	rec, err := decodeRecord(value)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeRecord(value []byte) (record, error) {
	var rec record
	if err := msgpack.Unmarshal(value, &rec); err != nil {
		return record{}, fmt.Errorf("failed to decode stored row: %w", err)
	}
	return rec, nil
}

func (st *storage) newVersion(key []byte, row string) kv.Version {
	st.writes++
	h, _ := blake2b.New256(nil)
	h.Write(key)
	h.Write([]byte(row))
	h.Write(binary.LittleEndian.AppendUint64(nil, st.writes))
	return h.Sum(nil)
}

// get returns the row stored under the full primary key, or nil.
func (st *storage) get(tableName, primaryKey string) (*kv.RawRow, error) {
	t, err := st.table(tableName)
	if err != nil {
		return nil, err
	}
	pk, err := parseKey(primaryKey)
	if err != nil {
		return nil, err
	}
	components, err := keyComponents(t.PrimaryKey, pk, false)
	if err != nil {
		return nil, err
	}
	rec, err := st.load(st.store, rowKey(t.Name, components))
	if err != nil || rec == nil {
		return nil, err
	}
	return &kv.RawRow{Table: t.Name, JSONRow: rec.Row, Version: rec.Version, Expiration: rec.Expiration}, nil
}

// put applies one of the put kinds. An unsuccessful conditional put is not
// an error.
func (st *storage) put(w readWriter, kind kv.OperationKind, tableName, rowJSON string, match kv.Version, rc kv.ReturnChoice) (writeResult, error) {
	t, err := st.table(tableName)
	if err != nil {
		return writeResult{}, err
	}
	row, err := kv.DecodeRow(rowJSON)
	if err != nil {
		return writeResult{}, kv.NewRemoteError(kv.RemoteIllegalArgument, "bad row: %v", err)
	}
	components, err := keyComponents(t.PrimaryKey, row, false)
	if err != nil {
		return writeResult{}, err
	}
	key := rowKey(t.Name, components)
	prev, err := st.load(w, key)
	if err != nil {
		return writeResult{}, err
	}

	res := writeResult{previous: previous(t, prev, rc)}
	switch kind {
	case kv.OpPut:
	case kv.OpPutIfAbsent:
		if prev != nil {
			return res, nil
		}
	case kv.OpPutIfPresent:
		if prev == nil {
			return res, nil
		}
	case kv.OpPutIfVersion:
		if prev == nil || !slices.Equal(prev.Version, match) {
			return res, nil
		}
	default:
		return writeResult{}, kv.NewRemoteError(kv.RemoteIllegalArgument, "%s is not a put", kind)
	}

	// Store the canonical encoding so reads do not echo client formatting.
	canonical, err := kv.EncodeRow(row)
	if err != nil {
		return writeResult{}, kv.NewRemoteError(kv.RemoteIllegalArgument, "bad row: %v", err)
	}
	rec := record{Row: canonical, Version: st.newVersion(key, canonical)}
	value, err := msgpack.Marshal(&rec)
	if err != nil {
		return writeResult{}, fmt.Errorf("failed to encode row: %w", err)
	}
	if err := w.Put(key, value); err != nil {
		return writeResult{}, fmt.Errorf("failed to store row: %w", err)
	}
	res.success = true
	res.version = rec.Version
	return res, nil
}

// remove applies OpDelete or OpDeleteIfVersion.
func (st *storage) remove(w readWriter, kind kv.OperationKind, tableName, primaryKey string, match kv.Version, rc kv.ReturnChoice) (writeResult, error) {
	t, err := st.table(tableName)
	if err != nil {
		return writeResult{}, err
	}
	pk, err := parseKey(primaryKey)
	if err != nil {
		return writeResult{}, err
	}
	components, err := keyComponents(t.PrimaryKey, pk, false)
	if err != nil {
		return writeResult{}, err
	}
	key := rowKey(t.Name, components)
	prev, err := st.load(w, key)
	if err != nil {
		return writeResult{}, err
	}

	res := writeResult{previous: previous(t, prev, rc)}
	switch kind {
	case kv.OpDelete:
	case kv.OpDeleteIfVersion:
		if prev != nil && !slices.Equal(prev.Version, match) {
			return res, nil
		}
	default:
		return writeResult{}, kv.NewRemoteError(kv.RemoteIllegalArgument, "%s is not a delete", kind)
	}
	if prev == nil {
		return res, nil
	}
	if err := w.Delete(key); err != nil {
		return writeResult{}, fmt.Errorf("failed to delete row: %w", err)
	}
	res.success = true
	return res, nil
}

func previous(t *Table, rec *record, rc kv.ReturnChoice) *kv.RawRow {
	if rec == nil {
		return nil
	}
	switch rc {
	case kv.ReturnAll:
		return &kv.RawRow{Table: t.Name, JSONRow: rec.Row, Version: rec.Version, Expiration: rec.Expiration}
	case kv.ReturnValue:
		return &kv.RawRow{Table: t.Name, JSONRow: rec.Row}
	case kv.ReturnVersion:
		return &kv.RawRow{Table: t.Name, Version: rec.Version}
	}
	return nil
}

// shardKey returns the shard key components of a row of t.
func (st *storage) shardKey(t *Table, row kv.Row) ([]string, error) {
	return keyComponents(t.ShardKey, row, false)
}
