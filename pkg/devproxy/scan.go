package devproxy

import (
	"fmt"
	"slices"

	"github.com/eigerco/kvclient/pkg/db"
	"github.com/eigerco/kvclient/pkg/kv"
)

// query selects rows of a table by a partial key and an optional range on
// the next key field.
type query struct {
	table          *Table
	key            kv.Row
	rng            *kv.FieldRange
	includedTables []string
	direction      kv.Direction
	// fullShardKey rejects keys that do not name a single shard.
	fullShardKey bool
}

func (st *storage) newQuery(tableName, key string, rng *kv.FieldRange, included []string) (*query, error) {
	t, err := st.table(tableName)
	if err != nil {
		return nil, err
	}
	k, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	return &query{table: t, key: k, rng: rng, includedTables: included}, nil
}

// tableRows runs q against the primary key ordering.
func (st *storage) tableRows(q *query) ([]entry, error) {
	components, err := keyComponents(q.table.PrimaryKey, q.key, true)
	if err != nil {
		return nil, err
	}
	if q.fullShardKey && len(components) < len(q.table.ShardKey) {
		return nil, kv.NewRemoteError(kv.RemoteIllegalArgument, "key must contain the shard key %s", describe(q.table.ShardKey))
	}
	if err := checkRange(q.rng, q.table.PrimaryKey, len(components)); err != nil {
		return nil, err
	}

	tables := []*Table{q.table}
	for _, name := range q.includedTables {
		t, err := st.table(name)
		if err != nil {
			return nil, err
		}
		if len(t.PrimaryKey) <= len(q.table.PrimaryKey) || !slices.Equal(t.PrimaryKey[:len(q.table.PrimaryKey)], q.table.PrimaryKey) {
			return nil, kv.NewRemoteError(kv.RemoteIllegalArgument, "table %s is not a child of %s", name, q.table.Name)
		}
		tables = append(tables, t)
	}

	var entries []entry
	for _, t := range tables {
		found, err := st.scanPrefix(t, components, q.rng)
		if err != nil {
			return nil, err
		}
		entries = append(entries, found...)
	}
	// Parents sort before their children since a key is a prefix of its
	// children's keys.
	if len(tables) > 1 {
		slices.SortStableFunc(entries, func(a, b entry) int {
			return slices.Compare(a.components, b.components)
		})
	}
	if q.direction == kv.DirectionReverse {
		slices.Reverse(entries)
	}
	return entries, nil
}

// scanPrefix returns the rows of t whose key starts with components, in
// ascending key order.
func (st *storage) scanPrefix(t *Table, components []string, rng *kv.FieldRange) ([]entry, error) {
	prefix := rowKey(t.Name, components)
	it, err := st.store.NewIterator(prefix, db.PrefixEnd(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", t.Name, err)
	}
	defer it.Close()

	var entries []entry
	for it.Next() {
		key := it.Key()
		comps := splitKey(t.Name, key)
		if rng != nil && len(comps) > len(components) && !inRange(comps[len(components)], rng) {
			continue
		}
		value, err := it.Value()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.Name, err)
		}
		rec, err := decodeRecord(value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{table: t, components: comps, rec: rec})
	}
	return entries, nil
}

// indexRows runs q against the named index. Rows are ordered by index key,
// ties broken by primary key.
func (st *storage) indexRows(q *query, index string) ([]entry, error) {
	fields, ok := q.table.Indexes[index]
	if !ok {
		return nil, kv.NewRemoteError(kv.RemoteIllegalArgument, "index %s does not exist on %s", index, q.table.Name)
	}
	components, err := keyComponents(fields, q.key, true)
	if err != nil {
		return nil, err
	}
	if err := checkRange(q.rng, fields, len(components)); err != nil {
		return nil, err
	}

	all, err := st.scanPrefix(q.table, nil, nil)
	if err != nil {
		return nil, err
	}

	type indexed struct {
		entry
		index []string
	}
	var matches []indexed
	for _, e := range all {
		row, err := kv.DecodeRow(e.rec.Row)
		if err != nil {
			return nil, fmt.Errorf("stored row of %s: %w", q.table.Name, err)
		}
		ik, err := keyComponents(fields, row, true)
		// Rows lacking an indexed field are not part of the index.
		if err != nil || len(ik) < len(fields) {
			continue
		}
		if !slices.Equal(ik[:len(components)], components) {
			continue
		}
		if q.rng != nil && !inRange(ik[len(components)], q.rng) {
			continue
		}
		matches = append(matches, indexed{entry: e, index: ik})
	}
	slices.SortStableFunc(matches, func(a, b indexed) int {
		if c := slices.Compare(a.index, b.index); c != 0 {
			return c
		}
		return slices.Compare(a.components, b.components)
	})

	entries := make([]entry, len(matches))
	for i, m := range matches {
		entries[i] = m.entry
	}
	if q.direction == kv.DirectionReverse {
		slices.Reverse(entries)
	}
	return entries, nil
}

// rawRows converts entries to wire rows, projecting primary key fields for
// keys-only queries.
func rawRows(entries []entry, keysOnly bool) ([]kv.RawRow, error) {
	rows := make([]kv.RawRow, 0, len(entries))
	for _, e := range entries {
		r := e.raw()
		if keysOnly {
			row, err := kv.DecodeRow(e.rec.Row)
			if err != nil {
				return nil, fmt.Errorf("stored row of %s: %w", e.table.Name, err)
			}
			key := make(kv.Row, len(e.table.PrimaryKey))
			for _, f := range e.table.PrimaryKey {
				key[f] = row[f]
			}
			s, err := kv.EncodeRow(key)
			if err != nil {
				return nil, err
			}
			r.JSONRow = s
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func checkRange(rng *kv.FieldRange, fields []string, given int) error {
	if rng == nil {
		return nil
	}
	if given >= len(fields) {
		return kv.NewRemoteError(kv.RemoteIllegalArgument, "range given with a complete key")
	}
	if rng.Field != fields[given] {
		return kv.NewRemoteError(kv.RemoteIllegalArgument, "range field must be %s, got %s", fields[given], rng.Field)
	}
	return nil
}
