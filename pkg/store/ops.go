package store

import (
	"context"
	"fmt"

	"github.com/eigerco/kvclient/pkg/kv"
	"github.com/eigerco/kvclient/pkg/wire"
)

func encodeKey(key kv.Row) (string, error) {
	s, err := kv.EncodeRow(key)
	if err != nil {
		return "", fmt.Errorf("primary key: %w", err)
	}
	return s, nil
}

// Get returns the row stored under primaryKey. GetResult.Row is nil when
// there is none.
func (s *Store) Get(ctx context.Context, table string, primaryKey kv.Row, opts *kv.ReadOptions) (kv.GetResult, error) {
	c, err := s.conn()
	if err != nil {
		return kv.GetResult{}, err
	}
	pk, err := encodeKey(primaryKey)
	if err != nil {
		return kv.GetResult{}, err
	}
	resp, err := c.Get(ctx, wire.GetRequest{Table: table, PrimaryKey: pk, Options: s.readOptions(opts)})
	if err != nil || !resp.Found {
		return kv.GetResult{}, err
	}
	row, err := resp.Row.Decode()
	if err != nil {
		return kv.GetResult{}, err
	}
	return kv.GetResult{Row: row.Row, Version: row.Version, Expiration: row.Expiration}, nil
}

// MultiGet returns every row of one shard matching partialKey and rng, plus
// the matching rows of the included child tables.
func (s *Store) MultiGet(ctx context.Context, table string, partialKey kv.Row, rng *kv.FieldRange, includedTables []string, opts *kv.ReadOptions) ([]kv.RowWithMetadata, error) {
	return s.multiGet(ctx, wire.KindMultiGet, table, partialKey, rng, includedTables, opts)
}

// MultiGetKeys is MultiGet returning only primary key fields.
func (s *Store) MultiGetKeys(ctx context.Context, table string, partialKey kv.Row, rng *kv.FieldRange, includedTables []string, opts *kv.ReadOptions) ([]kv.RowWithMetadata, error) {
	return s.multiGet(ctx, wire.KindMultiGetKeys, table, partialKey, rng, includedTables, opts)
}

func (s *Store) multiGet(ctx context.Context, kind wire.Kind, table string, partialKey kv.Row, rng *kv.FieldRange, includedTables []string, opts *kv.ReadOptions) ([]kv.RowWithMetadata, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	pk, err := encodeKey(partialKey)
	if err != nil {
		return nil, err
	}
	req := wire.MultiGetRequest{Table: table, PrimaryKey: pk, Range: rng, IncludedTables: includedTables, Options: s.readOptions(opts)}

	var resp wire.MultiGetResponse
	if kind == wire.KindMultiGetKeys {
		resp, err = c.MultiGetKeys(ctx, req)
	} else {
		resp, err = c.MultiGet(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return kv.DecodeRows(resp.Rows)
}

func (s *Store) Put(ctx context.Context, table string, row kv.Row, opts *kv.WriteOptions) (kv.WriteResult, error) {
	return s.write(ctx, wire.KindPut, table, row, nil, opts)
}

// PutIfAbsent writes row only when no row exists under its primary key.
func (s *Store) PutIfAbsent(ctx context.Context, table string, row kv.Row, opts *kv.WriteOptions) (kv.WriteResult, error) {
	return s.write(ctx, wire.KindPutIfAbsent, table, row, nil, opts)
}

// PutIfPresent writes row only when a row exists under its primary key.
func (s *Store) PutIfPresent(ctx context.Context, table string, row kv.Row, opts *kv.WriteOptions) (kv.WriteResult, error) {
	return s.write(ctx, wire.KindPutIfPresent, table, row, nil, opts)
}

// PutIfVersion writes row only when the stored row has version match.
func (s *Store) PutIfVersion(ctx context.Context, table string, row kv.Row, match kv.Version, opts *kv.WriteOptions) (kv.WriteResult, error) {
	return s.write(ctx, wire.KindPutIfVersion, table, row, match, opts)
}

func (s *Store) write(ctx context.Context, kind wire.Kind, table string, row kv.Row, match kv.Version, opts *kv.WriteOptions) (kv.WriteResult, error) {
	c, err := s.conn()
	if err != nil {
		return kv.WriteResult{}, err
	}
	encoded, err := kv.EncodeRow(row)
	if err != nil {
		return kv.WriteResult{}, err
	}
	resp, err := c.Write(ctx, kind, wire.WriteRequest{Table: table, Row: encoded, MatchVersion: match, Options: s.writeOptions(opts)})
	if err != nil {
		return kv.WriteResult{}, err
	}
	res := kv.WriteResult{Success: resp.Success, Version: resp.Version}
	res.PreviousRow, res.PreviousVersion, err = decodePrevious(resp.Previous)
	return res, err
}

// Delete removes the row stored under primaryKey. Success is false when
// there was none.
func (s *Store) Delete(ctx context.Context, table string, primaryKey kv.Row, opts *kv.WriteOptions) (kv.WriteResult, error) {
	return s.delete(ctx, wire.KindDelete, table, primaryKey, nil, opts)
}

// DeleteIfVersion removes the row only when it has version match.
func (s *Store) DeleteIfVersion(ctx context.Context, table string, primaryKey kv.Row, match kv.Version, opts *kv.WriteOptions) (kv.WriteResult, error) {
	return s.delete(ctx, wire.KindDeleteIfVersion, table, primaryKey, match, opts)
}

func (s *Store) delete(ctx context.Context, kind wire.Kind, table string, primaryKey kv.Row, match kv.Version, opts *kv.WriteOptions) (kv.WriteResult, error) {
	c, err := s.conn()
	if err != nil {
		return kv.WriteResult{}, err
	}
	pk, err := encodeKey(primaryKey)
	if err != nil {
		return kv.WriteResult{}, err
	}
	req := wire.DeleteRequest{Table: table, PrimaryKey: pk, MatchVersion: match, Options: s.writeOptions(opts)}

	var resp wire.DeleteResponse
	if kind == wire.KindDeleteIfVersion {
		resp, err = c.DeleteIfVersion(ctx, req)
	} else {
		resp, err = c.Delete(ctx, req)
	}
	if err != nil {
		return kv.WriteResult{}, err
	}
	res := kv.WriteResult{Success: resp.Success}
	res.PreviousRow, res.PreviousVersion, err = decodePrevious(resp.Previous)
	return res, err
}

// MultiDelete removes every row of one shard matching partialKey and rng and
// returns how many were removed.
func (s *Store) MultiDelete(ctx context.Context, table string, partialKey kv.Row, rng *kv.FieldRange, includedTables []string, opts *kv.WriteOptions) (int, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	pk, err := encodeKey(partialKey)
	if err != nil {
		return 0, err
	}
	resp, err := c.MultiDelete(ctx, wire.MultiDeleteRequest{
		Table:          table,
		PrimaryKey:     pk,
		Range:          rng,
		IncludedTables: includedTables,
		Options:        s.writeOptions(opts),
	})
	return resp.Deleted, err
}

// Execute applies operations atomically. They must all target the same
// shard key.
func (s *Store) Execute(ctx context.Context, operations []kv.Operation, opts *kv.WriteOptions) ([]kv.OperationResult, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	ops := make([]wire.Operation, 0, len(operations))
	for i, op := range operations {
		doc := op.Row
		if op.Kind == kv.OpDelete || op.Kind == kv.OpDeleteIfVersion {
			doc = op.PrimaryKey
		}
		encoded, err := kv.EncodeRow(doc)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, wire.Operation{
			Kind:                op.Kind,
			Table:               op.Table,
			Row:                 encoded,
			MatchVersion:        op.MatchVersion,
			ReturnChoice:        op.ReturnChoice,
			AbortIfUnsuccessful: op.AbortIfUnsuccessful,
		})
	}

	resp, err := c.Execute(ctx, wire.ExecuteRequest{Operations: ops, Options: s.writeOptions(opts)})
	if err != nil {
		return nil, err
	}
	results := make([]kv.OperationResult, 0, len(resp.Results))
	for i, r := range resp.Results {
		prevRow, prevVersion, err := decodePrevious(r.Previous)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		results = append(results, kv.OperationResult{
			Success:         r.Success,
			NewVersion:      r.NewVersion,
			PreviousRow:     prevRow,
			PreviousVersion: prevVersion,
		})
	}
	return results, nil
}

// decodePrevious unpacks the previous row returned by a write. Either part
// may be absent depending on the ReturnChoice.
func decodePrevious(prev *kv.RawRow) (kv.Row, kv.Version, error) {
	if prev == nil {
		return nil, nil, nil
	}
	if prev.JSONRow == "" {
		return nil, prev.Version, nil
	}
	row, err := kv.DecodeRow(prev.JSONRow)
	if err != nil {
		return nil, nil, err
	}
	return row, prev.Version, nil
}
