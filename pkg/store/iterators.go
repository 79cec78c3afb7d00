package store

import (
	"context"

	"github.com/eigerco/kvclient/pkg/cursor"
	"github.com/eigerco/kvclient/pkg/kv"
	"github.com/eigerco/kvclient/pkg/rpc"
	"github.com/eigerco/kvclient/pkg/wire"
)

// TableIterator iterates the rows of table matching partialKey and rng. The
// session must be consumed to exhaustion or closed.
func (s *Store) TableIterator(ctx context.Context, table string, partialKey kv.Row, rng *kv.FieldRange, includedTables []string, opts *kv.IteratorOptions) (*cursor.Session, error) {
	return s.iterate(ctx, wire.KindTableIterator, table, "", partialKey, rng, includedTables, opts)
}

// TableKeysIterator is TableIterator returning only primary key fields.
func (s *Store) TableKeysIterator(ctx context.Context, table string, partialKey kv.Row, rng *kv.FieldRange, includedTables []string, opts *kv.IteratorOptions) (*cursor.Session, error) {
	return s.iterate(ctx, wire.KindTableKeysIterator, table, "", partialKey, rng, includedTables, opts)
}

// IndexIterator iterates the rows of table through index, selecting them by
// a partial index key.
func (s *Store) IndexIterator(ctx context.Context, table, index string, indexKey kv.Row, rng *kv.FieldRange, opts *kv.IteratorOptions) (*cursor.Session, error) {
	return s.iterate(ctx, wire.KindIndexIterator, table, index, indexKey, rng, nil, opts)
}

func (s *Store) IndexKeysIterator(ctx context.Context, table, index string, indexKey kv.Row, rng *kv.FieldRange, opts *kv.IteratorOptions) (*cursor.Session, error) {
	return s.iterate(ctx, wire.KindIndexKeysIterator, table, index, indexKey, rng, nil, opts)
}

// TableStream wraps a TableIterator in a push-style stream.
func (s *Store) TableStream(ctx context.Context, table string, partialKey kv.Row, rng *kv.FieldRange, includedTables []string, opts *kv.IteratorOptions) (*cursor.Stream, error) {
	sess, err := s.TableIterator(ctx, table, partialKey, rng, includedTables, opts)
	if err != nil {
		return nil, err
	}
	return cursor.NewStream(sess), nil
}

// IndexStream wraps an IndexIterator in a push-style stream.
func (s *Store) IndexStream(ctx context.Context, table, index string, indexKey kv.Row, rng *kv.FieldRange, opts *kv.IteratorOptions) (*cursor.Stream, error) {
	sess, err := s.IndexIterator(ctx, table, index, indexKey, rng, opts)
	if err != nil {
		return nil, err
	}
	return cursor.NewStream(sess), nil
}

func (s *Store) iterate(ctx context.Context, kind wire.Kind, table, index string, key kv.Row, rng *kv.FieldRange, includedTables []string, opts *kv.IteratorOptions) (*cursor.Session, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	encoded, err := encodeKey(key)
	if err != nil {
		return nil, err
	}
	req := wire.IteratorRequest{
		Table:          table,
		Index:          index,
		Key:            encoded,
		Range:          rng,
		IncludedTables: includedTables,
		Options:        s.iteratorOptions(opts),
	}

	var resp wire.IteratorResponse
	switch kind {
	case wire.KindTableKeysIterator:
		resp, err = c.TableKeysIterator(ctx, req)
	case wire.KindIndexIterator:
		resp, err = c.IndexIterator(ctx, req)
	case wire.KindIndexKeysIterator:
		resp, err = c.IndexKeysIterator(ctx, req)
	default:
		resp, err = c.TableIterator(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return s.track(ctx, c, resp)
}

// track builds a session from the first page and keeps it until its server
// handle is released, so Close can release whatever is still held.
func (s *Store) track(ctx context.Context, c *rpc.Client, resp wire.IteratorResponse) (*cursor.Session, error) {
	sess, err := cursor.New(c, resp.ID, resp.Page,
		cursor.WithFetchTimeout(s.cfg.FetchTimeout),
	)
	if err != nil {
		if resp.Page.HasMore {
			if cerr := c.CloseHandle(context.WithoutCancel(ctx), resp.ID); cerr != nil {
				s.log.Warn().Err(cerr).Uint64("iterator", uint64(resp.ID)).Msg("failed to release iterator handle")
			}
		}
		return nil, err
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	sess.OnRelease(func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	})
	return sess, nil
}
