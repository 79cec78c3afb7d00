package devproxy

import (
	"errors"
	"slices"

	"github.com/eigerco/kvclient/pkg/kv"
	"github.com/eigerco/kvclient/pkg/wire"
)

func toRemoteError(err error) *kv.RemoteError {
	var remoteErr *kv.RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr
	}
	return kv.NewRemoteError(kv.RemoteFault, "%v", err)
}

func decode(env *wire.Envelope, v any) error {
	if err := env.DecodeBody(v); err != nil {
		return kv.NewRemoteError(kv.RemoteIllegalArgument, "%v", err)
	}
	return nil
}

// handle dispatches a request by kind. Only Verify and Shutdown are accepted
// on a connection that has not been verified yet.
func (s *Server) handle(sess *session, env *wire.Envelope) (any, error) {
	switch env.Kind {
	case wire.KindVerify:
		return s.verify(sess, env)
	case wire.KindShutdown:
		return nil, nil
	}
	if !sess.verified {
		return nil, kv.NewRemoteError(kv.RemoteUnverifiedConnection, "%s before verify", env.Kind)
	}

	switch env.Kind {
	case wire.KindGet:
		return s.get(env)
	case wire.KindMultiGet, wire.KindMultiGetKeys:
		return s.multiGet(env)
	case wire.KindTableIterator, wire.KindTableKeysIterator, wire.KindIndexIterator, wire.KindIndexKeysIterator:
		return s.openIterator(sess, env)
	case wire.KindIteratorNext:
		var req wire.IteratorNextRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		page, err := s.iterators.nextPage(sess.id, req.ID)
		if err != nil {
			return nil, err
		}
		return wire.IteratorNextResponse{Page: page}, nil
	case wire.KindIteratorClose:
		var req wire.IteratorCloseRequest
		if err := decode(env, &req); err != nil {
			return nil, err
		}
		s.iterators.close(sess.id, req.ID)
		return nil, nil
	case wire.KindPut, wire.KindPutIfAbsent, wire.KindPutIfPresent, wire.KindPutIfVersion:
		return s.put(env)
	case wire.KindDelete, wire.KindDeleteIfVersion:
		return s.delete(env)
	case wire.KindMultiDelete:
		return s.multiDelete(env)
	case wire.KindExecute:
		return s.execute(env)
	}
	return nil, kv.NewRemoteError(kv.RemoteProxy, "unsupported request %s", env.Kind)
}

func (s *Server) verify(sess *session, env *wire.Envelope) (any, error) {
	var req wire.VerifyRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	if req.StoreName != s.cfg.StoreName {
		return nil, kv.NewRemoteError(kv.RemoteIllegalArgument, "unknown store %q", req.StoreName)
	}
	sess.verified = true
	return wire.VerifyResponse{ProxyVersion: Version}, nil
}

func (s *Server) get(env *wire.Envelope) (any, error) {
	var req wire.GetRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.storage.get(req.Table, req.PrimaryKey)
	if err != nil || row == nil {
		return wire.GetResponse{}, err
	}
	return wire.GetResponse{Found: true, Row: *row}, nil
}

func (s *Server) multiGet(env *wire.Envelope) (any, error) {
	var req wire.MultiGetRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.storage.newQuery(req.Table, req.PrimaryKey, req.Range, req.IncludedTables)
	if err != nil {
		return nil, err
	}
	q.fullShardKey = true
	entries, err := s.storage.tableRows(q)
	if err != nil {
		return nil, err
	}
	rows, err := rawRows(entries, env.Kind == wire.KindMultiGetKeys)
	if err != nil {
		return nil, err
	}
	return wire.MultiGetResponse{Rows: rows}, nil
}

func (s *Server) openIterator(sess *session, env *wire.Envelope) (any, error) {
	var req wire.IteratorRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	opts := kv.IteratorOptions{}
	if req.Options != nil {
		opts = *req.Options
	}
	batchSize := int(s.cfg.BatchSize)
	if opts.BatchSize > 0 {
		batchSize = int(opts.BatchSize)
	}

	rows, err := s.snapshot(env.Kind, req, opts.Direction)
	if err != nil {
		return nil, err
	}
	id, page := s.iterators.open(sess.id, rows, batchSize)
	s.log.Debug().Uint64("conn", sess.id).Uint64("iterator", uint64(id)).Int("rows", len(rows)).Msg("iterator opened")
	return wire.IteratorResponse{ID: id, Page: page}, nil
}

// snapshot computes every row an iteration returns.
func (s *Server) snapshot(kind wire.Kind, req wire.IteratorRequest, direction kv.Direction) ([]kv.RawRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.storage.newQuery(req.Table, req.Key, req.Range, req.IncludedTables)
	if err != nil {
		return nil, err
	}
	q.direction = direction

	var entries []entry
	switch kind {
	case wire.KindIndexIterator, wire.KindIndexKeysIterator:
		if req.Index == "" {
			return nil, kv.NewRemoteError(kv.RemoteIllegalArgument, "index iteration without an index name")
		}
		entries, err = s.storage.indexRows(q, req.Index)
	default:
		entries, err = s.storage.tableRows(q)
	}
	if err != nil {
		return nil, err
	}
	return rawRows(entries, kind == wire.KindTableKeysIterator || kind == wire.KindIndexKeysIterator)
}

var putKinds = map[wire.Kind]kv.OperationKind{
	wire.KindPut:          kv.OpPut,
	wire.KindPutIfAbsent:  kv.OpPutIfAbsent,
	wire.KindPutIfPresent: kv.OpPutIfPresent,
	wire.KindPutIfVersion: kv.OpPutIfVersion,
}

func returnChoice(opts *kv.WriteOptions) kv.ReturnChoice {
	if opts == nil {
		return kv.ReturnNone
	}
	return opts.ReturnChoice
}

func (s *Server) put(env *wire.Envelope) (any, error) {
	var req wire.WriteRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.storage.put(s.storage.store, putKinds[env.Kind], req.Table, req.Row, req.MatchVersion, returnChoice(req.Options))
	if err != nil {
		return nil, err
	}
	return wire.WriteResponse{Success: res.success, Version: res.version, Previous: res.previous}, nil
}

func (s *Server) delete(env *wire.Envelope) (any, error) {
	var req wire.DeleteRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	kind := kv.OpDelete
	if env.Kind == wire.KindDeleteIfVersion {
		kind = kv.OpDeleteIfVersion
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.storage.remove(s.storage.store, kind, req.Table, req.PrimaryKey, req.MatchVersion, returnChoice(req.Options))
	if err != nil {
		return nil, err
	}
	return wire.DeleteResponse{Success: res.success, Previous: res.previous}, nil
}

func (s *Server) multiDelete(env *wire.Envelope) (any, error) {
	var req wire.MultiDeleteRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.storage.newQuery(req.Table, req.PrimaryKey, req.Range, req.IncludedTables)
	if err != nil {
		return nil, err
	}
	q.fullShardKey = true
	entries, err := s.storage.tableRows(q)
	if err != nil {
		return nil, err
	}

	batch := s.storage.store.NewBatch()
	defer batch.Close()
	for _, e := range entries {
		if err := batch.Delete(rowKey(e.table.Name, e.components)); err != nil {
			return nil, err
		}
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}
	return wire.MultiDeleteResponse{Deleted: len(entries)}, nil
}

// execute applies every operation in one batch. Nothing is written when an
// operation marked AbortIfUnsuccessful does not succeed.
func (s *Server) execute(env *wire.Envelope) (any, error) {
	var req wire.ExecuteRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	if len(req.Operations) == 0 {
		return nil, kv.NewRemoteError(kv.RemoteIllegalArgument, "no operations to execute")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sameShard(req.Operations); err != nil {
		return nil, err
	}

	batch := s.storage.store.NewBatch()
	defer batch.Close()

	results := make([]wire.OperationResult, 0, len(req.Operations))
	for i, op := range req.Operations {
		var (
			res writeResult
			err error
		)
		switch op.Kind {
		case kv.OpDelete, kv.OpDeleteIfVersion:
			res, err = s.storage.remove(batch, op.Kind, op.Table, op.Row, op.MatchVersion, op.ReturnChoice)
		default:
			res, err = s.storage.put(batch, op.Kind, op.Table, op.Row, op.MatchVersion, op.ReturnChoice)
		}
		if err != nil {
			return nil, err
		}
		if !res.success && op.AbortIfUnsuccessful {
			return nil, kv.NewRemoteError(kv.RemoteOperationExecution, "operation %d (%s on %s) failed", i, op.Kind, op.Table)
		}
		results = append(results, wire.OperationResult{Success: res.success, NewVersion: res.version, Previous: res.previous})
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}
	return wire.ExecuteResponse{Results: results}, nil
}

func (s *Server) sameShard(ops []wire.Operation) error {
	var first []string
	for i, op := range ops {
		t, err := s.storage.table(op.Table)
		if err != nil {
			return err
		}
		row, err := parseKey(op.Row)
		if err != nil {
			return err
		}
		shard, err := s.storage.shardKey(t, row)
		if err != nil {
			return err
		}
		if i == 0 {
			first = shard
			continue
		}
		if !slices.Equal(first, shard) {
			return kv.NewRemoteError(kv.RemoteIllegalArgument, "operation %d is on a different shard", i)
		}
	}
	return nil
}
