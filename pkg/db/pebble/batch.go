package pebble

import (
	"errors"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/eigerco/kvclient/pkg/db"
)

type Batch struct {
	batch *pebble.Batch
	done  atomic.Bool
}

// NewBatch returns an indexed batch, so reads through it see its own writes.
func (p *KVStore) NewBatch() db.Batch {
	return &Batch{
		batch: p.db.NewIndexedBatch(),
	}
}

func (b *Batch) Get(key []byte) ([]byte, error) {
	if b.done.Load() {
		return nil, ErrBatchDone
	}
	value, closer, err := b.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (b *Batch) Put(key, value []byte) error {
	if b.done.Load() {
		return ErrBatchDone
	}
	return b.batch.Set(key, value, nil)
}

func (b *Batch) Delete(key []byte) error {
	if b.done.Load() {
		return ErrBatchDone
	}
	return b.batch.Delete(key, nil)
}

func (b *Batch) Commit() error {
	if b.done.Load() {
		return ErrBatchDone
	}
	if err := b.batch.Commit(pebble.Sync); err != nil {
		return err
	}
	b.done.Store(true)
	return b.batch.Close()
}

func (b *Batch) Close() error {
	if !b.done.CompareAndSwap(false, true) {
		return nil
	}
	return b.batch.Close()
}
