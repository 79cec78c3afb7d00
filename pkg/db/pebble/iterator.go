package pebble

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/eigerco/kvclient/pkg/db"
)

type Iterator struct {
	iter    *pebble.Iterator
	reverse bool
	started bool
	done    bool
}

func (p *KVStore) NewIterator(start, end []byte) (db.Iterator, error) {
	return p.newIterator(start, end, false)
}

func (p *KVStore) NewReverseIterator(start, end []byte) (db.Iterator, error) {
	return p.newIterator(start, end, true)
}

func (p *KVStore) newIterator(start, end []byte, reverse bool) (db.Iterator, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return nil, fmt.Errorf("kv-store: create iterator: %w", err)
	}
	return &Iterator{iter: iter, reverse: reverse}, nil
}

// Next moves to the next key in iteration order. The first call positions
// the iterator on the first key. Once it returns false it keeps doing so.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}

	var ok bool
	switch {
	case !it.started && it.reverse:
		ok = it.iter.Last()
	case !it.started:
		ok = it.iter.First()
	case it.reverse:
		ok = it.iter.Prev()
	default:
		ok = it.iter.Next()
	}
	it.started = true
	it.done = !ok
	return ok
}

func (it *Iterator) Key() []byte {
	key := it.iter.Key()
	result := make([]byte, len(key))
	copy(result, key)
	return result
}

func (it *Iterator) Value() ([]byte, error) {
	if !it.Valid() {
		return nil, ErrIteratorInvalid
	}

	val, err := it.iter.ValueAndErr()
	if err != nil {
		return nil, fmt.Errorf("kv-store: read iterator value: %w", err)
	}

	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

func (it *Iterator) Valid() bool {
	return it.started && !it.done && it.iter.Valid()
}

func (it *Iterator) Close() error {
	return it.iter.Close()
}
