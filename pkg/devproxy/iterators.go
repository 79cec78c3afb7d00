package devproxy

import (
	"sync"

	"github.com/eigerco/kvclient/pkg/kv"
)

// cursor holds the rows of an open iteration not yet handed out.
type cursor struct {
	conn      uint64
	rows      []kv.RawRow
	batchSize int
}

// iterators tracks open iterations. A handle belongs to the connection that
// opened it and goes away with it.
type iterators struct {
	mu      sync.Mutex
	next    kv.IteratorID
	cursors map[kv.IteratorID]*cursor
}

func newIterators() *iterators {
	return &iterators{cursors: make(map[kv.IteratorID]*cursor)}
}

// open registers rows and returns the handle with the first page. Nothing is
// retained when the first page already holds every row.
func (its *iterators) open(conn uint64, rows []kv.RawRow, batchSize int) (kv.IteratorID, kv.RawPage) {
	its.mu.Lock()
	defer its.mu.Unlock()

	its.next++
	id := its.next
	c := &cursor{conn: conn, rows: rows, batchSize: batchSize}
	page := c.page()
	if page.HasMore {
		its.cursors[id] = c
	}
	return id, page
}

// nextPage returns the next page of id. The handle is dropped once the last
// page has been returned.
func (its *iterators) nextPage(conn uint64, id kv.IteratorID) (kv.RawPage, error) {
	its.mu.Lock()
	defer its.mu.Unlock()

	c, ok := its.cursors[id]
	if !ok || c.conn != conn {
		return kv.RawPage{}, kv.NewRemoteError(kv.RemoteIteratorNotFound, "iterator %d not found", id)
	}
	page := c.page()
	if !page.HasMore {
		delete(its.cursors, id)
	}
	return page, nil
}

// close drops id. Closing an unknown handle is not an error.
func (its *iterators) close(conn uint64, id kv.IteratorID) {
	its.mu.Lock()
	defer its.mu.Unlock()

	if c, ok := its.cursors[id]; ok && c.conn == conn {
		delete(its.cursors, id)
	}
}

// drop removes every handle of conn.
func (its *iterators) drop(conn uint64) {
	its.mu.Lock()
	defer its.mu.Unlock()

	for id, c := range its.cursors {
		if c.conn == conn {
			delete(its.cursors, id)
		}
	}
}

func (its *iterators) len() int {
	its.mu.Lock()
	defer its.mu.Unlock()
	return len(its.cursors)
}

func (c *cursor) page() kv.RawPage {
	n := min(c.batchSize, len(c.rows))
	page := kv.RawPage{Rows: c.rows[:n:n]}
	c.rows = c.rows[n:]
	page.HasMore = len(c.rows) > 0
	return page
}
