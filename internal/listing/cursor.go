package listing

import (
	"iter"
	"sync"

	"subsync/client/internal/merge"
	"subsync/client/internal/storage"
)

// Cursor iterates the rows of a session as they were when it was opened,
// with pending actions merged in. Closing it without Retain deletes the
// session once no other cursor holds it.
type Cursor struct {
	owner   *Store
	session storage.Session
	rows    []storage.SessionRow
	pos     int

	mu       sync.Mutex
	retained bool
	closed   bool
}

func (c *Cursor) SessionID() string { return c.session.ID }

func (c *Cursor) Session() storage.Session { return c.session }

// More is the continuation key for the next page, empty when exhausted.
func (c *Cursor) More() string { return c.session.More }

func (c *Cursor) Len() int { return len(c.rows) }

func (c *Cursor) HasNext() bool { return c.pos < len(c.rows) }

// Next returns the next merged row.
func (c *Cursor) Next() (merge.View, bool) {
	if c.pos >= len(c.rows) {
		return merge.View{}, false
	}
	view := merge.ApplyRow(c.rows[c.pos])
	c.pos++
	return view, true
}

// All yields every merged row by position regardless of where Next is.
func (c *Cursor) All() iter.Seq2[int, merge.View] {
	return func(yield func(int, merge.View) bool) {
		for i, row := range c.rows {
			if !yield(i, merge.ApplyRow(row)) {
				return
			}
		}
	}
}

// Rows returns the raw rows with their pending actions attached.
func (c *Cursor) Rows() []storage.SessionRow { return c.rows }

// Retain keeps the session's rows after Close. It may be called any number
// of times and cannot be undone.
func (c *Cursor) Retain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.retained {
		return
	}
	c.retained = true
	c.owner.retain(c.session.ID)
}

// Close releases the cursor. Later calls do nothing.
func (c *Cursor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.owner.release(c.session.ID)
	return nil
}
