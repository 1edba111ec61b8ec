package lattice

import (
	"github.com/latticedb/lattice/internal/btree"
	"github.com/latticedb/lattice/internal/kverrors"
)

// Cursor is an ordered traversal position within one Index, scoped to a
// Transaction so every entry it lands on acquires that transaction's
// read lock.
type Cursor struct {
	ix  *Index
	txn *Transaction
	cur *btree.Cursor
}

// Cursor returns a fresh, unpositioned cursor over ix scoped to tx.
func (tx *Transaction) Cursor(ix *Index) *Cursor {
	return &Cursor{ix: ix, txn: tx, cur: ix.tree.NewCursor()}
}

func (c *Cursor) lockCurrent() error {
	if !c.cur.Found() {
		return nil
	}
	return c.txn.t.LockForRead(c.ix.id, c.cur.Key())
}

// Found reports whether the cursor sits exactly on an entry.
func (c *Cursor) Found() bool { return c.cur.Found() }

// Key returns the key at the cursor's current position, nil if unpositioned.
func (c *Cursor) Key() []byte { return c.cur.Key() }

// Value returns the value at the cursor's current position,
// transparently reconstructing it if it was stored fragmented.
func (c *Cursor) Value() ([]byte, error) {
	frag, raw, err := c.cur.Value()
	if err != nil {
		return nil, err
	}
	if frag {
		return c.ix.db.frag.Read(raw)
	}
	return raw, nil
}

// First positions the cursor at the index's smallest key.
func (c *Cursor) First() error {
	if err := c.cur.First(); err != nil {
		return err
	}
	return c.lockCurrent()
}

// Last positions the cursor at the index's largest key.
func (c *Cursor) Last() error {
	if err := c.cur.Last(); err != nil {
		return err
	}
	return c.lockCurrent()
}

// Find positions the cursor at key; Found reports whether the match was
// exact. When key is absent the cursor rests at key's insertion point in
// its leaf: Key returns the leaf's next entry, or nil if the insertion
// point is past the leaf's last entry (the next leaf is not consulted).
func (c *Cursor) Find(key []byte) error {
	if err := c.cur.Find(key); err != nil {
		return err
	}
	return c.lockCurrent()
}

// FindGe positions the cursor at the smallest key >= key.
func (c *Cursor) FindGe(key []byte) error {
	if err := c.cur.FindGe(key); err != nil {
		return err
	}
	return c.lockCurrent()
}

// FindGt positions the cursor at the smallest key > key.
func (c *Cursor) FindGt(key []byte) error {
	if err := c.cur.FindGt(key); err != nil {
		return err
	}
	return c.lockCurrent()
}

// FindLe positions the cursor at the largest key <= key.
func (c *Cursor) FindLe(key []byte) error {
	if err := c.cur.FindLe(key); err != nil {
		return err
	}
	return c.lockCurrent()
}

// FindLt positions the cursor at the largest key < key.
func (c *Cursor) FindLt(key []byte) error {
	if err := c.cur.FindLt(key); err != nil {
		return err
	}
	return c.lockCurrent()
}

// Next advances to the next key in order.
func (c *Cursor) Next() error {
	if err := c.cur.Next(); err != nil {
		return err
	}
	return c.lockCurrent()
}

// Previous retreats to the previous key in order.
func (c *Cursor) Previous() error {
	if err := c.cur.Previous(); err != nil {
		return err
	}
	return c.lockCurrent()
}

// Move advances (or, for negative n, retreats) the cursor by n positions.
func (c *Cursor) Move(n int) error {
	if err := c.cur.Move(n); err != nil {
		return err
	}
	return c.lockCurrent()
}

// Reset releases the cursor's latches and clears its position.
func (c *Cursor) Reset() { c.cur.Reset() }

// Copy returns an independently positioned read-only copy of c.
func (c *Cursor) Copy() (*Cursor, error) {
	cp, err := c.cur.Copy()
	if err != nil {
		return nil, err
	}
	return &Cursor{ix: c.ix, txn: c.txn, cur: cp}, nil
}

// Store writes value at the cursor's current key (value nil deletes),
// going through the owning transaction's full lock/redo/undo path, and
// re-settles the cursor on the same key afterward.
func (c *Cursor) Store(value []byte) error {
	key := c.cur.Key()
	if key == nil {
		return kverrors.ErrInvalidPosition()
	}
	key = append([]byte(nil), key...)
	c.cur.Reset()

	var err error
	if value == nil {
		err = c.txn.Delete(c.ix, key)
	} else {
		err = c.txn.Put(c.ix, key, value)
	}
	if err != nil {
		return err
	}
	return c.cur.Find(key)
}
