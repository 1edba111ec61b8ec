package btree

import (
	"bytes"

	"github.com/latticedb/lattice/internal/bufpool"
	"github.com/latticedb/lattice/internal/kverrors"
)

// frame is one level of a cursor's latched path through the tree. Only
// a cursor positioned for mutation (FindForUpdate) keeps the whole
// ancestor chain latched, since only mutation needs to propagate a
// split upward; a read-only cursor keeps just the leaf frame, since
// Next walks the leaf sibling chain and Previous re-descends from the
// root rather than consulting saved ancestors.
type frame struct {
	nodeID    uint64
	node      *bufpool.Node
	index     int
	exclusive bool
}

// Cursor is a latched position within one Tree, usable for both
// ordered traversal and, after FindForUpdate, in-place mutation.
type Cursor struct {
	tree   *Tree
	frames []*frame
	key    []byte
	found  bool
}

// NewCursor returns a cursor with no current position.
func (t *Tree) NewCursor() *Cursor {
	return &Cursor{tree: t}
}

// Found reports whether the last positioning call landed exactly on the
// sought key.
func (c *Cursor) Found() bool { return c.found }

// Key returns the key at the cursor's current position, or nil if the
// cursor is not positioned on an entry.
func (c *Cursor) Key() []byte {
	if len(c.frames) == 0 {
		return nil
	}
	fr := c.frames[len(c.frames)-1]
	if fr.index < 0 || fr.index >= NumKeys(fr.node.Content) {
		return nil
	}
	return RetrieveLeafKey(fr.node.Content, fr.index)
}

// Value returns the fragmented flag and value bytes at the cursor's
// current position.
func (c *Cursor) Value() (fragmented bool, value []byte, err error) {
	if len(c.frames) == 0 {
		return false, nil, kverrors.ErrInvalidPosition()
	}
	fr := c.frames[len(c.frames)-1]
	if fr.index < 0 || fr.index >= NumKeys(fr.node.Content) {
		return false, nil, kverrors.ErrInvalidPosition()
	}
	_, frag, val := RetrieveLeafEntry(fr.node.Content, fr.index)
	return frag, val, nil
}

// Reset releases any latches the cursor holds and clears its position.
func (c *Cursor) Reset() { c.releaseAll() }

func (c *Cursor) releaseAll() {
	for i := len(c.frames) - 1; i >= 0; i-- {
		c.tree.release(c.frames[i].node, c.frames[i].exclusive)
	}
	c.frames = nil
	c.found = false
}

// Copy returns a new cursor positioned identically to c, re-latching its
// current leaf shared. The copy is always read-only, regardless of
// whether c is positioned for update.
func (c *Cursor) Copy() (*Cursor, error) {
	cp := &Cursor{tree: c.tree, key: append([]byte(nil), c.key...), found: c.found}
	if len(c.frames) == 0 {
		return cp, nil
	}
	leaf := c.frames[len(c.frames)-1]
	leaf.node.Latch().AcquireShared()
	cp.frames = []*frame{{nodeID: leaf.nodeID, node: leaf.node, index: leaf.index, exclusive: false}}
	return cp, nil
}

// Find positions the cursor at key for reading, without requiring an
// exact match; Found reports whether the match was exact.
func (c *Cursor) Find(key []byte) error {
	return c.descend(key, false)
}

// FindForUpdate positions the cursor at key, latching the full ancestor
// path exclusively so a subsequent Store can propagate a split.
func (c *Cursor) FindForUpdate(key []byte) error {
	return c.descend(key, true)
}

func (c *Cursor) descend(key []byte, exclusive bool) error {
	c.releaseAll()
	c.key = append([]byte(nil), key...)

	id := c.tree.RootID()
	node, err := c.tree.fetch(id, exclusive)
	if err != nil {
		return err
	}
	fr := &frame{nodeID: id, node: node, exclusive: exclusive}
	if exclusive {
		c.frames = append(c.frames, fr)
	}

	for !IsLeaf(node.Content) {
		idx := BinarySearchInternal(node.Content, key)
		if exclusive {
			fr.index = idx
		}
		childID := ChildAt(node.Content, idx)
		child, err := c.tree.fetch(childID, exclusive)
		if err != nil {
			c.releaseAll()
			if !exclusive {
				c.tree.release(node, exclusive)
			}
			return err
		}
		if !exclusive {
			c.tree.release(node, exclusive)
		}
		node = child
		fr = &frame{nodeID: childID, node: child, exclusive: exclusive}
		if exclusive {
			c.frames = append(c.frames, fr)
		}
	}

	idx, found := BinarySearchLeaf(node.Content, key)
	fr.index = idx
	c.found = found
	if !exclusive {
		c.frames = []*frame{fr}
	}
	return nil
}

// First positions the cursor at the lowest key in the tree.
func (c *Cursor) First() error { return c.descendEdge(true) }

// Last positions the cursor at the highest key in the tree.
func (c *Cursor) Last() error { return c.descendEdge(false) }

func (c *Cursor) descendEdge(lowest bool) error {
	c.releaseAll()
	id := c.tree.RootID()
	node, err := c.tree.fetch(id, false)
	if err != nil {
		return err
	}
	for !IsLeaf(node.Content) {
		var childID uint64
		if lowest {
			childID = ChildAt(node.Content, 0)
		} else {
			childID = RightmostChild(node.Content)
		}
		child, err := c.tree.fetch(childID, false)
		if err != nil {
			c.tree.release(node, false)
			return err
		}
		c.tree.release(node, false)
		node = child
	}
	idx := 0
	if !lowest {
		idx = NumKeys(node.Content) - 1
	}
	c.frames = []*frame{{nodeID: node.PageID, node: node, index: idx, exclusive: false}}
	c.found = idx >= 0 && idx < NumKeys(node.Content)
	if c.found {
		c.key = append([]byte(nil), RetrieveLeafKey(node.Content, idx)...)
	}
	return nil
}

// Next advances the cursor to the next key in order. After the last key,
// the cursor becomes unpositioned (Found reports false, Key returns nil,
// Value returns an error).
func (c *Cursor) Next() error {
	if len(c.frames) == 0 {
		return kverrors.ErrInvalidPosition()
	}
	fr := c.frames[0]
	fr.index++
	if fr.index < NumKeys(fr.node.Content) {
		c.found = true
		return nil
	}
	return c.hopForward(fr)
}

// Previous retreats the cursor to the previous key in order.
func (c *Cursor) Previous() error {
	if len(c.frames) == 0 {
		return kverrors.ErrInvalidPosition()
	}
	fr := c.frames[0]
	fr.index--
	if fr.index >= 0 {
		c.found = true
		return nil
	}
	return c.hopBackward(fr)
}

// hopForward walks the leaf sibling chain forward from fr until it finds
// a non-empty leaf or runs out of siblings, leaving the cursor
// unpositioned in the latter case.
func (c *Cursor) hopForward(fr *frame) error {
	for {
		nextID := NextLeaf(fr.node.Content)
		c.tree.release(fr.node, fr.exclusive)
		if nextID == 0 {
			c.frames = nil
			c.found = false
			return nil
		}
		node, err := c.tree.fetch(nextID, false)
		if err != nil {
			c.frames = nil
			return err
		}
		fr = &frame{nodeID: nextID, node: node, index: 0, exclusive: false}
		if NumKeys(node.Content) > 0 {
			c.frames = []*frame{fr}
			c.found = true
			return nil
		}
	}
}

// hopBackward has no previous-sibling pointer to rely on — a split only
// ever threads the next pointer correctly without touching a third page,
// while a previous pointer would need the old right neighbor's
// back-pointer fixed up too. Instead it anchors on the exhausted leaf's
// lowest key and re-descends from the root, landing on the previous leaf
// by ordinary search; it terminates once a hop makes no further progress
// (the anchor key was already the smallest key in the tree).
func (c *Cursor) hopBackward(fr *frame) error {
	n := NumKeys(fr.node.Content)
	if n == 0 {
		c.tree.release(fr.node, fr.exclusive)
		c.frames = nil
		c.found = false
		return nil
	}
	anchor := append([]byte(nil), RetrieveLeafKey(fr.node.Content, 0)...)
	startID := fr.nodeID
	c.tree.release(fr.node, fr.exclusive)

	if err := c.descend(anchor, false); err != nil {
		return err
	}
	nfr := c.frames[0]
	nfr.index--
	if nfr.index >= 0 {
		c.found = true
		return nil
	}
	if nfr.nodeID == startID {
		c.tree.release(nfr.node, nfr.exclusive)
		c.frames = nil
		c.found = false
		return nil
	}
	return c.hopBackward(nfr)
}

// FindGe positions the cursor at the smallest key >= key.
func (c *Cursor) FindGe(key []byte) error {
	if err := c.descend(key, false); err != nil {
		return err
	}
	return c.settleForward()
}

// FindGt positions the cursor at the smallest key > key.
func (c *Cursor) FindGt(key []byte) error {
	if err := c.descend(key, false); err != nil {
		return err
	}
	if c.found {
		c.frames[0].index++
	}
	return c.settleForward()
}

// FindLe positions the cursor at the largest key <= key.
func (c *Cursor) FindLe(key []byte) error {
	if err := c.descend(key, false); err != nil {
		return err
	}
	if !c.found {
		c.frames[0].index--
	}
	return c.settleBackward()
}

// FindLt positions the cursor at the largest key < key.
func (c *Cursor) FindLt(key []byte) error {
	if err := c.descend(key, false); err != nil {
		return err
	}
	c.frames[0].index--
	return c.settleBackward()
}

func (c *Cursor) settleForward() error {
	fr := c.frames[0]
	if fr.index < NumKeys(fr.node.Content) {
		c.found = true
		return nil
	}
	return c.hopForward(fr)
}

func (c *Cursor) settleBackward() error {
	fr := c.frames[0]
	if fr.index >= 0 {
		c.found = true
		return nil
	}
	return c.hopBackward(fr)
}

// Move advances the cursor by n positions (negative moves backward). If
// the tree is exhausted before n steps complete, the cursor is left
// unpositioned, matching Next/Previous running off either end.
func (c *Cursor) Move(n int) error {
	if len(c.frames) == 0 {
		return kverrors.ErrInvalidPosition()
	}
	step := c.Next
	if n < 0 {
		step = c.Previous
		n = -n
	}
	for i := 0; i < n; i++ {
		if err := step(); err != nil {
			return err
		}
		if len(c.frames) == 0 {
			return nil
		}
	}
	return nil
}

// Store inserts, updates (value non-nil) or deletes (value nil) the
// entry at the cursor's current key. The cursor must have been
// positioned with FindForUpdate. On return the cursor's latches are
// released; the caller repositions before any further operation.
func (c *Cursor) Store(value []byte, fragmented bool) error {
	if len(c.frames) == 0 || !c.frames[0].exclusive {
		return kverrors.New(kverrors.KindInvalidPosition, "Store requires a cursor positioned with FindForUpdate")
	}
	leafFrame := c.frames[len(c.frames)-1]

	if value == nil {
		DeleteLeafEntry(leafFrame.node.Content, c.key)
		c.tree.markDirty(leafFrame.node)
		c.releaseAll()
		return nil
	}

	if InsertLeafEntry(leafFrame.node.Content, c.key, fragmented, value) {
		c.tree.markDirty(leafFrame.node)
		c.releaseAll()
		return nil
	}

	return c.splitAndPropagate(leafFrame, fragmented, value)
}

func (c *Cursor) splitAndPropagate(leafFrame *frame, fragmented bool, value []byte) error {
	siblingID, sibling, err := c.tree.allocChild()
	if err != nil {
		c.releaseAll()
		return err
	}
	separator := SplitLeaf(leafFrame.node.Content, sibling.Content, siblingID, c.key, fragmented, value)
	c.tree.markDirty(leafFrame.node)
	c.tree.markDirty(sibling)
	sibling.Latch().ReleaseExclusive()

	oldChildID := leafFrame.nodeID
	newChildID := siblingID
	sepKey := separator

	for i := len(c.frames) - 2; i >= 0; i-- {
		parent := c.frames[i]

		if InsertInternalEntry(parent.node.Content, sepKey, oldChildID) {
			idx := BinarySearchInternal(parent.node.Content, sepKey)
			UpdateChildRefID(parent.node.Content, idx, newChildID)
			c.tree.markDirty(parent.node)
			c.releaseAll()
			return nil
		}

		newParentID, newParent, err := c.tree.allocChild()
		if err != nil {
			c.releaseAll()
			return err
		}
		promoted := SplitInternal(parent.node.Content, newParent.Content, sepKey, oldChildID)
		if bytes.Compare(sepKey, promoted) < 0 {
			idx := BinarySearchInternal(parent.node.Content, sepKey)
			UpdateChildRefID(parent.node.Content, idx, newChildID)
		} else {
			idx := BinarySearchInternal(newParent.Content, sepKey)
			UpdateChildRefID(newParent.Content, idx, newChildID)
		}
		c.tree.markDirty(parent.node)
		c.tree.markDirty(newParent)
		newParent.Latch().ReleaseExclusive()

		oldChildID = parent.nodeID
		newChildID = newParentID
		sepKey = promoted
	}

	err = c.tree.splitRoot(oldChildID, newChildID, sepKey)
	c.releaseAll()
	return err
}
