// Package bufpool implements the node cache: a fixed-size pool of page
// buffers ("nodes") with LRU eviction and dirty-page tracking. It knows
// nothing about B+ tree layout — internal/btree interprets a Node's
// Content as a page; this package only owns the buffer, its latch, and
// its place in the eviction list.
package bufpool

import (
	"container/list"

	"github.com/latticedb/lattice/internal/latch"
)

// State is a node's cached-state tag. A node is dirty iff its State is
// not Clean; the dirty tag records the commit epoch in which the node was
// dirtied, so the checkpointer can flush one epoch while writers dirty
// the other.
type State int

const (
	Clean State = iota
	DirtyEpoch0
	DirtyEpoch1
)

// DirtyStateForEpoch returns the dirty tag corresponding to epoch (0 or 1).
func DirtyStateForEpoch(epoch uint8) State {
	if epoch == 0 {
		return DirtyEpoch0
	}
	return DirtyEpoch1
}

// Node is one fixed-size page buffer held in the cache.
type Node struct {
	latch latch.Latch

	PageID  uint64
	Content []byte

	state   State
	pinned  bool // root nodes and in-flight loads: never evicted
	lruElem *list.Element
}

// Latch returns the node's reader/writer latch.
func (n *Node) Latch() *latch.Latch { return &n.latch }

// State returns the node's current cached-state tag.
func (n *Node) State() State { return n.state }

// SetState sets the node's cached-state tag.
func (n *Node) SetState(s State) { n.state = s }

// IsDirty reports whether the node differs from what's on disk.
func (n *Node) IsDirty() bool { return n.state != Clean }

// MarkClean clears the dirty tag after a successful flush.
func (n *Node) MarkClean() { n.state = Clean }
