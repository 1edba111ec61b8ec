package bufpool

import (
	"container/list"
	"sync"

	"github.com/latticedb/lattice/internal/kverrors"
	"github.com/latticedb/lattice/internal/pagefile"
)

// Cache is the fixed-capacity node cache shared by every cursor over one
// database. Its capacity is never below minHeadroom+1 nodes; eviction
// considers every unpinned, clean node, the most recently used ones
// included.
type Cache struct {
	mu       sync.Mutex
	capacity int
	device   *pagefile.Device

	byID map[uint64]*Node
	lru  *list.List // front = most recently used, back = least
}

const minHeadroom = 2

// NewCache constructs a cache of the given capacity (in pages) backed by
// device for load/evict I/O. capacity below minHeadroom+1 is raised to
// minHeadroom+1,
// since the engine can never make forward progress with fewer than two
// pinned-free slots.
func NewCache(capacity int, device *pagefile.Device) *Cache {
	if capacity < minHeadroom+1 {
		capacity = minHeadroom + 1
	}
	return &Cache{
		capacity: capacity,
		device:   device,
		byID:     make(map[uint64]*Node, capacity),
		lru:      list.New(),
	}
}

// Fetch returns the node for pageID, exclusively latched, loading it
// from the device and evicting a victim if it is not already resident.
// The caller must release the latch (and call Used, if the node should
// be considered for MRU promotion) when done.
func (c *Cache) Fetch(pageID uint64) (*Node, error) {
	c.mu.Lock()
	if n, ok := c.byID[pageID]; ok {
		c.lru.MoveToFront(n.lruElem)
		c.mu.Unlock()
		n.Latch().AcquireExclusive()
		return n, nil
	}
	n, err := c.makeRoomLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	n.pinned = true // not yet visible for eviction until content is loaded
	c.mu.Unlock()

	n.Latch().AcquireExclusive()
	if n.Content == nil {
		n.Content = make([]byte, c.device.PageSize())
	}
	if err := c.device.ReadPage(pageID, n.Content); err != nil {
		n.Latch().ReleaseExclusive()
		c.mu.Lock()
		delete(c.byID, n.PageID)
		c.lru.Remove(n.lruElem)
		c.mu.Unlock()
		return nil, err
	}
	n.PageID = pageID
	n.state = Clean

	c.mu.Lock()
	n.pinned = false
	c.byID[pageID] = n
	c.mu.Unlock()
	return n, nil
}

// FetchNew returns a brand-new, zeroed, exclusively latched node not yet
// bound to a page id. The caller binds it to a real id with Bind once
// the allocator has produced one (this lets a split write its new
// sibling's content before the id it will live at is even decided).
func (c *Cache) FetchNew() (*Node, error) {
	c.mu.Lock()
	n, err := c.makeRoomLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	n.pinned = true
	c.mu.Unlock()

	n.Latch().AcquireExclusive()
	if n.Content == nil {
		n.Content = make([]byte, c.device.PageSize())
	} else {
		for i := range n.Content {
			n.Content[i] = 0
		}
	}
	n.state = Clean
	return n, nil
}

// Bind assigns pageID to a node previously returned by FetchNew, making
// it visible to subsequent Fetch calls and eligible for eviction.
func (c *Cache) Bind(n *Node, pageID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n.PageID = pageID
	c.byID[pageID] = n
	n.pinned = false
}

// makeRoomLocked returns a Node ready to be reused: a node DeleteNode
// left unbound at the front of the LRU list, else a fresh Node while the
// cache is below capacity, else the least recently used unpinned, clean
// node, evicted. c.mu must be held. Dirty nodes are skipped and never
// flushed here; CacheExhausted is returned when no unpinned, clean node
// can be latched.
func (c *Cache) makeRoomLocked() (*Node, error) {
	if e := c.lru.Front(); e != nil {
		n := e.Value.(*Node)
		if !n.pinned && c.byID[n.PageID] != n && n.Latch().TryAcquireExclusive() {
			n.Latch().ReleaseExclusive()
			return n, nil
		}
	}
	if len(c.byID) < c.capacity {
		n := &Node{}
		n.lruElem = c.lru.PushFront(n)
		return n, nil
	}

	for e := c.lru.Back(); e != nil; e = e.Prev() {
		n := e.Value.(*Node)
		if n.pinned || n.IsDirty() {
			continue
		}
		if !n.Latch().TryAcquireExclusive() {
			continue
		}
		delete(c.byID, n.PageID)
		n.Latch().ReleaseExclusive()
		c.lru.MoveToFront(e)
		return n, nil
	}
	return nil, kverrors.ErrCacheExhausted()
}

// Used records that n was accessed; clean nodes promote to the front of
// the LRU list, dirty nodes stay where they are so the checkpointer
// keeps finding them near the back for flushing (spec.md §4.3's
// clean-promotes/dirty-stays-FIFO policy).
func (c *Cache) Used(n *Node) {
	if n.IsDirty() {
		return
	}
	c.mu.Lock()
	c.lru.MoveToFront(n.lruElem)
	c.mu.Unlock()
}

// MakeUnevictable pins n so it is never chosen as an eviction victim;
// used for the root node of every open index.
func (c *Cache) MakeUnevictable(n *Node) {
	c.mu.Lock()
	n.pinned = true
	c.mu.Unlock()
}

// MakeEvictable reverses MakeUnevictable.
func (c *Cache) MakeEvictable(n *Node) {
	c.mu.Lock()
	n.pinned = false
	c.lru.MoveToFront(n.lruElem)
	c.mu.Unlock()
}

// DeleteNode removes n from the cache's id index so its page id can be
// freed and reused; the Node struct itself stays pooled at the front of
// the LRU list for immediate reuse by the next FetchNew/Fetch miss.
func (c *Cache) DeleteNode(n *Node) {
	c.mu.Lock()
	delete(c.byID, n.PageID)
	n.state = Clean
	c.lru.MoveToFront(n.lruElem)
	c.mu.Unlock()
}

// DirtyNodes returns every currently resident node tagged with the
// given epoch's dirty state, for the checkpointer to flush.
func (c *Cache) DirtyNodes(epoch uint8) []*Node {
	want := DirtyStateForEpoch(epoch)
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Node
	for _, n := range c.byID {
		if n.state == want {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of nodes currently resident, for tests and
// diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}
