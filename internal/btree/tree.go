package btree

import (
	"sync"

	"github.com/latticedb/lattice/internal/bufpool"
	"github.com/latticedb/lattice/internal/pagefile"
	"github.com/latticedb/lattice/internal/pagemgr"
	"github.com/latticedb/lattice/logger"
)

// Tree is one B+ tree rooted at a page id that can change identity
// across a split — Store callers always consult Tree.RootID, never a
// cached copy, to find the current root.
type Tree struct {
	device *pagefile.Device
	cache  *bufpool.Cache
	pages  *pagemgr.Manager
	epoch  func() uint8 // current checkpoint dirty epoch, supplied by the owning database

	mu     sync.RWMutex
	rootID uint64
	root   *bufpool.Node
}

// Open attaches a Tree to an existing root page, pinning its node so the
// cache never evicts it.
func Open(device *pagefile.Device, cache *bufpool.Cache, pages *pagemgr.Manager, rootID uint64, epoch func() uint8) (*Tree, error) {
	root, err := cache.Fetch(rootID)
	if err != nil {
		return nil, err
	}
	root.Latch().ReleaseExclusive()
	cache.MakeUnevictable(root)
	return &Tree{device: device, cache: cache, pages: pages, epoch: epoch, rootID: rootID, root: root}, nil
}

// Create allocates a fresh, empty leaf page to serve as the root of a
// brand-new tree.
func Create(device *pagefile.Device, cache *bufpool.Cache, pages *pagemgr.Manager, epoch func() uint8) (*Tree, error) {
	id, err := pages.Alloc()
	if err != nil {
		return nil, err
	}
	n, err := cache.FetchNew()
	if err != nil {
		return nil, err
	}
	InitLeaf(n.Content)
	cache.Bind(n, id)
	n.SetState(bufpool.DirtyStateForEpoch(epoch()))
	n.Latch().ReleaseExclusive()
	cache.MakeUnevictable(n)
	return &Tree{device: device, cache: cache, pages: pages, epoch: epoch, rootID: id, root: n}, nil
}

// RootID returns the tree's current root page id.
func (t *Tree) RootID() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootID
}

func (t *Tree) setRoot(n *bufpool.Node, id uint64) {
	t.mu.Lock()
	old := t.root
	t.rootID = id
	t.root = n
	t.mu.Unlock()
	t.cache.MakeEvictable(old)
	t.cache.MakeUnevictable(n)
}

// fetch loads the node for id, exclusively latched, downgrading to a
// shared latch for read-only traversal.
func (t *Tree) fetch(id uint64, exclusive bool) (*bufpool.Node, error) {
	n, err := t.cache.Fetch(id)
	if err != nil {
		return nil, err
	}
	if !exclusive {
		n.Latch().Downgrade()
	}
	return n, nil
}

func (t *Tree) release(n *bufpool.Node, exclusive bool) {
	if exclusive {
		n.Latch().ReleaseExclusive()
	} else {
		n.Latch().ReleaseShared()
	}
	t.cache.Used(n)
}

func (t *Tree) markDirty(n *bufpool.Node) {
	n.SetState(bufpool.DirtyStateForEpoch(t.epoch()))
}

// allocChild obtains a page id and a freshly bound, exclusively latched
// node to hold a new sibling produced by a split.
func (t *Tree) allocChild() (uint64, *bufpool.Node, error) {
	id, err := t.pages.Alloc()
	if err != nil {
		return 0, nil, err
	}
	n, err := t.cache.FetchNew()
	if err != nil {
		return 0, nil, err
	}
	t.cache.Bind(n, id)
	return id, n, nil
}

// splitRoot replaces the current root with a fresh internal page whose
// two children are the old root, at its existing page id (the tree's
// published RootID is free to change across a split — callers always
// look it up through RootID rather than caching it), and siblingID, the
// page produced by splitting what used to be the root.
func (t *Tree) splitRoot(oldRootID uint64, siblingID uint64, separator []byte) error {
	newRootID, newRoot, err := t.allocChild()
	if err != nil {
		return err
	}
	InitInternal(newRoot.Content, siblingID)
	InsertInternalEntry(newRoot.Content, separator, oldRootID)
	t.markDirty(newRoot)
	newRoot.Latch().ReleaseExclusive()

	t.setRoot(newRoot, newRootID)
	logger.Debugf("btree: root split, new root page %d", newRootID)
	return nil
}
