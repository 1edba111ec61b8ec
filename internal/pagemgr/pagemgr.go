// Package pagemgr implements the free-list page allocator: it hands out
// reusable page ids or grows the page device when none are free, and
// defers reuse of deleted pages until the next checkpoint succeeds so
// that crash recovery can still see the prior epoch's pages.
package pagemgr

import (
	"encoding/binary"

	"github.com/latticedb/lattice/internal/pagefile"
)

// Manager is the free-list allocator for one page device.
type Manager struct {
	device *pagefile.Device

	// freeList holds ids that are safe to hand out right now: pages
	// deleted before the last successful checkpoint.
	freeList []uint64

	// pending holds ids deleted or recycled during the current epoch;
	// they migrate into freeList only once the checkpoint that freezes
	// this epoch has durably committed (CommitEnd).
	pending []uint64

	// overflowHead is the head of a persisted chain of free-list pages
	// holding ids beyond what fits inline in the header. 0 means none.
	overflowHead uint64
	// overflowScratch is not read or written by any method: restore
	// drains the whole persisted chain straight into freeList.
	overflowScratch []uint64
}

// headerInlineCapacity bounds how many free ids are encoded directly in
// the header's free-list region, leaving room for the overflow pointer.
func headerInlineCapacity(freeListStateLen int) int {
	// 4 bytes inline count + 8 bytes overflow head pointer.
	avail := freeListStateLen - 4 - 8
	if avail < 0 {
		return 0
	}
	return avail / 8
}

// New constructs a Manager over device, restoring allocator state from
// a previously persisted header free-list snapshot (nil/empty for a
// freshly initialized device).
func New(device *pagefile.Device, freeListState []byte) *Manager {
	m := &Manager{device: device}
	m.restore(freeListState)
	return m
}

func (m *Manager) restore(state []byte) {
	if len(state) < 12 {
		return
	}
	count := binary.LittleEndian.Uint32(state[0:4])
	off := 4
	ids := make([]uint64, 0, count)
	for i := uint32(0); i < count && off+8 <= len(state)-8; i++ {
		ids = append(ids, binary.LittleEndian.Uint64(state[off:off+8]))
		off += 8
	}
	overflowHead := binary.LittleEndian.Uint64(state[len(state)-8:])

	m.freeList = ids
	m.overflowHead = overflowHead
	m.drainOverflowChain()
}

// drainOverflowChain reads every page in the persisted overflow chain
// into freeList and resets the chain to empty; it is only ever invoked
// from restore, since after that point a new chain is written only by
// CommitStart rather than kept as a standing chain in memory.
func (m *Manager) drainOverflowChain() {
	page := m.overflowHead
	buf := make([]byte, m.device.PageSize())
	for page != 0 {
		if err := m.device.ReadPage(page, buf); err != nil {
			break
		}
		ids, next := decodeOverflowNode(buf)
		m.freeList = append(m.freeList, ids...)
		m.freeList = append(m.freeList, page) // the chain page itself becomes free once drained
		page = next
	}
	m.overflowHead = 0
}

func decodeOverflowNode(buf []byte) (ids []uint64, next uint64) {
	count := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	for i := uint32(0); i < count; i++ {
		ids = append(ids, binary.LittleEndian.Uint64(buf[off:off+8]))
		off += 8
	}
	next = binary.LittleEndian.Uint64(buf[len(buf)-8:])
	return ids, next
}

func encodeOverflowNode(pageSize uint32, ids []uint64, next uint64) []byte {
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(ids)))
	off := 4
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[off:off+8], id)
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[len(buf)-8:], next)
	return buf
}

// Alloc returns a page id safe to write a brand-new node/value into:
// either a reusable id from the free list, or a fresh id obtained by
// growing the device.
func (m *Manager) Alloc() (uint64, error) {
	if n := len(m.freeList); n > 0 {
		id := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return id, nil
	}
	id := m.device.NumPages()
	if err := m.device.Grow(id + 1); err != nil {
		return 0, err
	}
	return id, nil
}

// Delete marks id as no longer in use. It is not handed out by Alloc
// until the next checkpoint's CommitEnd runs, preserving it for crash
// recovery of the epoch currently being flushed.
func (m *Manager) Delete(id uint64) {
	m.pending = append(m.pending, id)
}

// Recycle is identical to Delete in this implementation (spec.md §4.2,
// Open Question 3: a future optimization may split recycle into a
// queue for same-checkpoint reuse; not implemented here).
func (m *Manager) Recycle(id uint64) {
	m.Delete(id)
}

// CommitStart is called by the checkpointer, from the prepare callback
// of the device's header commit (after the commit latch is released),
// to obtain the free-list payload for the new header. It reflects only
// ids already safe to reuse — pending deletes from the epoch being
// frozen are not yet included.
func (m *Manager) CommitStart(freeListStateLen int) ([]byte, error) {
	inlineCap := headerInlineCapacity(freeListStateLen)

	ids := append([]uint64(nil), m.freeList...)
	var inline, overflow []uint64
	if len(ids) <= inlineCap {
		inline = ids
	} else {
		inline = ids[:inlineCap]
		overflow = ids[inlineCap:]
	}

	overflowHead, err := m.persistOverflow(overflow)
	if err != nil {
		return nil, err
	}

	out := make([]byte, freeListStateLen)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(inline)))
	off := 4
	for _, id := range inline {
		binary.LittleEndian.PutUint64(out[off:off+8], id)
		off += 8
	}
	binary.LittleEndian.PutUint64(out[len(out)-8:], overflowHead)
	m.overflowHead = overflowHead
	return out, nil
}

// persistOverflow writes ids as a chain of free-list pages, consuming
// one id off the tail of ids per page to host that page itself — so
// persisting the overflow never needs to draw a page from the very free
// list it is describing. Returns the head page id of the chain (0 if
// ids is empty).
func (m *Manager) persistOverflow(ids []uint64) (uint64, error) {
	const idsPerPage = 32
	next := uint64(0)
	for len(ids) > 0 {
		pageID := ids[len(ids)-1]
		ids = ids[:len(ids)-1]

		n := idsPerPage
		if n > len(ids) {
			n = len(ids)
		}
		chunk := ids[len(ids)-n:]
		ids = ids[:len(ids)-n]

		buf := encodeOverflowNode(m.device.PageSize(), chunk, next)
		if err := m.device.WritePage(pageID, buf); err != nil {
			return 0, err
		}
		next = pageID
	}
	return next, nil
}

// CommitEnd is called after the checkpoint's header write has durably
// committed: pages deleted during the frozen epoch are now safe to
// reuse.
func (m *Manager) CommitEnd() {
	m.freeList = append(m.freeList, m.pending...)
	m.pending = m.pending[:0]
}
