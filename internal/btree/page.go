// Package btree implements the B+ tree node page layout and the cursor
// that traverses and mutates it: binary search within a page, leaf entry
// insert/delete, page splits (absorbed into the parent within the same
// Store call, so no split descriptor is kept on a node), and lock-coupled
// descent.
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/latticedb/lattice/internal/bufpool"
)

// Page layout (shared header, variable body):
//
//	offset 0:      type byte (typeLeaf or typeInternal)
//	offset 1:      reserved
//	offset 2..3:   numKeys uint16
//	offset 4..5:   entryEnd uint16 — entries are packed from the end of
//	               the page backward; entryEnd is the lowest occupied
//	               offset, i.e. free space lies in [offsetTableEnd, entryEnd)
//	offset 6..13:  rightmostChild uint64 (internal nodes only)
//	offset 14..21: nextLeaf uint64 (leaf nodes only — sibling chain for
//	               forward range scans without reconsulting the parent)
//	offset 22..23: padding
//	offset 24..:   offset table, numKeys uint16 entries, each the byte
//	               offset of that slot's entry, kept in key order
//
// Leaf entry:    keyLen uint16 | key | fragFlag byte | valLen uint32 | value
// Internal entry: leftChild uint64 | keyLen uint16 | key
const (
	typeLeaf     byte = 0
	typeInternal byte = 1

	headerSize = 24

	offType           = 0
	offNumKeys        = 2
	offEntryEnd       = 4
	offRightmostChild = 6
	offNextLeaf       = 14
)

// IsLeaf reports whether the page held in content is a leaf node.
func IsLeaf(content []byte) bool { return content[offType] == typeLeaf }

// InitLeaf resets content to an empty leaf page.
func InitLeaf(content []byte) {
	for i := range content {
		content[i] = 0
	}
	content[offType] = typeLeaf
	binary.LittleEndian.PutUint16(content[offEntryEnd:], uint16(len(content)))
}

// InitInternal resets content to an empty internal page with the given
// sole (rightmost) child.
func InitInternal(content []byte, soleChild uint64) {
	for i := range content {
		content[i] = 0
	}
	content[offType] = typeInternal
	binary.LittleEndian.PutUint16(content[offEntryEnd:], uint16(len(content)))
	binary.LittleEndian.PutUint64(content[offRightmostChild:], soleChild)
}

func numKeys(content []byte) int {
	return int(binary.LittleEndian.Uint16(content[offNumKeys:]))
}

func setNumKeys(content []byte, n int) {
	binary.LittleEndian.PutUint16(content[offNumKeys:], uint16(n))
}

func entryEnd(content []byte) int {
	return int(binary.LittleEndian.Uint16(content[offEntryEnd:]))
}

func setEntryEnd(content []byte, v int) {
	binary.LittleEndian.PutUint16(content[offEntryEnd:], uint16(v))
}

// RightmostChild returns the rightmost child pointer of an internal page.
func RightmostChild(content []byte) uint64 {
	return binary.LittleEndian.Uint64(content[offRightmostChild:])
}

// SetRightmostChild updates the rightmost child pointer of an internal page.
func SetRightmostChild(content []byte, id uint64) {
	binary.LittleEndian.PutUint64(content[offRightmostChild:], id)
}

// NextLeaf returns the forward sibling chain pointer of a leaf page (0 if none).
func NextLeaf(content []byte) uint64 {
	return binary.LittleEndian.Uint64(content[offNextLeaf:])
}

// SetNextLeaf updates the forward sibling chain pointer of a leaf page.
func SetNextLeaf(content []byte, id uint64) {
	binary.LittleEndian.PutUint64(content[offNextLeaf:], id)
}

func slotOffset(content []byte, i int) int {
	return headerSize + i*2
}

func entryOffsetAt(content []byte, i int) int {
	return int(binary.LittleEndian.Uint16(content[slotOffset(content, i):]))
}

func setEntryOffsetAt(content []byte, i int, off int) {
	binary.LittleEndian.PutUint16(content[slotOffset(content, i):], uint16(off))
}

// offsetTableEnd returns the first byte past the current offset table.
func offsetTableEnd(content []byte) int {
	return headerSize + numKeys(content)*2
}

// FreeSpace returns the number of unused bytes currently available for a
// new slot + entry.
func FreeSpace(content []byte) int {
	return entryEnd(content) - offsetTableEnd(content)
}

// leafEntryKey returns the key stored at byte offset off in a leaf page.
func leafEntryKey(content []byte, off int) []byte {
	klen := int(binary.LittleEndian.Uint16(content[off:]))
	return content[off+2 : off+2+klen]
}

// leafEntryValue returns the fragmented flag and value bytes stored at
// byte offset off in a leaf page.
func leafEntryValue(content []byte, off int) (fragmented bool, value []byte) {
	klen := int(binary.LittleEndian.Uint16(content[off:]))
	p := off + 2 + klen
	fragmented = content[p] != 0
	p++
	vlen := int(binary.LittleEndian.Uint32(content[p:]))
	p += 4
	return fragmented, content[p : p+vlen]
}

func leafEntrySize(key []byte, value []byte) int {
	return 2 + len(key) + 1 + 4 + len(value)
}

func putLeafEntry(content []byte, off int, key []byte, fragmented bool, value []byte) {
	binary.LittleEndian.PutUint16(content[off:], uint16(len(key)))
	p := off + 2
	copy(content[p:], key)
	p += len(key)
	if fragmented {
		content[p] = 1
	} else {
		content[p] = 0
	}
	p++
	binary.LittleEndian.PutUint32(content[p:], uint32(len(value)))
	p += 4
	copy(content[p:], value)
}

func internalEntryKey(content []byte, off int) []byte {
	klen := int(binary.LittleEndian.Uint16(content[off+8:]))
	return content[off+10 : off+10+klen]
}

func internalEntryChild(content []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(content[off:])
}

func internalEntrySize(key []byte) int {
	return 8 + 2 + len(key)
}

func putInternalEntry(content []byte, off int, leftChild uint64, key []byte) {
	binary.LittleEndian.PutUint64(content[off:], leftChild)
	binary.LittleEndian.PutUint16(content[off+8:], uint16(len(key)))
	copy(content[off+10:], key)
}

// BinarySearchLeaf returns the index of key among the page's entries, and
// whether it was found exactly. When not found, index is the insertion
// point that keeps keys sorted.
func BinarySearchLeaf(content []byte, key []byte) (index int, found bool) {
	n := numKeys(content)
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		k := leafEntryKey(content, entryOffsetAt(content, mid))
		c := bytes.Compare(key, k)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// BinarySearchInternal returns the index of the child to descend into for
// key: the smallest i such that key < key_i, or n (meaning the rightmost
// child) if key is >= every separator key.
func BinarySearchInternal(content []byte, key []byte) int {
	n := numKeys(content)
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		k := internalEntryKey(content, entryOffsetAt(content, mid))
		if bytes.Compare(key, k) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// ChildAt returns the child pointer for descending at index i (as
// returned by BinarySearchInternal): the entry's left child if i < n,
// else the rightmost child.
func ChildAt(content []byte, i int) uint64 {
	if i < numKeys(content) {
		return internalEntryChild(content, entryOffsetAt(content, i))
	}
	return RightmostChild(content)
}

// RetrieveLeafKey returns the key at slot i of a leaf page.
func RetrieveLeafKey(content []byte, i int) []byte {
	return leafEntryKey(content, entryOffsetAt(content, i))
}

// RetrieveLeafEntry returns the key, fragmented flag, and value at slot i
// of a leaf page.
func RetrieveLeafEntry(content []byte, i int) (key []byte, fragmented bool, value []byte) {
	off := entryOffsetAt(content, i)
	key = leafEntryKey(content, off)
	fragmented, value = leafEntryValue(content, off)
	return key, fragmented, value
}

// NumKeys returns the number of keys/entries currently stored in the page.
func NumKeys(content []byte) int { return numKeys(content) }

// insertSlot inserts entryBytes (already encoded) at logical slot i,
// shifting the offset table and writing the entry at the new low
// watermark. The caller must already have checked FreeSpace covers
// len(entryBytes) + 2 (for the new offset slot).
func insertSlot(content []byte, i int, entrySize int, write func(off int)) {
	n := numKeys(content)
	newEnd := entryEnd(content) - entrySize
	write(newEnd)

	// Shift offset table to open a gap at i.
	for j := n; j > i; j-- {
		setEntryOffsetAt(content, j, entryOffsetAt(content, j-1))
	}
	setEntryOffsetAt(content, i, newEnd)
	setNumKeys(content, n+1)
	setEntryEnd(content, newEnd)
}

// removeSlot deletes the logical slot i. It does not reclaim the vacated
// entry bytes in the body (that happens implicitly on next Compact),
// only the offset table entry.
func removeSlot(content []byte, i int) {
	n := numKeys(content)
	for j := i; j < n-1; j++ {
		setEntryOffsetAt(content, j, entryOffsetAt(content, j+1))
	}
	setNumKeys(content, n-1)
}

// Compact rewrites the page's entries to reclaim space left behind by
// deletions, packing them from the end of the page in offset-table order.
func Compact(content []byte) {
	n := numKeys(content)
	type rec struct {
		off  int
		size int
	}
	leaf := IsLeaf(content)
	recs := make([]rec, n)
	for i := 0; i < n; i++ {
		off := entryOffsetAt(content, i)
		var size int
		if leaf {
			key := leafEntryKey(content, off)
			_, val := leafEntryValue(content, off)
			size = leafEntrySize(key, val)
		} else {
			key := internalEntryKey(content, off)
			size = internalEntrySize(key)
		}
		recs[i] = rec{off, size}
	}

	scratch := make([]byte, len(content))
	cursor := len(content)
	for i := n - 1; i >= 0; i-- {
		cursor -= recs[i].size
		copy(scratch[cursor:], content[recs[i].off:recs[i].off+recs[i].size])
		setEntryOffsetAt(content, i, cursor)
	}
	copy(content[cursor:], scratch[cursor:])
	setEntryEnd(content, cursor)
}

// nodeContent is a convenience accessor so callers that hold a
// *bufpool.Node don't need to repeat .Content everywhere.
func nodeContent(n *bufpool.Node) []byte { return n.Content }
