package btree

import "encoding/binary"

// leafRecord is a decoded leaf entry used as scratch while splitting or
// rebuilding a page; it owns copies of its key/value bytes since the
// source page's backing array is rewritten in place during a split.
type leafRecord struct {
	key        []byte
	fragmented bool
	value      []byte
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func readAllLeafRecords(content []byte) []leafRecord {
	n := numKeys(content)
	out := make([]leafRecord, n)
	for i := 0; i < n; i++ {
		key, frag, val := RetrieveLeafEntry(content, i)
		out[i] = leafRecord{copyBytes(key), frag, copyBytes(val)}
	}
	return out
}

// InsertLeafEntry attempts to insert (key, value) into content in sorted
// order. It reports false without modifying content if there is not
// enough free space; the caller must then split the page and retry.
func InsertLeafEntry(content []byte, key []byte, fragmented bool, value []byte) bool {
	i, found := BinarySearchLeaf(content, key)
	size := leafEntrySize(key, value)
	need := size
	if !found {
		need += 2
	}
	if FreeSpace(content) < need {
		Compact(content)
		i, found = BinarySearchLeaf(content, key)
		if FreeSpace(content) < need {
			return false
		}
	}
	if found {
		removeSlot(content, i)
	}
	insertSlot(content, i, size, func(off int) {
		putLeafEntry(content, off, key, fragmented, value)
	})
	return true
}

// DeleteLeafEntry removes the entry at key, if present. Reports whether
// an entry was removed.
func DeleteLeafEntry(content []byte, key []byte) bool {
	i, found := BinarySearchLeaf(content, key)
	if !found {
		return false
	}
	removeSlot(content, i)
	return true
}

// SplitLeaf divides the entries of a full leaf page (content) plus the
// pending insertion (key, value) between content and newContent, which
// must already be a zeroed page of the same size. newPageID is the page
// id newContent will be written to, used only to thread the sibling
// chain; it does not write newPageID anywhere else. Returns the
// separator key: the first key that belongs to newContent, which the
// caller must insert into the parent pointing at newPageID.
func SplitLeaf(content []byte, newContent []byte, newPageID uint64, key []byte, fragmented bool, value []byte) []byte {
	recs := readAllLeafRecords(content)
	i, found := BinarySearchLeaf(content, key)
	rec := leafRecord{copyBytes(key), fragmented, copyBytes(value)}
	if found {
		recs[i] = rec
	} else {
		recs = append(recs, leafRecord{})
		copy(recs[i+1:], recs[i:])
		recs[i] = rec
	}

	splitAt := splitPointLeaf(recs)
	nextLeaf := NextLeaf(content)

	InitLeaf(content)
	for _, r := range recs[:splitAt] {
		putAppendLeaf(content, r)
	}
	InitLeaf(newContent)
	for _, r := range recs[splitAt:] {
		putAppendLeaf(newContent, r)
	}
	SetNextLeaf(newContent, nextLeaf)
	SetNextLeaf(content, newPageID)

	return copyBytes(recs[splitAt].key)
}

// putAppendLeaf appends r as the new highest-keyed entry of content; the
// caller guarantees records are supplied in increasing key order, which
// is the pattern every split/rebuild uses.
func putAppendLeaf(content []byte, r leafRecord) {
	off := entryEnd(content) - leafEntrySize(r.key, r.value)
	putLeafEntry(content, off, r.key, r.fragmented, r.value)
	n := numKeys(content)
	setEntryOffsetAt(content, n, off)
	setNumKeys(content, n+1)
	setEntryEnd(content, off)
}

// splitPointLeaf picks the record index at which to divide recs so each
// half has roughly equal byte size, favoring the lower half on ties so a
// sequential ascending insert workload splits the new entry into the
// upper (freshly allocated) page rather than re-shuffling the original.
func splitPointLeaf(recs []leafRecord) int {
	total := 0
	sizes := make([]int, len(recs))
	for i, r := range recs {
		sizes[i] = leafEntrySize(r.key, r.value)
		total += sizes[i]
	}
	half := total / 2
	acc := 0
	for i, s := range sizes {
		acc += s
		if acc >= half {
			return i + 1
		}
	}
	return len(recs) - 1
}

// internalRecord is a decoded internal node entry used as split scratch.
type internalRecord struct {
	leftChild uint64
	key       []byte
}

func readAllInternalRecords(content []byte) []internalRecord {
	n := numKeys(content)
	out := make([]internalRecord, n)
	for i := 0; i < n; i++ {
		off := entryOffsetAt(content, i)
		out[i] = internalRecord{internalEntryChild(content, off), copyBytes(internalEntryKey(content, off))}
	}
	return out
}

// InsertInternalEntry attempts to insert a new (leftChild, key) pair
// ahead of the child currently reached by key, i.e. splitting what was a
// single child into two: leftChild now handles keys < key, and the
// existing child that used to own that range keeps handling keys >= key.
// Reports false without modifying content if there is not enough free
// space.
func InsertInternalEntry(content []byte, key []byte, leftChild uint64) bool {
	i := BinarySearchInternal(content, key)
	size := internalEntrySize(key)
	if FreeSpace(content) < size+2 {
		Compact(content)
		i = BinarySearchInternal(content, key)
		if FreeSpace(content) < size+2 {
			return false
		}
	}
	insertSlot(content, i, size, func(off int) {
		putInternalEntry(content, off, leftChild, key)
	})
	return true
}

// SplitInternal divides the entries of a full internal page plus the
// pending (key, leftChild) insertion between content and newContent.
// Returns the separator key promoted to the grandparent (which is
// removed from both children's own key sets, per standard B+ internal
// splitting). The previous rightmost child becomes newContent's
// rightmost child.
func SplitInternal(content []byte, newContent []byte, key []byte, leftChild uint64) []byte {
	recs := readAllInternalRecords(content)
	oldRightmost := RightmostChild(content)

	i := BinarySearchInternal(content, key)
	recs = append(recs, internalRecord{})
	copy(recs[i+1:], recs[i:])
	recs[i] = internalRecord{leftChild, copyBytes(key)}

	splitAt := splitPointInternal(recs)
	promoted := copyBytes(recs[splitAt].key)

	InitInternal(content, recs[splitAt].leftChild)
	for _, r := range recs[:splitAt] {
		appendInternal(content, r)
	}
	InitInternal(newContent, oldRightmost)
	for _, r := range recs[splitAt+1:] {
		appendInternal(newContent, r)
	}
	return promoted
}

func appendInternal(content []byte, r internalRecord) {
	off := entryEnd(content) - internalEntrySize(r.key)
	putInternalEntry(content, off, r.leftChild, r.key)
	n := numKeys(content)
	setEntryOffsetAt(content, n, off)
	setNumKeys(content, n+1)
	setEntryEnd(content, off)
}

func splitPointInternal(recs []internalRecord) int {
	total := 0
	sizes := make([]int, len(recs))
	for i, r := range recs {
		sizes[i] = internalEntrySize(r.key)
		total += sizes[i]
	}
	half := total / 2
	acc := 0
	for i, s := range sizes {
		acc += s
		if acc >= half {
			return i
		}
	}
	return len(recs) / 2
}

// UpdateChildRefID rewrites the child pointer at index i (as returned by
// BinarySearchInternal, i.e. i == numKeys means the rightmost child) to
// newID, used when a child is replaced during split completion or root
// creation.
func UpdateChildRefID(content []byte, i int, newID uint64) {
	if i >= numKeys(content) {
		SetRightmostChild(content, newID)
		return
	}
	off := entryOffsetAt(content, i)
	binary.LittleEndian.PutUint64(content[off:], newID)
}
