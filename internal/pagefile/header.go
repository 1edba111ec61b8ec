package pagefile

import "encoding/binary"

// EncodingVersion identifies the on-disk page-file format. It has no
// relation to any external product's magic number — it is this engine's
// own.
const EncodingVersion = 0x01333C6D

// headerFixedSize is the portion of the header page occupied by the
// fixed fields documented in spec.md §6 plus the registry's next-index-id
// counter; everything after it up to trailerOffset is free for the page
// manager's free-list snapshot.
const headerFixedSize = 44

// trailerSize holds the monotonic sequence number used to pick the
// newer of the two header copies on open.
const trailerSize = 8

// Header is the decoded content of one header-page copy.
type Header struct {
	EncodingVersion uint32
	RootPageID      uint64
	MasterUndoID    uint64
	NextTxnID       uint64
	ActiveRedoLogID uint64
	NextIndexID     uint64 // registry's next-to-allocate user index id
	FreeListState   []byte // opaque payload owned by internal/pagemgr
	Sequence        uint64
}

// Encode serializes h into buf, which must be exactly pageSize bytes.
func (h *Header) Encode(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.EncodingVersion)
	binary.LittleEndian.PutUint64(buf[4:12], h.RootPageID)
	binary.LittleEndian.PutUint64(buf[12:20], h.MasterUndoID)
	binary.LittleEndian.PutUint64(buf[20:28], h.NextTxnID)
	binary.LittleEndian.PutUint64(buf[28:36], h.ActiveRedoLogID)
	binary.LittleEndian.PutUint64(buf[36:44], h.NextIndexID)

	freeListRegion := buf[headerFixedSize : len(buf)-trailerSize]
	copy(freeListRegion, h.FreeListState)

	binary.LittleEndian.PutUint64(buf[len(buf)-trailerSize:], h.Sequence)
}

// Decode parses buf (exactly pageSize bytes) into a Header. It returns
// ok=false if the encoding version doesn't match, which the caller
// should treat as "this slot has never been written" rather than
// immediately fatal — the other slot may still be valid.
func Decode(buf []byte) (h *Header, ok bool) {
	if len(buf) < headerFixedSize+trailerSize {
		return nil, false
	}
	version := binary.LittleEndian.Uint32(buf[0:4])
	if version != EncodingVersion {
		return nil, false
	}
	h = &Header{
		EncodingVersion: version,
		RootPageID:      binary.LittleEndian.Uint64(buf[4:12]),
		MasterUndoID:    binary.LittleEndian.Uint64(buf[12:20]),
		NextTxnID:       binary.LittleEndian.Uint64(buf[20:28]),
		ActiveRedoLogID: binary.LittleEndian.Uint64(buf[28:36]),
		NextIndexID:     binary.LittleEndian.Uint64(buf[36:44]),
	}
	freeListRegion := buf[headerFixedSize : len(buf)-trailerSize]
	h.FreeListState = append([]byte(nil), freeListRegion...)
	h.Sequence = binary.LittleEndian.Uint64(buf[len(buf)-trailerSize:])
	return h, true
}
