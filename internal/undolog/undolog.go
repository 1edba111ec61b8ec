// Package undolog implements the per-transaction undo log: an
// append-only list of reverse actions used for rollback and, after
// serialization into a master log at checkpoint time, for continuing
// rollback across a crash. Grounded on manager/undo_log_manager.go's
// per-transaction entry list and reverse-order rollback walk,
// generalized from its file-backed single log into the chain-of-active-
// logs-plus-master-log design spec.md §4.9 and §9 describe.
package undolog

import (
	"encoding/binary"

	"github.com/latticedb/lattice/internal/kverrors"
)

// Kind identifies the reverse action a Record describes.
type Kind byte

const (
	KindInsert               Kind = iota // entry didn't exist before: undo deletes it
	KindUpdateOldValue                   // entry existed with a different value: undo restores it
	KindDeleteFragmentedCopy             // a fragmented value was deleted: undo resurrects it from trash
	KindScope                            // a savepoint marker, never applied, only used to bound RollbackTo
)

// Record is one undo action.
type Record struct {
	Kind       Kind
	IndexID    uint64
	Key        []byte
	OldValue   []byte
	Fragmented bool
	TrashKey   []byte // set only for KindDeleteFragmentedCopy
}

// Applier replays a Record's reverse action against the live tree
// state. Implemented by the owning database with the BOGUS (no redo, no
// lock) transaction context spec.md §4.9 requires.
type Applier interface {
	Apply(r Record) error
}

// Log is one transaction's append-only undo list. It is also linked
// into the database-wide Chain of active logs so a checkpoint can fold
// its still-pending records into the master log.
type Log struct {
	TxnID   uint64
	records []Record

	prev, next *Log // intrusive chain links, owned by Chain
}

// New returns an empty undo log for txnID.
func New(txnID uint64) *Log {
	return &Log{TxnID: txnID}
}

// Append adds a reverse action to the end of the log.
func (l *Log) Append(r Record) {
	l.records = append(l.records, r)
}

// Mark returns the current length of the log, to be passed to
// RollbackTo when the enclosing scope exits.
func (l *Log) Mark() int {
	return len(l.records)
}

// RollbackTo pops records above mark in reverse order, applying each via
// applier, and truncates the log to mark. Scope markers are skipped
// (they exist only so nested Mark/RollbackTo calls compose).
func (l *Log) RollbackTo(mark int, applier Applier) error {
	for i := len(l.records) - 1; i >= mark; i-- {
		r := l.records[i]
		if r.Kind == KindScope {
			continue
		}
		if err := applier.Apply(r); err != nil {
			return err
		}
	}
	l.records = l.records[:mark]
	return nil
}

// TruncateAll discards every record, used on commit-final once the
// transaction's writes are durable and no longer need an undo path.
func (l *Log) TruncateAll() {
	l.records = nil
}

// Len reports how many records remain pending.
func (l *Log) Len() int { return len(l.records) }

// Records returns the log's still-pending records, for master-log
// serialization at checkpoint time. Callers must not mutate the slice.
func (l *Log) Records() []Record { return l.records }

// Chain is the database-wide doubly linked list of active undo logs,
// anchored on the database so a checkpoint can walk every transaction
// that hasn't committed-final yet.
type Chain struct {
	head, tail *Log
	byTxn      map[uint64]*Log
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{byTxn: make(map[uint64]*Log)}
}

// Register links log into the chain, making it visible to Snapshot.
func (c *Chain) Register(l *Log) {
	if _, ok := c.byTxn[l.TxnID]; ok {
		return
	}
	c.byTxn[l.TxnID] = l
	l.prev = c.tail
	if c.tail != nil {
		c.tail.next = l
	} else {
		c.head = l
	}
	c.tail = l
}

// Unregister unlinks log from the chain, once its owning transaction has
// committed-final or rolled back completely.
func (c *Chain) Unregister(l *Log) {
	if _, ok := c.byTxn[l.TxnID]; !ok {
		return
	}
	delete(c.byTxn, l.TxnID)
	if l.prev != nil {
		l.prev.next = l.next
	} else {
		c.head = l.next
	}
	if l.next != nil {
		l.next.prev = l.prev
	} else {
		c.tail = l.prev
	}
	l.prev, l.next = nil, nil
}

// Snapshot returns every currently active log, in registration order,
// for the checkpointer to fold into a master log.
func (c *Chain) Snapshot() []*Log {
	out := make([]*Log, 0, len(c.byTxn))
	for l := c.head; l != nil; l = l.next {
		out = append(out, l)
	}
	return out
}

// --- wire encoding for master-log serialization ---

// Encode serializes r to a self-describing byte slice, used for the
// master-undo tree at checkpoint. Fragmented-trash entries hold raw
// value descriptors and are not encoded with it.
func Encode(r Record) []byte {
	size := 1 + 8 + 2 + len(r.Key) + 1 + 4 + len(r.OldValue) + 2 + len(r.TrashKey)
	buf := make([]byte, size)
	off := 0
	buf[off] = byte(r.Kind)
	off++
	binary.LittleEndian.PutUint64(buf[off:], r.IndexID)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.Key)))
	off += 2
	copy(buf[off:], r.Key)
	off += len(r.Key)
	if r.Fragmented {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.OldValue)))
	off += 4
	copy(buf[off:], r.OldValue)
	off += len(r.OldValue)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.TrashKey)))
	off += 2
	copy(buf[off:], r.TrashKey)
	return buf
}

// Decode parses a buffer produced by Encode.
func Decode(buf []byte) (Record, error) {
	if len(buf) < 1+8+2+1+4+2 {
		return Record{}, kverrors.ErrCorrupt("undolog: truncated record")
	}
	var r Record
	off := 0
	r.Kind = Kind(buf[off])
	off++
	r.IndexID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	klen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	r.Key = append([]byte(nil), buf[off:off+klen]...)
	off += klen
	r.Fragmented = buf[off] != 0
	off++
	vlen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	r.OldValue = append([]byte(nil), buf[off:off+vlen]...)
	off += vlen
	tlen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	r.TrashKey = append([]byte(nil), buf[off:off+tlen]...)
	return r, nil
}
