package undolog

import (
	"encoding/binary"

	"github.com/latticedb/lattice/internal/btree"
)

// masterKey orders master-log entries by (txnID, sequence) so Recover
// can group them back by transaction in the order they were appended.
func masterKey(txnID uint64, seq int) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], txnID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(seq))
	return buf
}

// BuildMaster serializes every active log's still-pending records into
// tree (the master-undo index), keyed so recovery can recover them
// grouped by transaction and in original order. It is called by the
// checkpointer while holding the exclusive commit latch, per spec.md
// §4.12 step 2.
func BuildMaster(tree *btree.Tree, logs []*Log) error {
	for _, l := range logs {
		for seq, r := range l.Records() {
			c := tree.NewCursor()
			if err := c.FindForUpdate(masterKey(l.TxnID, seq)); err != nil {
				return err
			}
			if err := c.Store(Encode(r), false); err != nil {
				return err
			}
		}
	}
	return nil
}

// Recover reads every entry back out of the master-undo tree, grouped
// by transaction id in append order, for continuing
// rollback of transactions that were still active at the last
// checkpoint when the process crashed.
func Recover(tree *btree.Tree) (map[uint64][]Record, error) {
	out := make(map[uint64][]Record)
	c := tree.NewCursor()
	if err := c.First(); err != nil {
		return nil, err
	}
	for c.Found() {
		key := c.Key()
		txnID := binary.BigEndian.Uint64(key[0:8])
		_, val, err := c.Value()
		if err != nil {
			return nil, err
		}
		r, err := Decode(val)
		if err != nil {
			return nil, err
		}
		out[txnID] = append(out[txnID], r)
		if err := c.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Truncate deletes every entry in the master-undo tree, called once the
// checkpoint that produced it has durably committed and the chain of
// logs it described has either committed-final or fully rolled back.
func Truncate(tree *btree.Tree) error {
	for {
		c := tree.NewCursor()
		if err := c.First(); err != nil {
			return err
		}
		if !c.Found() {
			return nil
		}
		key := append([]byte(nil), c.Key()...)
		if err := c.FindForUpdate(key); err != nil {
			return err
		}
		if err := c.Store(nil, false); err != nil {
			return err
		}
	}
}
