package lattice

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/latticedb/lattice/internal/kverrors"
	"github.com/latticedb/lattice/internal/redolog"
	"github.com/latticedb/lattice/internal/txn"
	"github.com/latticedb/lattice/internal/undolog"
)

// fragmentThreshold bounds how large a value can be before it is written
// through the fragmented codec instead of stored inline in its leaf
// entry: short enough that a handful of them still fit comfortably
// alongside other entries on one page.
const fragmentThreshold = 512

// Transaction is a client's handle for a sequence of reads and writes
// against a Database, built on internal/txn's scope stack and tied to
// this database's lock manager, redo log, and undo chain.
type Transaction struct {
	db *Database
	t  *txn.Transaction

	mu      sync.Mutex
	trashed [][]byte // trash-tree keys staged by this transaction's overwrites/deletes
}

// Enter pushes a nested scope (savepoint).
func (tx *Transaction) Enter() { tx.t.Enter() }

// Exit pops the innermost scope, rolling back everything it did.
func (tx *Transaction) Exit() error { return tx.t.Exit() }

// Reset rolls the transaction back to its initial, empty state.
func (tx *Transaction) Reset() error {
	tx.mu.Lock()
	tx.trashed = nil
	tx.mu.Unlock()
	return tx.t.Reset()
}

// Commit finalizes the transaction (or, for a nested scope, folds it
// into its parent). Only an outermost commit actually collects garbage
// from overwritten/deleted fragmented values, since a nested scope's
// writes can still be rolled back by an ancestor Exit.
func (tx *Transaction) Commit() error {
	if err := tx.t.Commit(); err != nil {
		return err
	}
	// A nested commit leaves its undo records in place for the parent
	// scope; only the outermost commit truncates the log to empty.
	if u := tx.t.UndoLog(); u != nil && u.Len() > 0 {
		return nil
	}
	tx.mu.Lock()
	trashed := tx.trashed
	tx.trashed = nil
	tx.mu.Unlock()
	for _, key := range trashed {
		if err := tx.collectTrash(key); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Transaction) collectTrash(trashKey []byte) error {
	c := tx.db.trash.NewCursor()
	if err := c.FindForUpdate(trashKey); err != nil {
		return err
	}
	if !c.Found() {
		c.Reset()
		return nil
	}
	_, desc, err := c.Value()
	if err != nil {
		c.Reset()
		return err
	}
	desc = append([]byte(nil), desc...)
	if err := c.Store(nil, false); err != nil {
		return err
	}
	return tx.db.frag.Delete(desc)
}

func (tx *Transaction) stageTrash(desc []byte) ([]byte, error) {
	tx.mu.Lock()
	seq := len(tx.trashed)
	tx.mu.Unlock()

	key := trashKey(tx.t.ID(), seq)
	c := tx.db.trash.NewCursor()
	if err := c.FindForUpdate(key); err != nil {
		return nil, err
	}
	if err := c.Store(desc, false); err != nil {
		return nil, err
	}

	tx.mu.Lock()
	tx.trashed = append(tx.trashed, key)
	tx.mu.Unlock()
	return key, nil
}

func trashKey(txnID uint64, seq int) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], txnID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(seq))
	return buf
}

// Get reads key from ix under tx's lock policy, transparently
// reconstructing a fragmented value.
func (tx *Transaction) Get(ix *Index, key []byte) (value []byte, found bool, err error) {
	if err := tx.t.LockForRead(ix.id, key); err != nil {
		return nil, false, err
	}
	c := ix.tree.NewCursor()
	defer c.Reset()
	if err := c.Find(key); err != nil {
		return nil, false, err
	}
	if !c.Found() {
		return nil, false, nil
	}
	frag, raw, err := c.Value()
	if err != nil {
		return nil, false, err
	}
	if frag {
		v, err := tx.db.frag.Read(raw)
		return v, true, err
	}
	return append([]byte(nil), raw...), true, nil
}

// Put inserts or overwrites key's value in ix, recording redo and undo
// entries and staging any orphaned fragmented payload for collection at
// commit.
func (tx *Transaction) Put(ix *Index, key, value []byte) error {
	if err := tx.t.LockForWrite(ix.id, key); err != nil {
		return err
	}

	// Held across the whole mark-dirty-and-propagate sequence below, per
	// spec.md §4.6.2 step 1, so the checkpointer's epoch flip (which
	// takes the exclusive counterpart) can never land between this
	// cursor tagging a page dirty and the checkpoint's dirty-node scan
	// for the epoch being frozen.
	ix.db.device.AcquireSharedCommit()
	defer ix.db.device.ReleaseSharedCommit()

	c := ix.tree.NewCursor()
	if err := c.FindForUpdate(key); err != nil {
		return err
	}
	existed := c.Found()
	var oldFrag bool
	var oldVal []byte
	if existed {
		f, v, err := c.Value()
		if err != nil {
			c.Reset()
			return err
		}
		oldFrag, oldVal = f, append([]byte(nil), v...)
	}

	newFrag := len(value) > fragmentThreshold
	var stored []byte
	if newFrag {
		desc, err := tx.db.frag.Write(value)
		if err != nil {
			c.Reset()
			return err
		}
		stored = desc
	} else {
		stored = value
	}

	if err := tx.appendRedoStore(ix.id, key, stored, newFrag); err != nil {
		c.Reset()
		return err
	}

	if err := c.Store(stored, newFrag); err != nil {
		return err
	}
	if err := ix.refreshRegistry(); err != nil {
		return err
	}

	if !existed {
		tx.t.AppendUndo(undolog.Record{Kind: undolog.KindInsert, IndexID: ix.id, Key: append([]byte(nil), key...)})
		return nil
	}
	if oldFrag && !bytes.Equal(oldVal, stored) {
		trashK, err := tx.stageTrash(oldVal)
		if err != nil {
			return err
		}
		tx.t.AppendUndo(undolog.Record{Kind: undolog.KindUpdateOldValue, IndexID: ix.id, Key: append([]byte(nil), key...), OldValue: oldVal, Fragmented: true, TrashKey: trashK})
		return nil
	}
	tx.t.AppendUndo(undolog.Record{Kind: undolog.KindUpdateOldValue, IndexID: ix.id, Key: append([]byte(nil), key...), OldValue: oldVal, Fragmented: oldFrag})
	return nil
}

// Delete removes key from ix, staging any fragmented payload it held for
// collection at commit.
func (tx *Transaction) Delete(ix *Index, key []byte) error {
	if err := tx.t.LockForWrite(ix.id, key); err != nil {
		return err
	}

	ix.db.device.AcquireSharedCommit()
	defer ix.db.device.ReleaseSharedCommit()

	c := ix.tree.NewCursor()
	if err := c.FindForUpdate(key); err != nil {
		return err
	}
	if !c.Found() {
		c.Reset()
		return nil
	}
	oldFrag, oldValRaw, err := c.Value()
	if err != nil {
		c.Reset()
		return err
	}
	oldVal := append([]byte(nil), oldValRaw...)

	if err := tx.appendRedoClear(ix.id, key); err != nil {
		c.Reset()
		return err
	}
	if err := c.Store(nil, false); err != nil {
		return err
	}
	if err := ix.refreshRegistry(); err != nil {
		return err
	}

	if oldFrag {
		trashK, err := tx.stageTrash(oldVal)
		if err != nil {
			return err
		}
		tx.t.AppendUndo(undolog.Record{Kind: undolog.KindDeleteFragmentedCopy, IndexID: ix.id, Key: append([]byte(nil), key...), OldValue: oldVal, Fragmented: true, TrashKey: trashK})
		return nil
	}
	tx.t.AppendUndo(undolog.Record{Kind: undolog.KindUpdateOldValue, IndexID: ix.id, Key: append([]byte(nil), key...), OldValue: oldVal})
	return nil
}

func (tx *Transaction) appendRedoStore(indexID uint64, key, value []byte, fragmented bool) error {
	typ := redolog.TypeStore
	if tx.t.ID() != txn.BOGUS {
		typ = redolog.TypeTxnStore
	}
	return tx.t.AppendRedo(redolog.Record{Type: typ, IndexID: indexID, Key: append([]byte(nil), key...), Value: append([]byte(nil), value...), Fragmented: fragmented})
}

func (tx *Transaction) appendRedoClear(indexID uint64, key []byte) error {
	return tx.t.AppendRedo(redolog.Record{Type: redolog.TypeClear, IndexID: indexID, Key: append([]byte(nil), key...)})
}

// rollbackApplier implements undolog.Applier against a Database's live
// tree state, under the reserved BOGUS transaction (no locks, no redo),
// per spec.md §4.9.
type rollbackApplier struct {
	db *Database
}

func (a *rollbackApplier) Apply(r undolog.Record) error {
	ix, err := a.db.IndexByID(r.IndexID)
	if err != nil {
		return kverrors.Wrap(kverrors.KindInvalidPosition, err, "rollback applier: unknown index")
	}

	a.db.device.AcquireSharedCommit()
	defer a.db.device.ReleaseSharedCommit()

	c := ix.tree.NewCursor()
	if err := c.FindForUpdate(r.Key); err != nil {
		return err
	}
	switch r.Kind {
	case undolog.KindInsert:
		return c.Store(nil, false)
	case undolog.KindUpdateOldValue, undolog.KindDeleteFragmentedCopy:
		if err := c.Store(r.OldValue, r.Fragmented); err != nil {
			return err
		}
		if len(r.TrashKey) > 0 {
			a.removeTrashEntry(r.TrashKey)
		}
		return nil
	default:
		c.Reset()
		return nil
	}
}

// removeTrashEntry deletes a staged trash entry once its value has been
// restored by rollback, so commit-time collection never sees it.
func (a *rollbackApplier) removeTrashEntry(key []byte) {
	c := a.db.trash.NewCursor()
	if err := c.FindForUpdate(key); err != nil {
		return
	}
	if !c.Found() {
		c.Reset()
		return
	}
	c.Store(nil, false)
}
