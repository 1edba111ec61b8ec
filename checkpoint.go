package lattice

import (
	"sync/atomic"
	"time"

	"github.com/latticedb/lattice/internal/bufpool"
	"github.com/latticedb/lattice/internal/pagefile"
	"github.com/latticedb/lattice/internal/redolog"
	"github.com/latticedb/lattice/internal/undolog"
	"github.com/latticedb/lattice/logger"
)

// checkpointLoop runs Checkpoint on the configured interval until Close
// signals it to stop.
func (db *Database) checkpointLoop() {
	defer close(db.checkDone)
	ticker := time.NewTicker(db.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopCheck:
			return
		case <-ticker.C:
			if err := db.Checkpoint(); err != nil {
				logger.Warnf("lattice: periodic checkpoint failed: %v", err)
			}
		}
	}
}

// Checkpoint runs one full checkpoint cycle, per spec.md §4.12:
//  1. acquire the device's exclusive commit latch with bounded backoff —
//     a failed attempt here just means another checkpoint runs later,
//     on the next tick or caller;
//  2. flip the active dirty epoch, so writers starting after this point
//     tag new dirty pages with the fresh epoch while this checkpoint
//     flushes the frozen one undisturbed, and rebuild the master undo
//     tree from every currently active transaction's pending records
//     (discarding the previous checkpoint's master log, which by now
//     only described transactions that have since committed or rolled
//     back completely);
//  3. release the commit latch — the I/O below doesn't need to block
//     writers, only the epoch flip and undo rebuild did;
//  4. flush every dirty node tagged with the frozen epoch;
//  5. rotate the redo log onto a fresh file;
//  6. commit a new header snapshot (registry root, master undo root,
//     free list, and the new active redo sequence);
//  7. delete the now-superseded redo file and hand freed pages back to
//     the allocator.
func (db *Database) Checkpoint() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.checkpoint()
}

// checkpoint is Checkpoint without the open check, so Close can run its
// final cycle after marking the database closed.
func (db *Database) checkpoint() error {
	if !db.device.AcquireExclusiveCommitTimed(db.cfg.CheckpointLatchTimeout) {
		return nil // another writer holds the commit latch; retry next tick
	}

	frozenEpoch := db.epochValue()
	atomic.AddUint32(&db.epoch, 1)

	if err := undolog.Truncate(db.masterUndo); err != nil {
		db.device.ReleaseExclusiveCommit()
		return db.fail(err)
	}
	if err := undolog.BuildMaster(db.masterUndo, db.chain.Snapshot()); err != nil {
		db.device.ReleaseExclusiveCommit()
		return db.fail(err)
	}
	db.device.ReleaseExclusiveCommit()

	dirty := db.cache.DirtyNodes(frozenEpoch)
	for _, n := range dirty {
		if err := db.flushNode(n); err != nil {
			return db.fail(err)
		}
	}

	oldRedoSeq, err := db.redo.RotateNewFile()
	if err != nil {
		return db.fail(err)
	}

	if err := db.device.Commit(func(cur *pagefile.Header) (*pagefile.Header, error) {
		next := *cur
		next.RootPageID = db.registry.RootID()
		next.MasterUndoID = db.masterUndo.RootID()
		next.NextIndexID = db.nextIndexID
		next.NextTxnID = db.ids.Peek()
		next.ActiveRedoLogID = db.redo.Seq()
		fl, err := db.pages.CommitStart(len(cur.FreeListState))
		if err != nil {
			return nil, err
		}
		next.FreeListState = fl
		return &next, nil
	}); err != nil {
		return db.fail(err)
	}
	db.pages.CommitEnd()

	if err := redolog.DeleteFile(db.cfg.RedoBasePath(), oldRedoSeq); err != nil {
		logger.Warnf("lattice: failed to delete superseded redo file %d: %v", oldRedoSeq, err)
	}

	logger.Infof("lattice: checkpoint complete, flushed %d page(s)", len(dirty))
	return nil
}

// flushNode writes n's content to its page id and clears its dirty
// state, for nodes the checkpoint has decided to persist.
func (db *Database) flushNode(n *bufpool.Node) error {
	n.Latch().AcquireExclusive()
	defer n.Latch().ReleaseExclusive()
	if err := db.device.WritePage(n.PageID, n.Content); err != nil {
		return err
	}
	n.SetState(bufpool.Clean)
	return nil
}
