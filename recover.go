package lattice

import (
	"github.com/latticedb/lattice/internal/redolog"
	"github.com/latticedb/lattice/internal/undolog"
	"github.com/latticedb/lattice/logger"
)

// recover runs once at Open: it first continues rolling back any
// transaction that was still active (not yet committed-final) when the
// last checkpoint ran, using the master undo log that checkpoint built,
// then replays the active redo log's committed operations forward on
// top of that consistent state.
//
// The ordering matters: undo-then-redo mirrors spec.md §4.12's recovery
// protocol, since the master undo log was captured at the start of the
// last checkpoint (before the dirty pages it describes were flushed),
// while the redo log covers everything written after that checkpoint
// began.
func (db *Database) recover(activeSeq uint64) error {
	pending, err := undolog.Recover(db.masterUndo)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		logger.Infof("lattice: rolling back %d transaction(s) pending at last checkpoint", len(pending))
		for _, records := range pending {
			for i := len(records) - 1; i >= 0; i-- {
				if err := db.applier.Apply(records[i]); err != nil {
					return err
				}
			}
		}
		if err := undolog.Truncate(db.masterUndo); err != nil {
			return err
		}
	}

	v := &recoveryVisitor{db: db}
	if err := redolog.Replay(db.cfg.RedoBasePath(), activeSeq, activeSeq, v); err != nil {
		return err
	}
	logger.Infof("lattice: recovery replay of redo file sequence %d complete", activeSeq)
	return nil
}

// recoveryVisitor applies committed redo records directly to index tree
// state during startup replay.
type recoveryVisitor struct {
	db *Database
}

func (v *recoveryVisitor) Visit(r redolog.Record) error {
	// Replay runs before any user index is opened by name, so the
	// common case here is a miss: IndexByID opens the tree straight
	// from the registry by id, which is all replay ever needs.
	ix, err := v.db.IndexByID(r.IndexID)
	if err != nil {
		return err
	}
	c := ix.tree.NewCursor()
	if err := c.FindForUpdate(r.Key); err != nil {
		return err
	}
	switch r.Type {
	case redolog.TypeClear:
		return c.Store(nil, false)
	default:
		return c.Store(r.Value, r.Fragmented)
	}
}
