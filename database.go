// Package lattice is an embedded, transactional, ordered key/value
// storage engine: a disk-resident B+ tree with cursor-based traversal,
// a paged buffer cache, a checkpointed page allocator, a redo/undo
// durability envelope, and multi-page fragmented values. Database is
// the engine's lifecycle root, grounded on
// server/innodb/manager/storage_manager.go's space/index registry shape
// and its demo commands' open/use/close pattern.
package lattice

import (
	"encoding/binary"
	"sync"

	"github.com/latticedb/lattice/internal/btree"
	"github.com/latticedb/lattice/internal/bufpool"
	"github.com/latticedb/lattice/internal/fragmented"
	"github.com/latticedb/lattice/internal/kverrors"
	"github.com/latticedb/lattice/internal/lockmgr"
	"github.com/latticedb/lattice/internal/pagefile"
	"github.com/latticedb/lattice/internal/pagemgr"
	"github.com/latticedb/lattice/internal/redolog"
	"github.com/latticedb/lattice/internal/txn"
	"github.com/latticedb/lattice/internal/undolog"
	"github.com/latticedb/lattice/latticeconf"
	"github.com/latticedb/lattice/logger"
)

// Reserved index ids, per spec.md §3: internal trees addressed the same
// way user indexes are, just at ids the registry reserves up front.
const (
	registryKeyMapID  uint64 = 0
	fragmentedTrashID uint64 = 1
	firstUserIndexID  uint64 = 2
)

// Database owns every shared component of one open storage engine
// instance: the page device, node cache, page allocator, lock manager,
// redo log, and the tree registry.
type Database struct {
	cfg latticeconf.Config

	device   *pagefile.Device
	cache    *bufpool.Cache
	pages    *pagemgr.Manager
	locks    *lockmgr.Manager
	redo     *redolog.Log
	frag     *fragmented.Codec
	chain    *undolog.Chain
	ids      *txn.IDGen
	applier  *rollbackApplier

	mu          sync.RWMutex
	epoch       uint32 // low bit is the current commit epoch; flipped only by the checkpointer
	registry    *btree.Tree
	keyMap      *btree.Tree
	trash       *btree.Tree
	masterUndo  *btree.Tree
	byID        map[uint64]*Index
	byName      map[string]*Index
	nextIndexID uint64

	closed    bool
	closeErr  error
	stopCheck chan struct{}
	checkDone chan struct{}
}

// Open opens (creating if absent) the database described by cfg.
func Open(cfg latticeconf.Config) (*Database, error) {
	if cfg.PageSize == 0 {
		cfg = mergeDefaults(cfg)
	}

	device, err := pagefile.Open(cfg.DataPath(), cfg.LockPath(), cfg.PageSize)
	if err != nil {
		return nil, err
	}
	pages := pagemgr.New(device, device.Header().FreeListState)
	cache := bufpool.NewCache(cfg.CacheNodes, device)

	db := &Database{
		cfg: cfg, device: device, cache: cache, pages: pages,
		locks:     lockmgr.New(),
		chain:     undolog.NewChain(),
		byID:      make(map[uint64]*Index),
		byName:    make(map[string]*Index),
		stopCheck: make(chan struct{}),
		checkDone: make(chan struct{}),
	}
	db.applier = &rollbackApplier{db: db}
	db.frag = fragmented.New(device, cache, pages)

	if err := db.openOrInitTrees(); err != nil {
		device.Close()
		return nil, err
	}
	db.ids = txn.NewIDGen(device.Header().NextTxnID)

	activeSeq := device.Header().ActiveRedoLogID
	if err := db.recover(activeSeq); err != nil {
		device.Close()
		return nil, err
	}

	// The recovered redo file's committed operations are now reflected
	// in dirty tree pages; a fresh Log reusing the same sequence number
	// is safe to truncate into, since the next checkpoint durably
	// persists everything replay just applied.
	redoLog, err := redolog.Open(cfg.RedoBasePath(), activeSeq)
	if err != nil {
		device.Close()
		return nil, err
	}
	db.redo = redoLog

	if err := cfg.WriteInfoFile(); err != nil {
		logger.Warnf("lattice: failed to write .info file: %v", err)
	}

	go db.checkpointLoop()
	return db, nil
}

func mergeDefaults(cfg latticeconf.Config) latticeconf.Config {
	def := latticeconf.DefaultConfig()
	def.BaseDir = cfg.BaseDir
	def.Name = cfg.Name
	return def
}

// epochValue returns the checkpointer's current commit-epoch tag (0 or
// 1), consulted by every tree mutation to decide which dirty-state tag
// to apply (spec.md §4.12's two-epoch toggle).
func (db *Database) epochValue() uint8 {
	return uint8(db.epoch & 1)
}

func (db *Database) openOrInitTrees() error {
	h := db.device.Header()
	if h.RootPageID == 0 {
		reg, err := btree.Create(db.device, db.cache, db.pages, db.epochValue)
		if err != nil {
			return err
		}
		db.registry = reg

		keyMap, err := btree.Create(db.device, db.cache, db.pages, db.epochValue)
		if err != nil {
			return err
		}
		db.keyMap = keyMap

		trash, err := btree.Create(db.device, db.cache, db.pages, db.epochValue)
		if err != nil {
			return err
		}
		db.trash = trash

		masterUndo, err := btree.Create(db.device, db.cache, db.pages, db.epochValue)
		if err != nil {
			return err
		}
		db.masterUndo = masterUndo

		if err := db.setRegistryRoot(registryKeyMapID, keyMap.RootID()); err != nil {
			return err
		}
		if err := db.setRegistryRoot(fragmentedTrashID, trash.RootID()); err != nil {
			return err
		}
		db.nextIndexID = firstUserIndexID

		if err := db.device.Commit(func(cur *pagefile.Header) (*pagefile.Header, error) {
			next := *cur
			next.RootPageID = db.registry.RootID()
			next.MasterUndoID = db.masterUndo.RootID()
			next.NextIndexID = db.nextIndexID
			next.NextTxnID = 1
			next.ActiveRedoLogID = 1
			fl, err := db.pages.CommitStart(len(cur.FreeListState))
			if err != nil {
				return nil, err
			}
			next.FreeListState = fl
			return &next, nil
		}); err != nil {
			return err
		}
		db.pages.CommitEnd()
		return nil
	}

	reg, err := btree.Open(db.device, db.cache, db.pages, h.RootPageID, db.epochValue)
	if err != nil {
		return err
	}
	db.registry = reg
	db.nextIndexID = h.NextIndexID
	if db.nextIndexID < firstUserIndexID {
		db.nextIndexID = firstUserIndexID
	}

	keyMapRoot, err := db.registryRoot(registryKeyMapID)
	if err != nil {
		return err
	}
	keyMap, err := btree.Open(db.device, db.cache, db.pages, keyMapRoot, db.epochValue)
	if err != nil {
		return err
	}
	db.keyMap = keyMap

	trashRoot, err := db.registryRoot(fragmentedTrashID)
	if err != nil {
		return err
	}
	trash, err := btree.Open(db.device, db.cache, db.pages, trashRoot, db.epochValue)
	if err != nil {
		return err
	}
	db.trash = trash

	if h.MasterUndoID == 0 {
		masterUndo, err := btree.Create(db.device, db.cache, db.pages, db.epochValue)
		if err != nil {
			return err
		}
		db.masterUndo = masterUndo
		return nil
	}
	masterUndo, err := btree.Open(db.device, db.cache, db.pages, h.MasterUndoID, db.epochValue)
	if err != nil {
		return err
	}
	db.masterUndo = masterUndo
	return nil
}

func registryKey(indexID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, indexID)
	return buf
}

func (db *Database) registryRoot(indexID uint64) (uint64, error) {
	c := db.registry.NewCursor()
	if err := c.Find(registryKey(indexID)); err != nil {
		return 0, err
	}
	if !c.Found() {
		c.Reset()
		return 0, kverrors.ErrCorrupt("lattice: missing registry entry for reserved index")
	}
	_, val, err := c.Value()
	c.Reset()
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(val), nil
}

func (db *Database) setRegistryRoot(indexID uint64, rootID uint64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, rootID)
	c := db.registry.NewCursor()
	if err := c.FindForUpdate(registryKey(indexID)); err != nil {
		return err
	}
	return c.Store(val, false)
}

// checkOpen returns ErrClosed if the database has already been closed
// (whether by the caller or by a prior fatal I/O error).
func (db *Database) checkOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return kverrors.ErrClosed(db.closeErr)
	}
	return nil
}

func (db *Database) fail(err error) error {
	if kverrors.Is(err, kverrors.KindIO) {
		db.mu.Lock()
		if !db.closed {
			db.closed = true
			db.closeErr = err
		}
		db.mu.Unlock()
	}
	return err
}

// NewTransaction starts a transaction. If durability is omitted the
// database's configured default durability mode applies.
func (db *Database) NewTransaction(durability ...redolog.Mode) *Transaction {
	mode := db.cfg.DurabilityModeValue()
	if len(durability) > 0 {
		mode = durability[0]
	}
	t := txn.New(db.ids, db.locks, db.redo, db.chain, db.applier, db.cfg.LockModeValue(), db.cfg.LockTimeout, mode)
	return &Transaction{db: db, t: t}
}

// Flush pushes buffered redo bytes out to the OS without fsyncing.
func (db *Database) Flush() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.fail(db.redo.Flush())
}

// Sync fsyncs the redo log and the data file without running a full
// checkpoint.
func (db *Database) Sync() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.redo.Sync(); err != nil {
		return db.fail(err)
	}
	return db.fail(db.device.Sync())
}

// Close stops the background checkpointer, runs one final checkpoint,
// and releases every file handle.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	close(db.stopCheck)
	<-db.checkDone

	if err := db.checkpoint(); err != nil {
		logger.Warnf("lattice: final checkpoint on close failed: %v", err)
	}
	if err := db.redo.Close(); err != nil {
		logger.Warnf("lattice: redo log close failed: %v", err)
	}
	return db.device.Close()
}
