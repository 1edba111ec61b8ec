package lattice

import (
	"encoding/binary"
	"sync"

	"github.com/latticedb/lattice/internal/btree"
	"github.com/latticedb/lattice/internal/kverrors"
	"github.com/latticedb/lattice/internal/pagefile"
)

// Index is one named, ordered key/value tree within a Database.
type Index struct {
	db   *Database
	id   uint64
	name string

	mu       sync.Mutex
	tree     *btree.Tree
	lastRoot uint64 // registry's last-persisted root id for this tree, to skip redundant writes
}

// ID returns the index's stable identifier, persisted in the registry.
func (ix *Index) ID() uint64 { return ix.id }

// Name returns the index's name.
func (ix *Index) Name() string { return ix.name }

// FindIndex looks up an existing index by name; it does not create one.
func (db *Database) FindIndex(name string) (*Index, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	if ix, ok := db.byName[name]; ok {
		db.mu.RUnlock()
		return ix, nil
	}
	db.mu.RUnlock()

	c := db.keyMap.NewCursor()
	defer c.Reset()
	if err := c.Find([]byte(name)); err != nil {
		return nil, err
	}
	if !c.Found() {
		return nil, kverrors.New(kverrors.KindInvalidPosition, "lattice: no such index: "+name)
	}
	_, val, err := c.Value()
	if err != nil {
		return nil, err
	}
	id := binary.BigEndian.Uint64(val)
	return db.openIndexByID(id, name)
}

// IndexByID returns an open index by id, for internal callers that only
// know the id (undo/redo replay). If the index isn't already open —
// which is the common case during crash recovery, since replay runs
// before any user index is opened by name — it is opened directly from
// the registry by id, with no name attached.
func (db *Database) IndexByID(id uint64) (*Index, error) {
	db.mu.RLock()
	ix, ok := db.byID[id]
	db.mu.RUnlock()
	if ok {
		return ix, nil
	}
	return db.openIndexByID(id, "")
}

func (db *Database) openIndexByID(id uint64, name string) (*Index, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if ix, ok := db.byID[id]; ok {
		if name != "" && ix.name == "" {
			ix.name = name
			db.byName[name] = ix
		}
		return ix, nil
	}
	rootID, err := db.registryRoot(id)
	if err != nil {
		return nil, err
	}
	tree, err := btree.Open(db.device, db.cache, db.pages, rootID, db.epochValue)
	if err != nil {
		return nil, err
	}
	ix := &Index{db: db, id: id, name: name, tree: tree, lastRoot: rootID}
	db.byID[id] = ix
	if name != "" {
		db.byName[name] = ix
	}
	return ix, nil
}

// OpenIndex returns the index named name, creating it (and allocating a
// fresh id from the registry's counter) if it doesn't already exist.
func (db *Database) OpenIndex(name string) (*Index, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if ix, err := db.FindIndex(name); err == nil {
		return ix, nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if ix, ok := db.byName[name]; ok {
		return ix, nil
	}

	tree, err := btree.Create(db.device, db.cache, db.pages, db.epochValue)
	if err != nil {
		return nil, err
	}
	id := db.nextIndexID
	db.nextIndexID++

	if err := db.setRegistryRoot(id, tree.RootID()); err != nil {
		return nil, err
	}
	idVal := make([]byte, 8)
	binary.BigEndian.PutUint64(idVal, id)
	kc := db.keyMap.NewCursor()
	if err := kc.FindForUpdate([]byte(name)); err != nil {
		return nil, err
	}
	if err := kc.Store(idVal, false); err != nil {
		return nil, err
	}

	if err := db.persistNextIndexID(); err != nil {
		return nil, err
	}

	ix := &Index{db: db, id: id, name: name, tree: tree, lastRoot: tree.RootID()}
	db.byID[id] = ix
	db.byName[name] = ix
	return ix, nil
}

// persistNextIndexID commits the registry counter eagerly, since index
// creation is rare enough to afford a synchronous header commit rather
// than waiting for the next periodic checkpoint.
func (db *Database) persistNextIndexID() error {
	db.device.AcquireSharedCommit()
	defer db.device.ReleaseSharedCommit()
	return db.device.Commit(func(cur *pagefile.Header) (*pagefile.Header, error) {
		next := *cur
		next.RootPageID = db.registry.RootID()
		next.NextIndexID = db.nextIndexID
		return &next, nil
	})
}

// refreshRegistry re-persists ix's root id in the registry tree if it
// changed since the last time this was called (a B+ tree split gives
// the tree a new root id).
func (ix *Index) refreshRegistry() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	root := ix.tree.RootID()
	if root == ix.lastRoot {
		return nil
	}
	if err := ix.db.setRegistryRoot(ix.id, root); err != nil {
		return err
	}
	ix.lastRoot = root
	return nil
}
