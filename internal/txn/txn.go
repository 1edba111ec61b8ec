// Package txn implements the transaction scope stack described in
// spec.md §4.11: nested enter/exit savepoints, commit/rollback/reset
// orchestration, and the lock-mode/durability-mode policy a statement's
// read or write consults before touching the lock manager. Grounded on
// manager/transaction_manager.go's scope/state bookkeeping, generalized
// to the spec's explicit nested-scope semantics (the teacher's
// commit/enter/exit are flat stubs; spec.md §9 Open Question 2 resolves
// them as standard savepoints).
package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/latticedb/lattice/internal/lockmgr"
	"github.com/latticedb/lattice/internal/redolog"
	"github.com/latticedb/lattice/internal/undolog"
)

// LockMode selects how a transaction's reads acquire row locks.
type LockMode int

const (
	// UpgradableRead is the default: reads take an upgradable lock held
	// until commit, so a subsequent write on the same key never
	// deadlocks against the transaction's own read.
	UpgradableRead LockMode = iota
	// RepeatableRead holds a plain shared lock on every read until commit.
	RepeatableRead
	// ReadCommitted takes a shared lock only for the instant of the
	// read and releases it immediately, so a concurrent writer is never
	// blocked by a long-lived reader.
	ReadCommitted
	// Unsafe skips locking entirely.
	Unsafe
)

type scope struct {
	undoMark   int
	lockedKeys []lockedKey
}

type lockedKey struct {
	indexID uint64
	key     []byte
}

// BOGUS is the reserved transaction id used for rollback application and
// recovery replay: operations performed under it acquire no locks and
// write no redo, per spec.md §4.9.
const BOGUS uint64 = 0

// IDGen allocates transaction ids lazily, shared by every Transaction
// created from one Database.
type IDGen struct{ next uint64 }

func (g *IDGen) alloc() uint64 { return atomic.AddUint64(&g.next, 1) }

// Peek returns the id most recently handed out (the seed if none yet), for the
// checkpointer to persist as the header's next-txn-id seed.
func (g *IDGen) Peek() uint64 { return atomic.LoadUint64(&g.next) }

// Transaction is one client's handle for a sequence of reads and writes
// against the database.
type Transaction struct {
	mu sync.Mutex

	ids     *IDGen
	locks   *lockmgr.Manager
	redo    *redolog.Log
	chain   *undolog.Chain
	applier undolog.Applier

	id      uint64 // 0 until the first write allocates one lazily
	mode    LockMode
	timeout time.Duration
	durab   redolog.Mode

	scopes []scope
	undo   *undolog.Log
}

// New returns a fresh transaction bound to the given shared managers.
// It always starts with exactly one (outermost) scope.
func New(ids *IDGen, locks *lockmgr.Manager, redo *redolog.Log, chain *undolog.Chain, applier undolog.Applier, mode LockMode, timeout time.Duration, durab redolog.Mode) *Transaction {
	return &Transaction{
		ids: ids, locks: locks, redo: redo, chain: chain, applier: applier,
		mode: mode, timeout: timeout, durab: durab,
		scopes: []scope{{}},
	}
}

// NewIDGen constructs an id allocator starting after seed (typically the
// database header's NextTxnID).
func NewIDGen(seed uint64) *IDGen { return &IDGen{next: seed} }

// ID returns the transaction's id, allocating one on first call.
func (t *Transaction) ID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idLocked()
}

func (t *Transaction) idLocked() uint64 {
	if t.id == 0 {
		t.id = t.ids.alloc()
		t.undo = undolog.New(t.id)
		t.chain.Register(t.undo)
	}
	return t.id
}

// Enter pushes a new nested scope (savepoint).
func (t *Transaction) Enter() {
	t.mu.Lock()
	defer t.mu.Unlock()
	mark := 0
	if t.undo != nil {
		mark = t.undo.Mark()
	}
	t.scopes = append(t.scopes, scope{undoMark: mark})
}

// Exit pops the innermost scope, rolling back every undo record it
// accumulated and releasing every lock it acquired. Safe to call on the
// outermost scope, in which case it behaves like Reset for that scope
// (the scope is immediately replaced with a fresh one).
func (t *Transaction) Exit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitLocked()
}

func (t *Transaction) exitLocked() error {
	n := len(t.scopes)
	s := t.scopes[n-1]

	if t.undo != nil {
		if err := t.undo.RollbackTo(s.undoMark, t.applier); err != nil {
			return err
		}
	}
	for _, lk := range s.lockedKeys {
		t.locks.Release(t.idOrBogus(), lk.indexID, lk.key)
	}

	if n > 1 {
		t.scopes = t.scopes[:n-1]
	} else {
		t.scopes[0] = scope{}
	}
	return nil
}

func (t *Transaction) idOrBogus() uint64 {
	if t.id == 0 {
		return BOGUS
	}
	return t.id
}

// LockForRead acquires the appropriate read lock for t's LockMode on
// (indexID, key). ReadCommitted releases the lock immediately after
// acquiring it (it never needs to survive past the read that requested
// it); every other mode holds it in the current scope until Exit/Commit.
func (t *Transaction) LockForRead(indexID uint64, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode == Unsafe {
		return nil
	}
	txnID := t.idLocked()

	mode := lockmgr.Shared
	if t.mode == UpgradableRead {
		mode = lockmgr.Upgradable
	}
	if err := t.locks.Acquire(txnID, indexID, key, mode, t.timeout); err != nil {
		return err
	}
	if t.mode == ReadCommitted {
		t.locks.Release(txnID, indexID, key)
		return nil
	}
	t.recordLock(indexID, key)
	return nil
}

// LockForWrite acquires (upgrading from a held read lock if needed) an
// exclusive lock on (indexID, key).
func (t *Transaction) LockForWrite(indexID uint64, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode == Unsafe {
		return nil
	}
	txnID := t.idLocked()
	if err := t.locks.Acquire(txnID, indexID, key, lockmgr.Exclusive, t.timeout); err != nil {
		return err
	}
	t.recordLock(indexID, key)
	return nil
}

func (t *Transaction) recordLock(indexID uint64, key []byte) {
	n := len(t.scopes)
	t.scopes[n-1].lockedKeys = append(t.scopes[n-1].lockedKeys, lockedKey{indexID, append([]byte(nil), key...)})
}

// AppendRedo writes r to the shared redo log under t's durability mode.
func (t *Transaction) AppendRedo(r redolog.Record) error {
	if t.durab == redolog.NoLog {
		return nil
	}
	r.TxnID = t.idOrBogus()
	return t.redo.Append(r, t.durab)
}

// AppendUndo adds a reverse action to t's own undo log.
func (t *Transaction) AppendUndo(r undolog.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idLocked()
	t.undo.Append(r)
}

// UndoLog returns t's undo log (for the checkpointer's master-log build).
func (t *Transaction) UndoLog() *undolog.Log {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.undo
}

// Commit finalizes the innermost scope: if it is a nested scope, its
// locks and the undo high-water mark simply merge into the parent
// scope (their records must survive to be rolled back if an ancestor
// scope later exits). At the true outermost scope, it flushes the redo
// log per durability mode, releases every lock the transaction holds,
// truncates the undo log, and unregisters it from the active chain.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.scopes) > 1 {
		s := t.scopes[len(t.scopes)-1]
		parent := &t.scopes[len(t.scopes)-2]
		parent.lockedKeys = append(parent.lockedKeys, s.lockedKeys...)
		t.scopes = t.scopes[:len(t.scopes)-1]
		return nil
	}

	if t.id == 0 {
		return nil // read-only transaction, nothing to durably commit
	}

	if err := t.appendCommitRecordLocked(); err != nil {
		return err
	}
	t.locks.ReleaseAll(t.id)
	t.undo.TruncateAll()
	t.chain.Unregister(t.undo)
	t.scopes = []scope{{}}
	return nil
}

func (t *Transaction) appendCommitRecordLocked() error {
	if t.durab == redolog.NoLog {
		return nil
	}
	return t.redo.Append(redolog.Record{Type: redolog.TypeTxnCommitFinal, TxnID: t.id}, t.durab)
}

// Reset rolls back every scope down to (and including) the outermost
// one, leaving the transaction ready for reuse. It is always safe to
// call, including on an already-clean transaction.
func (t *Transaction) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.scopes) > 1 {
		if err := t.exitLocked(); err != nil {
			return err
		}
	}
	if err := t.exitLocked(); err != nil {
		return err
	}
	if t.id != 0 {
		t.locks.ReleaseAll(t.id)
		t.chain.Unregister(t.undo)
	}
	return nil
}

// Mode returns the transaction's lock mode.
func (t *Transaction) Mode() LockMode { return t.mode }

// Durability returns the transaction's durability mode.
func (t *Transaction) Durability() redolog.Mode { return t.durab }
