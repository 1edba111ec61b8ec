package txn_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/latticedb/lattice/internal/lockmgr"
	"github.com/latticedb/lattice/internal/redolog"
	"github.com/latticedb/lattice/internal/txn"
	"github.com/latticedb/lattice/internal/undolog"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	applied []undolog.Record
}

func (a *recordingApplier) Apply(r undolog.Record) error {
	a.applied = append(a.applied, r)
	return nil
}

func newTestTxn(t *testing.T, applier undolog.Applier, mode txn.LockMode) (*txn.Transaction, *lockmgr.Manager, *redolog.Log, *undolog.Chain) {
	t.Helper()
	locks := lockmgr.New()
	base := filepath.Join(t.TempDir(), "test")
	redo, err := redolog.Open(base, 1)
	require.NoError(t, err)
	t.Cleanup(func() { redo.Close() })
	chain := undolog.NewChain()
	ids := txn.NewIDGen(1)
	tx := txn.New(ids, locks, redo, chain, applier, mode, time.Millisecond, redolog.NoSync)
	return tx, locks, redo, chain
}

func TestReadOnlyTransactionNeverAllocatesID(t *testing.T) {
	tx, _, _, _ := newTestTxn(t, &recordingApplier{}, txn.UpgradableRead)
	require.NoError(t, tx.Commit())
}

func TestWriteAllocatesIDAndRegistersWithChain(t *testing.T) {
	tx, _, _, chain := newTestTxn(t, &recordingApplier{}, txn.UpgradableRead)

	require.NoError(t, tx.LockForWrite(1, []byte("k")))
	tx.AppendUndo(undolog.Record{Kind: undolog.KindInsert, Key: []byte("k")})

	require.NotZero(t, tx.ID())
	require.Len(t, chain.Snapshot(), 1)

	require.NoError(t, tx.Commit())
	require.Empty(t, chain.Snapshot())
}

func TestExitRollsBackNestedScopeOnly(t *testing.T) {
	app := &recordingApplier{}
	tx, _, _, _ := newTestTxn(t, app, txn.UpgradableRead)

	require.NoError(t, tx.LockForWrite(1, []byte("outer")))
	tx.AppendUndo(undolog.Record{Kind: undolog.KindInsert, Key: []byte("outer")})

	tx.Enter()
	require.NoError(t, tx.LockForWrite(1, []byte("inner")))
	tx.AppendUndo(undolog.Record{Kind: undolog.KindInsert, Key: []byte("inner")})
	require.NoError(t, tx.Exit())

	require.Len(t, app.applied, 1)
	require.Equal(t, "inner", string(app.applied[0].Key))

	require.NoError(t, tx.Commit())
	require.Len(t, app.applied, 1) // outer record committed, never rolled back
}

func TestResetRollsBackEverything(t *testing.T) {
	app := &recordingApplier{}
	tx, locks, _, chain := newTestTxn(t, app, txn.UpgradableRead)

	require.NoError(t, tx.LockForWrite(1, []byte("a")))
	tx.AppendUndo(undolog.Record{Kind: undolog.KindInsert, Key: []byte("a")})
	id := tx.ID()

	require.NoError(t, tx.Reset())
	require.Len(t, app.applied, 1)
	require.Empty(t, chain.Snapshot())

	_, held := locks.Held(id, 1, []byte("a"))
	require.False(t, held)
}

func TestReadCommittedReleasesLockImmediately(t *testing.T) {
	tx, locks, _, _ := newTestTxn(t, &recordingApplier{}, txn.ReadCommitted)

	require.NoError(t, tx.LockForRead(1, []byte("a")))
	id := tx.ID()
	_, held := locks.Held(id, 1, []byte("a"))
	require.False(t, held)
}

func TestUpgradableReadHoldsLockUntilCommit(t *testing.T) {
	tx, locks, _, _ := newTestTxn(t, &recordingApplier{}, txn.UpgradableRead)

	require.NoError(t, tx.LockForRead(1, []byte("a")))
	id := tx.ID()
	mode, held := locks.Held(id, 1, []byte("a"))
	require.True(t, held)
	require.Equal(t, lockmgr.Upgradable, mode)

	require.NoError(t, tx.Commit())
	_, held = locks.Held(id, 1, []byte("a"))
	require.False(t, held)
}

func TestUnsafeModeSkipsLockingEntirely(t *testing.T) {
	tx, locks, _, _ := newTestTxn(t, &recordingApplier{}, txn.Unsafe)
	require.NoError(t, tx.LockForWrite(1, []byte("a")))

	// Unsafe mode never allocates a transaction id or touches the lock
	// manager at all, so a second transaction can freely take an
	// exclusive lock on the same key without conflict.
	require.NoError(t, locks.Acquire(99, 1, []byte("a"), lockmgr.Exclusive, 0))
}
