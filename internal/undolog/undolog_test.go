package undolog_test

import (
	"path/filepath"
	"testing"

	"github.com/latticedb/lattice/internal/btree"
	"github.com/latticedb/lattice/internal/bufpool"
	"github.com/latticedb/lattice/internal/pagefile"
	"github.com/latticedb/lattice/internal/pagemgr"
	"github.com/latticedb/lattice/internal/undolog"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) *btree.Tree {
	t.Helper()
	dir := t.TempDir()
	device, err := pagefile.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.lock"), 512)
	require.NoError(t, err)
	t.Cleanup(func() { device.Close() })

	pages := pagemgr.New(device, nil)
	cache := bufpool.NewCache(64, device)
	tr, err := btree.Create(device, cache, pages, func() uint8 { return 0 })
	require.NoError(t, err)
	return tr
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := undolog.Record{
		Kind:       undolog.KindUpdateOldValue,
		IndexID:    7,
		Key:        []byte("some-key"),
		OldValue:   []byte("the previous value"),
		Fragmented: true,
		TrashKey:   []byte("trash-key"),
	}
	got, err := undolog.Decode(undolog.Encode(r))
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	_, err := undolog.Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

type recordingApplier struct {
	applied []undolog.Record
}

func (a *recordingApplier) Apply(r undolog.Record) error {
	a.applied = append(a.applied, r)
	return nil
}

func TestLogRollbackToAppliesInReverseAndTruncates(t *testing.T) {
	l := undolog.New(1)
	l.Append(undolog.Record{Kind: undolog.KindInsert, Key: []byte("a")})
	mark := l.Mark()
	l.Append(undolog.Record{Kind: undolog.KindInsert, Key: []byte("b")})
	l.Append(undolog.Record{Kind: undolog.KindInsert, Key: []byte("c")})
	require.Equal(t, 3, l.Len())

	app := &recordingApplier{}
	require.NoError(t, l.RollbackTo(mark, app))

	require.Equal(t, 1, l.Len())
	require.Len(t, app.applied, 2)
	require.Equal(t, "c", string(app.applied[0].Key))
	require.Equal(t, "b", string(app.applied[1].Key))
}

func TestLogRollbackToSkipsScopeMarkers(t *testing.T) {
	l := undolog.New(1)
	l.Append(undolog.Record{Kind: undolog.KindScope})
	l.Append(undolog.Record{Kind: undolog.KindInsert, Key: []byte("a")})

	app := &recordingApplier{}
	require.NoError(t, l.RollbackTo(0, app))
	require.Len(t, app.applied, 1)
	require.Equal(t, 0, l.Len())
}

func TestChainRegisterUnregisterSnapshotOrder(t *testing.T) {
	c := undolog.NewChain()
	l1 := undolog.New(1)
	l2 := undolog.New(2)
	l3 := undolog.New(3)
	c.Register(l1)
	c.Register(l2)
	c.Register(l3)

	require.Equal(t, []*undolog.Log{l1, l2, l3}, c.Snapshot())

	c.Unregister(l2)
	require.Equal(t, []*undolog.Log{l1, l3}, c.Snapshot())

	// Unregistering an already-unregistered log is a no-op.
	c.Unregister(l2)
	require.Equal(t, []*undolog.Log{l1, l3}, c.Snapshot())
}

func TestBuildMasterRecoverAndTruncate(t *testing.T) {
	tree := newTestTree(t)

	l1 := undolog.New(10)
	l1.Append(undolog.Record{Kind: undolog.KindInsert, Key: []byte("a")})
	l1.Append(undolog.Record{Kind: undolog.KindUpdateOldValue, Key: []byte("b"), OldValue: []byte("old-b")})

	l2 := undolog.New(20)
	l2.Append(undolog.Record{Kind: undolog.KindInsert, Key: []byte("z")})

	require.NoError(t, undolog.BuildMaster(tree, []*undolog.Log{l1, l2}))

	pending, err := undolog.Recover(tree)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Len(t, pending[10], 2)
	require.Equal(t, "a", string(pending[10][0].Key))
	require.Equal(t, "b", string(pending[10][1].Key))
	require.Len(t, pending[20], 1)

	require.NoError(t, undolog.Truncate(tree))
	afterTruncate, err := undolog.Recover(tree)
	require.NoError(t, err)
	require.Empty(t, afterTruncate)
}
