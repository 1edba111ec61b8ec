package lattice_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/latticedb/lattice"
	"github.com/latticedb/lattice/latticeconf"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) latticeconf.Config {
	t.Helper()
	cfg := latticeconf.DefaultConfig()
	cfg.BaseDir = t.TempDir()
	cfg.Name = "test"
	cfg.CheckpointInterval = time.Hour // keep the background checkpointer out of the way
	return cfg
}

func openTest(t *testing.T, cfg latticeconf.Config) *lattice.Database {
	t.Helper()
	db, err := lattice.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesIndexAndRoundTripsValue(t *testing.T) {
	cfg := testConfig(t)
	db := openTest(t, cfg)

	ix, err := db.OpenIndex("widgets")
	require.NoError(t, err)
	require.Equal(t, "widgets", ix.Name())

	tx := db.NewTransaction()
	require.NoError(t, tx.Put(ix, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit())

	tx2 := db.NewTransaction()
	val, found, err := tx2.Get(ix, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(val))
	require.NoError(t, tx2.Commit())
}

func TestOpenIndexIsIdempotentByName(t *testing.T) {
	db := openTest(t, testConfig(t))

	a, err := db.OpenIndex("same")
	require.NoError(t, err)
	b, err := db.OpenIndex("same")
	require.NoError(t, err)
	require.Equal(t, a.ID(), b.ID())

	found, err := db.FindIndex("same")
	require.NoError(t, err)
	require.Equal(t, a.ID(), found.ID())
}

func TestFindIndexFailsForUnknownName(t *testing.T) {
	db := openTest(t, testConfig(t))
	_, err := db.FindIndex("nope")
	require.Error(t, err)
}

func TestDeleteRemovesKey(t *testing.T) {
	db := openTest(t, testConfig(t))
	ix, err := db.OpenIndex("widgets")
	require.NoError(t, err)

	tx := db.NewTransaction()
	require.NoError(t, tx.Put(ix, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit())

	tx2 := db.NewTransaction()
	require.NoError(t, tx2.Delete(ix, []byte("a")))
	require.NoError(t, tx2.Commit())

	tx3 := db.NewTransaction()
	_, found, err := tx3.Get(ix, []byte("a"))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tx3.Commit())
}

func TestFragmentedValueSurvivesCheckpointAndReopen(t *testing.T) {
	cfg := testConfig(t)
	db := openTest(t, cfg)
	ix, err := db.OpenIndex("blobs")
	require.NoError(t, err)

	large := make([]byte, 32*1024)
	for i := range large {
		large[i] = byte(i % 253)
	}

	tx := db.NewTransaction()
	require.NoError(t, tx.Put(ix, []byte("big"), large))
	require.NoError(t, tx.Commit())

	require.NoError(t, db.Checkpoint())
	require.NoError(t, db.Close())

	reopened, err := lattice.Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	ix2, err := reopened.FindIndex("blobs")
	require.NoError(t, err)
	rtx := reopened.NewTransaction()
	val, found, err := rtx.Get(ix2, []byte("big"))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, bytes.Equal(large, val))
	require.NoError(t, rtx.Commit())
}

func TestOverwriteOrphansPreviousFragmentedValue(t *testing.T) {
	db := openTest(t, testConfig(t))
	ix, err := db.OpenIndex("blobs")
	require.NoError(t, err)

	first := bytes.Repeat([]byte{0xAA}, 16*1024)
	second := bytes.Repeat([]byte{0xBB}, 16*1024)

	tx := db.NewTransaction()
	require.NoError(t, tx.Put(ix, []byte("k"), first))
	require.NoError(t, tx.Commit())

	tx2 := db.NewTransaction()
	require.NoError(t, tx2.Put(ix, []byte("k"), second))
	require.NoError(t, tx2.Commit())

	tx3 := db.NewTransaction()
	val, found, err := tx3.Get(ix, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, bytes.Equal(second, val))
	require.NoError(t, tx3.Commit())
}

func TestExitRollsBackNestedScope(t *testing.T) {
	db := openTest(t, testConfig(t))
	ix, err := db.OpenIndex("widgets")
	require.NoError(t, err)

	tx := db.NewTransaction()
	require.NoError(t, tx.Put(ix, []byte("a"), []byte("original")))

	tx.Enter()
	require.NoError(t, tx.Put(ix, []byte("a"), []byte("scratch")))
	require.NoError(t, tx.Exit())

	val, found, err := tx.Get(ix, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "original", string(val))
	require.NoError(t, tx.Commit())
}

func TestCursorScansInOrder(t *testing.T) {
	db := openTest(t, testConfig(t))
	ix, err := db.OpenIndex("widgets")
	require.NoError(t, err)

	tx := db.NewTransaction()
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, tx.Put(ix, []byte(k), []byte(k)))
	}
	require.NoError(t, tx.Commit())

	rtx := db.NewTransaction()
	c := rtx.Cursor(ix)
	require.NoError(t, c.First())
	var seen []string
	for c.Found() {
		seen = append(seen, string(c.Key()))
		require.NoError(t, c.Next())
	}
	require.Equal(t, []string{"a", "b", "c"}, seen)
	require.NoError(t, rtx.Commit())
}

func TestCursorStoreDeletesOnNilValue(t *testing.T) {
	db := openTest(t, testConfig(t))
	ix, err := db.OpenIndex("widgets")
	require.NoError(t, err)

	tx := db.NewTransaction()
	require.NoError(t, tx.Put(ix, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit())

	rtx := db.NewTransaction()
	c := rtx.Cursor(ix)
	require.NoError(t, c.Find([]byte("a")))
	require.True(t, c.Found())
	require.NoError(t, c.Store(nil))
	require.NoError(t, rtx.Commit())

	vtx := db.NewTransaction()
	_, found, err := vtx.Get(ix, []byte("a"))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, vtx.Commit())
}

func TestCheckpointAndCloseAreIdempotentSafe(t *testing.T) {
	db := openTest(t, testConfig(t))
	require.NoError(t, db.Checkpoint())
	require.NoError(t, db.Checkpoint())
	require.NoError(t, db.Close())
	require.NoError(t, db.Close()) // closing twice is a no-op
}
