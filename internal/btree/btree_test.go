package btree_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/latticedb/lattice/internal/btree"
	"github.com/latticedb/lattice/internal/bufpool"
	"github.com/latticedb/lattice/internal/pagefile"
	"github.com/latticedb/lattice/internal/pagemgr"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T, cacheCapacity int) *btree.Tree {
	t.Helper()
	dir := t.TempDir()
	device, err := pagefile.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.lock"), 512)
	require.NoError(t, err)
	t.Cleanup(func() { device.Close() })

	pages := pagemgr.New(device, nil)
	cache := bufpool.NewCache(cacheCapacity, device)
	tr, err := btree.Create(device, cache, pages, func() uint8 { return 0 })
	require.NoError(t, err)
	return tr
}

func put(t *testing.T, tr *btree.Tree, key, value string) {
	t.Helper()
	c := tr.NewCursor()
	require.NoError(t, c.FindForUpdate([]byte(key)))
	require.NoError(t, c.Store([]byte(value), false))
}

func get(t *testing.T, tr *btree.Tree, key string) (string, bool) {
	t.Helper()
	c := tr.NewCursor()
	require.NoError(t, c.Find([]byte(key)))
	if !c.Found() {
		c.Reset()
		return "", false
	}
	_, val, err := c.Value()
	require.NoError(t, err)
	c.Reset()
	return string(val), true
}

func TestInsertAndFind(t *testing.T) {
	tr := newTestTree(t, 64)
	put(t, tr, "alpha", "1")
	put(t, tr, "beta", "2")
	put(t, tr, "gamma", "3")

	v, ok := get(t, tr, "beta")
	require.True(t, ok)
	require.Equal(t, "2", v)

	_, ok = get(t, tr, "delta")
	require.False(t, ok)
}

func TestUpdateOverwritesValue(t *testing.T) {
	tr := newTestTree(t, 64)
	put(t, tr, "k", "v1")
	put(t, tr, "k", "v2")

	v, ok := get(t, tr, "k")
	require.True(t, ok)
	require.Equal(t, "v2", v)
}

func TestDeleteRemovesEntry(t *testing.T) {
	tr := newTestTree(t, 64)
	put(t, tr, "k", "v")

	c := tr.NewCursor()
	require.NoError(t, c.FindForUpdate([]byte("k")))
	require.NoError(t, c.Store(nil, false))

	_, ok := get(t, tr, "k")
	require.False(t, ok)
}

func TestOrderedTraversalAcrossSplits(t *testing.T) {
	tr := newTestTree(t, 256)
	const n = 500
	for i := 0; i < n; i++ {
		put(t, tr, fmt.Sprintf("key-%05d", i), fmt.Sprintf("val-%d", i))
	}

	c := tr.NewCursor()
	require.NoError(t, c.First())
	count := 0
	var prev string
	for c.Found() {
		key := string(c.Key())
		if count > 0 {
			require.Less(t, prev, key)
		}
		prev = key
		count++
		require.NoError(t, c.Next())
	}
	require.Equal(t, n, count)
}

func TestReverseTraversal(t *testing.T) {
	tr := newTestTree(t, 256)
	const n = 300
	for i := 0; i < n; i++ {
		put(t, tr, fmt.Sprintf("key-%05d", i), fmt.Sprintf("val-%d", i))
	}

	c := tr.NewCursor()
	require.NoError(t, c.Last())
	count := 0
	var prev string
	for c.Found() {
		key := string(c.Key())
		if count > 0 {
			require.Greater(t, prev, key)
		}
		prev = key
		count++
		require.NoError(t, c.Previous())
	}
	require.Equal(t, n, count)
}

func TestFindGeFindLe(t *testing.T) {
	tr := newTestTree(t, 256)
	for _, k := range []string{"b", "d", "f", "h"} {
		put(t, tr, k, k)
	}

	c := tr.NewCursor()
	require.NoError(t, c.FindGe([]byte("c")))
	require.True(t, c.Found())
	require.Equal(t, "d", string(c.Key()))

	c2 := tr.NewCursor()
	require.NoError(t, c2.FindLe([]byte("e")))
	require.True(t, c2.Found())
	require.Equal(t, "d", string(c2.Key()))

	c3 := tr.NewCursor()
	require.NoError(t, c3.FindGt([]byte("d")))
	require.True(t, c3.Found())
	require.Equal(t, "f", string(c3.Key()))

	c4 := tr.NewCursor()
	require.NoError(t, c4.FindLt([]byte("d")))
	require.True(t, c4.Found())
	require.Equal(t, "b", string(c4.Key()))
}
