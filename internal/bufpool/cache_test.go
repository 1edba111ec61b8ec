package bufpool

import (
	"path/filepath"
	"testing"

	"github.com/latticedb/lattice/internal/kverrors"
	"github.com/latticedb/lattice/internal/pagefile"
	"github.com/stretchr/testify/require"
)

func openTestDevice(t *testing.T) *pagefile.Device {
	t.Helper()
	dir := t.TempDir()
	d, err := pagefile.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.lock"), 4096)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func writePage(t *testing.T, d *pagefile.Device, id uint64, fill byte) {
	t.Helper()
	buf := make([]byte, d.PageSize())
	for i := range buf {
		buf[i] = fill
	}
	require.NoError(t, d.WritePage(id, buf))
}

func TestCacheFetchLoadsFromDevice(t *testing.T) {
	d := openTestDevice(t)
	require.NoError(t, d.Grow(10))
	writePage(t, d, 5, 0x42)

	c := NewCache(4, d)
	n, err := c.Fetch(5)
	require.NoError(t, err)
	require.Equal(t, byte(0x42), n.Content[0])
	n.Latch().ReleaseExclusive()
	c.Used(n)

	require.Equal(t, 1, c.Len())
}

func TestCacheFetchCachesSecondLookup(t *testing.T) {
	d := openTestDevice(t)
	require.NoError(t, d.Grow(10))
	writePage(t, d, 3, 0x11)

	c := NewCache(4, d)
	n1, err := c.Fetch(3)
	require.NoError(t, err)
	n1.Latch().ReleaseExclusive()

	n2, err := c.Fetch(3)
	require.NoError(t, err)
	require.Same(t, n1, n2)
	n2.Latch().ReleaseExclusive()
}

func TestCacheNeverEvictsPinnedOrDirty(t *testing.T) {
	d := openTestDevice(t)
	require.NoError(t, d.Grow(10))
	for id := uint64(2); id < 6; id++ {
		writePage(t, d, id, byte(id))
	}

	// capacity rounds up to minHeadroom+1 = 3; fetch 3 pages, pin one,
	// dirty another, then a 4th fetch must still find an evictable node
	// rather than erroring, since the pinned/dirty ones are skipped and
	// capacity still has room once one clean node is evicted.
	c := NewCache(3, d)

	n2, err := c.Fetch(2)
	require.NoError(t, err)
	n2.Latch().ReleaseExclusive()
	c.MakeUnevictable(n2)

	n3, err := c.Fetch(3)
	require.NoError(t, err)
	n3.SetState(DirtyEpoch0)
	n3.Latch().ReleaseExclusive()

	n4, err := c.Fetch(4)
	require.NoError(t, err)
	n4.Latch().ReleaseExclusive()

	n5, err := c.Fetch(5)
	require.NoError(t, err)
	n5.Latch().ReleaseExclusive()
	require.Equal(t, 3, c.Len())
}

func TestCacheExhaustedWhenEveryNodeIsUnevictable(t *testing.T) {
	d := openTestDevice(t)
	require.NoError(t, d.Grow(10))
	for id := uint64(2); id < 6; id++ {
		writePage(t, d, id, byte(id))
	}

	c := NewCache(3, d)
	var pinned []*Node
	for id := uint64(2); id < 5; id++ {
		n, err := c.Fetch(id)
		require.NoError(t, err)
		n.Latch().ReleaseExclusive()
		c.MakeUnevictable(n)
		pinned = append(pinned, n)
	}

	_, err := c.Fetch(5)
	require.Error(t, err)
	require.Equal(t, kverrors.KindCacheExhausted, kverrors.Kind(err))

	for _, n := range pinned {
		c.MakeEvictable(n)
	}
}

func TestDeleteNodeFreesSlotForReuse(t *testing.T) {
	d := openTestDevice(t)
	require.NoError(t, d.Grow(10))
	writePage(t, d, 6, 0x09)

	c := NewCache(3, d)
	n, err := c.Fetch(6)
	require.NoError(t, err)
	n.Latch().ReleaseExclusive()
	c.DeleteNode(n)
	require.Equal(t, 0, c.Len())

	writePage(t, d, 7, 0x0A)
	n2, err := c.Fetch(7)
	require.NoError(t, err)
	require.Same(t, n, n2)
	n2.Latch().ReleaseExclusive()
}
