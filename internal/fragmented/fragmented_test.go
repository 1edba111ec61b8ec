package fragmented_test

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/latticedb/lattice/internal/bufpool"
	"github.com/latticedb/lattice/internal/fragmented"
	"github.com/latticedb/lattice/internal/pagefile"
	"github.com/latticedb/lattice/internal/pagemgr"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, pageSize uint32) *fragmented.Codec {
	t.Helper()
	dir := t.TempDir()
	device, err := pagefile.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.lock"), pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { device.Close() })

	pages := pagemgr.New(device, nil)
	cache := bufpool.NewCache(256, device)
	return fragmented.New(device, cache, pages)
}

func TestWriteReadRoundTripSmallValueDirect(t *testing.T) {
	c := newTestCodec(t, 512)
	value := bytes.Repeat([]byte("hello-world-"), 20) // a few data pages, direct addressing

	desc, err := c.Write(value)
	require.NoError(t, err)

	got, err := c.Read(desc)
	require.NoError(t, err)
	require.True(t, bytes.Equal(value, got))
}

func TestWriteReadRoundTripLargeValueIndirect(t *testing.T) {
	c := newTestCodec(t, 512)
	// Large enough and incompressible enough to force many data pages,
	// past directThreshold, exercising the indirection tree build/read.
	value := make([]byte, 64*1024)
	rand.New(rand.NewSource(1)).Read(value)

	desc, err := c.Write(value)
	require.NoError(t, err)

	got, err := c.Read(desc)
	require.NoError(t, err)
	require.True(t, bytes.Equal(value, got))
}

func TestEmptyValueRoundTrips(t *testing.T) {
	c := newTestCodec(t, 512)
	desc, err := c.Write(nil)
	require.NoError(t, err)

	got, err := c.Read(desc)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestPageIDsCoverAllDataPages(t *testing.T) {
	c := newTestCodec(t, 512)
	value := bytes.Repeat([]byte("x"), 10*1024)

	desc, err := c.Write(value)
	require.NoError(t, err)

	ids, err := c.PageIDs(desc)
	require.NoError(t, err)
	require.NotEmpty(t, ids)
}

func TestDeleteDoesNotErrorAndReleasesPages(t *testing.T) {
	c := newTestCodec(t, 512)
	value := bytes.Repeat([]byte("y"), 4*1024)

	desc, err := c.Write(value)
	require.NoError(t, err)
	require.NoError(t, c.Delete(desc))
}
