package pagefile_test

import (
	"path/filepath"
	"testing"

	"github.com/latticedb/lattice/internal/pagefile"
	"github.com/stretchr/testify/require"
)

func TestOpenFreshInitializesHeader(t *testing.T) {
	dir := t.TempDir()
	device, err := pagefile.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.lock"), 512)
	require.NoError(t, err)
	defer device.Close()

	h := device.Header()
	require.Equal(t, pagefile.EncodingVersion, h.EncodingVersion)
	require.Equal(t, uint64(1), h.Sequence)
	require.Equal(t, uint64(0), h.RootPageID)
}

func TestWriteAndReadPageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	device, err := pagefile.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.lock"), 512)
	require.NoError(t, err)
	defer device.Close()

	require.NoError(t, device.Grow(pagefile.FirstDataPage+1))
	buf := make([]byte, 512)
	copy(buf, "hello page")
	require.NoError(t, device.WritePage(pagefile.FirstDataPage, buf))

	got := make([]byte, 512)
	require.NoError(t, device.ReadPage(pagefile.FirstDataPage, got))
	require.Equal(t, buf, got)
}

func TestCommitPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.db")
	lockPath := filepath.Join(dir, "data.lock")

	device, err := pagefile.Open(dataPath, lockPath, 512)
	require.NoError(t, err)

	err = device.Commit(func(cur *pagefile.Header) (*pagefile.Header, error) {
		next := *cur
		next.RootPageID = 7
		next.NextTxnID = 3
		return &next, nil
	})
	require.NoError(t, err)
	require.NoError(t, device.Close())

	reopened, err := pagefile.Open(dataPath, lockPath, 512)
	require.NoError(t, err)
	defer reopened.Close()

	h := reopened.Header()
	require.Equal(t, uint64(7), h.RootPageID)
	require.Equal(t, uint64(3), h.NextTxnID)
	require.Equal(t, uint64(2), h.Sequence)
}

func TestSecondOpenOnSameFilesFailsWhileFirstIsOpen(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.db")
	lockPath := filepath.Join(dir, "data.lock")

	device, err := pagefile.Open(dataPath, lockPath, 512)
	require.NoError(t, err)
	defer device.Close()

	_, err = pagefile.Open(dataPath, lockPath, 512)
	require.Error(t, err)
}
