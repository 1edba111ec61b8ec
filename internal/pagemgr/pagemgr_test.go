package pagemgr_test

import (
	"path/filepath"
	"testing"

	"github.com/latticedb/lattice/internal/pagefile"
	"github.com/latticedb/lattice/internal/pagemgr"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T) *pagefile.Device {
	t.Helper()
	dir := t.TempDir()
	device, err := pagefile.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.lock"), 512)
	require.NoError(t, err)
	t.Cleanup(func() { device.Close() })
	return device
}

func TestAllocGrowsDeviceWhenFreeListEmpty(t *testing.T) {
	device := newTestDevice(t)
	m := pagemgr.New(device, nil)

	before := device.NumPages()
	id, err := m.Alloc()
	require.NoError(t, err)
	require.Equal(t, before, id)
	require.Equal(t, before+1, device.NumPages())
}

func TestDeletedPageIsNotReusableBeforeCommitEnd(t *testing.T) {
	device := newTestDevice(t)
	m := pagemgr.New(device, nil)

	id, err := m.Alloc()
	require.NoError(t, err)
	m.Delete(id)

	next, err := m.Alloc()
	require.NoError(t, err)
	require.NotEqual(t, id, next) // still pending, not yet reusable

	_, err = m.CommitStart(64)
	require.NoError(t, err)
	m.CommitEnd()

	reused, err := m.Alloc()
	require.NoError(t, err)
	require.Equal(t, id, reused)
}

func TestCommitStartOverflowSurvivesRestore(t *testing.T) {
	device := newTestDevice(t)
	m := pagemgr.New(device, nil)

	var ids []uint64
	for i := 0; i < 10; i++ {
		id, err := m.Alloc()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.Delete(id)
	}
	state, err := m.CommitStart(64) // small header region: only a couple of ids fit inline
	require.NoError(t, err)
	m.CommitEnd()

	// A fresh Manager restoring from the persisted state must recover
	// every free id, including the ones that spilled into the overflow
	// chain rather than fitting inline in the header.
	m2 := pagemgr.New(device, state)
	seen := make(map[uint64]bool)
	for range ids {
		id, err := m2.Alloc()
		require.NoError(t, err)
		seen[id] = true
	}
	for _, id := range ids {
		require.True(t, seen[id], "expected overflowed free id %d to be reusable after restore", id)
	}
}

func TestRestoreRecoversFreeListStateAcrossManagers(t *testing.T) {
	device := newTestDevice(t)
	m := pagemgr.New(device, nil)

	id, err := m.Alloc()
	require.NoError(t, err)
	m.Delete(id)
	state, err := m.CommitStart(64)
	require.NoError(t, err)
	m.CommitEnd()

	m2 := pagemgr.New(device, state)
	reused, err := m2.Alloc()
	require.NoError(t, err)
	require.Equal(t, id, reused)
}
