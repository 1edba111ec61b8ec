package redolog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/latticedb/lattice/internal/redolog"
	"github.com/stretchr/testify/require"
)

type collectingVisitor struct {
	records []redolog.Record
}

func (v *collectingVisitor) Visit(r redolog.Record) error {
	v.records = append(v.records, r)
	return nil
}

func TestAppendAndReplayAppliesOnlyCommittedTxnRecords(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")
	log, err := redolog.Open(base, 1)
	require.NoError(t, err)

	require.NoError(t, log.Append(redolog.Record{Type: redolog.TypeTxnStore, TxnID: 1, Key: []byte("a"), Value: []byte("1")}, redolog.NoSync))
	require.NoError(t, log.Append(redolog.Record{Type: redolog.TypeTxnStore, TxnID: 1, Key: []byte("b"), Value: []byte("2")}, redolog.NoSync))
	require.NoError(t, log.Append(redolog.Record{Type: redolog.TypeTxnCommitFinal, TxnID: 1}, redolog.NoSync))

	// A second, never-committed transaction's writes must not replay.
	require.NoError(t, log.Append(redolog.Record{Type: redolog.TypeTxnStore, TxnID: 2, Key: []byte("z"), Value: []byte("9")}, redolog.NoSync))
	require.NoError(t, log.Sync())
	require.NoError(t, log.Close())

	v := &collectingVisitor{}
	require.NoError(t, redolog.Replay(base, 1, 1, v))
	require.Len(t, v.records, 2)
	require.Equal(t, "a", string(v.records[0].Key))
	require.Equal(t, "b", string(v.records[1].Key))
}

func TestUntrackedBOGUSWritesAlwaysReplay(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")
	log, err := redolog.Open(base, 1)
	require.NoError(t, err)

	require.NoError(t, log.Append(redolog.Record{Type: redolog.TypeStore, TxnID: 0, Key: []byte("a"), Value: []byte("1")}, redolog.NoSync))
	require.NoError(t, log.Sync())
	require.NoError(t, log.Close())

	v := &collectingVisitor{}
	require.NoError(t, redolog.Replay(base, 1, 1, v))
	require.Len(t, v.records, 1)
}

func TestRotateNewFileStartsFreshSequence(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")
	log, err := redolog.Open(base, 1)
	require.NoError(t, err)

	require.NoError(t, log.Append(redolog.Record{Type: redolog.TypeStore, Key: []byte("a"), Value: []byte("1")}, redolog.NoSync))

	oldSeq, err := log.RotateNewFile()
	require.NoError(t, err)
	require.Equal(t, uint64(1), oldSeq)
	require.Equal(t, uint64(2), log.Seq())

	require.NoError(t, log.Append(redolog.Record{Type: redolog.TypeStore, Key: []byte("b"), Value: []byte("2")}, redolog.NoSync))
	require.NoError(t, log.Close())

	_, err = os.Stat(base + ".redo.1")
	require.NoError(t, err) // old file still present until the caller deletes it

	require.NoError(t, redolog.DeleteFile(base, oldSeq))
	_, err = os.Stat(base + ".redo.1")
	require.True(t, os.IsNotExist(err))
}

func TestDeleteFileOnMissingFileIsNotAnError(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")
	require.NoError(t, redolog.DeleteFile(base, 42))
}

func TestReplayOverMultipleFiles(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")
	log, err := redolog.Open(base, 1)
	require.NoError(t, err)

	require.NoError(t, log.Append(redolog.Record{Type: redolog.TypeTxnStore, TxnID: 1, Key: []byte("a"), Value: []byte("1")}, redolog.NoSync))
	require.NoError(t, log.Append(redolog.Record{Type: redolog.TypeTxnCommitFinal, TxnID: 1}, redolog.NoSync))

	_, err = log.RotateNewFile()
	require.NoError(t, err)

	require.NoError(t, log.Append(redolog.Record{Type: redolog.TypeTxnStore, TxnID: 2, Key: []byte("b"), Value: []byte("2")}, redolog.NoSync))
	require.NoError(t, log.Append(redolog.Record{Type: redolog.TypeTxnCommitFinal, TxnID: 2}, redolog.NoSync))
	require.NoError(t, log.Sync())
	require.NoError(t, log.Close())

	v := &collectingVisitor{}
	require.NoError(t, redolog.Replay(base, 1, 2, v))
	require.Len(t, v.records, 2)
	require.Equal(t, "a", string(v.records[0].Key))
	require.Equal(t, "b", string(v.records[1].Key))
}
