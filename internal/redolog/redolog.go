// Package redolog implements the sequenced, append-only redo log:
// rotation across numbered files, durability-mode-controlled
// buffering/flush/fsync, and two-pass crash replay. Grounded on
// manager/redo_log_manager.go's LSN-sequenced buffered-append design,
// generalized from its single fixed file into the spec's "P.redo.N"
// rotation scheme and from its one-shot Recover pass into the two-pass
// scan-then-apply protocol §4.10 requires.
package redolog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/latticedb/lattice/internal/kverrors"
	"github.com/latticedb/lattice/logger"
)

// RecordType enumerates the kinds of redo records spec.md §3 lists.
type RecordType byte

const (
	TypeTimestamp RecordType = iota
	TypeStore
	TypeClear
	TypeTxnEnter
	TypeTxnStore
	TypeTxnRollback
	TypeTxnCommit
	TypeTxnCommitFinal
	TypeTxnTrashFragmented
	TypeEndFile
)

// Mode is the durability mode under which a record is appended.
type Mode int

const (
	// Sync fsyncs before Append returns.
	Sync Mode = iota
	// NoSync writes (flushes the userspace buffer to the OS) but does
	// not fsync: survives a process crash, not an OS crash.
	NoSync
	// NoFlush buffers only, in userspace: survives neither.
	NoFlush
	// NoLog skips the record entirely; used only for the internal BOGUS
	// (unsafe, no-redo) transaction.
	NoLog
)

// Record is one redo log entry.
type Record struct {
	Type       RecordType
	Seq        uint64
	TxnID      uint64
	IndexID    uint64
	Key        []byte
	Value      []byte
	Fragmented bool
}

func encode(r Record) []byte {
	size := 1 + 8 + 8 + 8 + 2 + len(r.Key) + 1 + 4 + len(r.Value)
	buf := make([]byte, 4+size) // 4-byte length prefix
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	p := buf[4:]
	off := 0
	p[off] = byte(r.Type)
	off++
	binary.LittleEndian.PutUint64(p[off:], r.Seq)
	off += 8
	binary.LittleEndian.PutUint64(p[off:], r.TxnID)
	off += 8
	binary.LittleEndian.PutUint64(p[off:], r.IndexID)
	off += 8
	binary.LittleEndian.PutUint16(p[off:], uint16(len(r.Key)))
	off += 2
	copy(p[off:], r.Key)
	off += len(r.Key)
	if r.Fragmented {
		p[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(p[off:], uint32(len(r.Value)))
	off += 4
	copy(p[off:], r.Value)
	return buf
}

func decode(p []byte) (Record, error) {
	if len(p) < 1+8+8+8+2+1+4 {
		return Record{}, kverrors.ErrCorrupt("redolog: truncated record")
	}
	var r Record
	off := 0
	r.Type = RecordType(p[off])
	off++
	r.Seq = binary.LittleEndian.Uint64(p[off:])
	off += 8
	r.TxnID = binary.LittleEndian.Uint64(p[off:])
	off += 8
	r.IndexID = binary.LittleEndian.Uint64(p[off:])
	off += 8
	klen := int(binary.LittleEndian.Uint16(p[off:]))
	off += 2
	r.Key = append([]byte(nil), p[off:off+klen]...)
	off += klen
	r.Fragmented = p[off] != 0
	off++
	vlen := int(binary.LittleEndian.Uint32(p[off:]))
	off += 4
	r.Value = append([]byte(nil), p[off:off+vlen]...)
	return r, nil
}

// fileName builds the "P.redo.N" path for sequence number seq under
// base (the database's configured base path, without extension).
func fileName(base string, seq uint64) string {
	return fmt.Sprintf("%s.redo.%d", base, seq)
}

// Log is the active redo log file a database appends to.
type Log struct {
	mu      sync.Mutex
	base    string
	seq     uint64
	file    *os.File
	w       *bufio.Writer
	nextSeq uint64 // monotonic per-record sequence number, independent of file rotation
}

// Open creates (or truncates, if it somehow pre-exists) the redo file
// for seq under base and returns a Log ready to append to it.
func Open(base string, seq uint64) (*Log, error) {
	f, err := os.OpenFile(fileName(base, seq), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, kverrors.ErrIO(err)
	}
	return &Log{base: base, seq: seq, file: f, w: bufio.NewWriter(f)}, nil
}

// Seq returns the active file's sequence number.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Append writes r under the given durability mode. NoLog is a silent
// no-op; every other mode writes into the buffer, and Sync/NoSync also
// push it out to (and, for Sync, fsync) the underlying file before
// returning, so that a commit record is never acknowledged before the
// bytes that precede it in program order have left the process.
func (l *Log) Append(r Record, mode Mode) error {
	if mode == NoLog {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq++
	r.Seq = l.nextSeq
	if _, err := l.w.Write(encode(r)); err != nil {
		return kverrors.ErrIO(err)
	}
	switch mode {
	case NoFlush:
		return nil
	case NoSync:
		if err := l.w.Flush(); err != nil {
			return kverrors.ErrIO(err)
		}
		return nil
	case Sync:
		if err := l.w.Flush(); err != nil {
			return kverrors.ErrIO(err)
		}
		if err := l.file.Sync(); err != nil {
			return kverrors.ErrIO(err)
		}
		return nil
	}
	return nil
}

// Flush pushes any buffered bytes out to the OS without fsyncing.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return kverrors.ErrIO(err)
	}
	return nil
}

// Sync flushes and fsyncs the active file.
func (l *Log) Sync() error {
	if err := l.Flush(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return kverrors.ErrIO(err)
	}
	return nil
}

// RotateNewFile flushes and marks the current file with an end-file
// record, then opens the next sequentially numbered file and switches
// the Log to append to it. The old file is not deleted here — the
// caller (the checkpointer) deletes it only after the next checkpoint
// durably commits, so a crash between rotation and checkpoint can still
// replay it.
func (l *Log) RotateNewFile() (oldSeq uint64, err error) {
	l.mu.Lock()
	if err := l.w.Flush(); err != nil {
		l.mu.Unlock()
		return 0, kverrors.ErrIO(err)
	}
	l.w.Write(encode(Record{Type: TypeEndFile, Seq: l.nextSeq + 1}))
	if err := l.w.Flush(); err != nil {
		l.mu.Unlock()
		return 0, kverrors.ErrIO(err)
	}
	if err := l.file.Sync(); err != nil {
		l.mu.Unlock()
		return 0, kverrors.ErrIO(err)
	}
	oldSeq = l.seq
	oldFile := l.file
	l.mu.Unlock()

	newSeq := oldSeq + 1
	f, err := os.OpenFile(fileName(l.base, newSeq), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return 0, kverrors.ErrIO(err)
	}

	l.mu.Lock()
	l.seq = newSeq
	l.file = f
	l.w = bufio.NewWriter(f)
	l.mu.Unlock()

	oldFile.Close()
	logger.Infof("redolog: rotated to file sequence %d", newSeq)
	return oldSeq, nil
}

// DeleteFile removes the rotated-out redo file for seq, called by the
// checkpointer only after its checkpoint has durably committed.
func DeleteFile(base string, seq uint64) error {
	if err := os.Remove(fileName(base, seq)); err != nil && !os.IsNotExist(err) {
		return kverrors.ErrIO(err)
	}
	return nil
}

// Close flushes and closes the active file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return kverrors.ErrIO(err)
	}
	return kverrors.ErrIO(l.file.Close())
}

// Visitor is called once per record during Replay's second (apply) pass.
type Visitor interface {
	Visit(r Record) error
}

// readAll decodes every length-prefixed record in the file at path, in
// order, stopping cleanly at EOF or an end-file record.
func readAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, kverrors.ErrIO(err)
	}
	defer f.Close()

	var out []Record
	r := bufio.NewReader(f)
	var lenBuf [4]byte
	for {
		if _, err := readFull(r, lenBuf[:]); err != nil {
			break
		}
		size := binary.LittleEndian.Uint32(lenBuf[:])
		body := make([]byte, size)
		if _, err := readFull(r, body); err != nil {
			break
		}
		rec, err := decode(body)
		if err != nil {
			break
		}
		if rec.Type == TypeEndFile {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Replay performs the two-pass recovery protocol over the sequentially
// numbered redo files fromSeq..toSeq under base: a scanner pass collects
// the id of every transaction with a commit record, then an applier pass replays
// only the operations belonging to transactions that reached
// txn-commit(-final) in that scan, in file and record order.
func Replay(base string, fromSeq, toSeq uint64, v Visitor) error {
	committed := make(map[uint64]bool)
	var all []Record
	for seq := fromSeq; seq <= toSeq; seq++ {
		recs, err := readAll(fileName(base, seq))
		if err != nil {
			return err
		}
		all = append(all, recs...)
	}
	for _, r := range all {
		if r.Type == TypeTxnCommit || r.Type == TypeTxnCommitFinal {
			committed[r.TxnID] = true
		}
	}

	applied := 0
	for _, r := range all {
		switch r.Type {
		case TypeStore, TypeClear, TypeTxnTrashFragmented:
			if r.TxnID != 0 && !committed[r.TxnID] {
				continue
			}
			if err := v.Visit(r); err != nil {
				return err
			}
			applied++
		case TypeTxnStore:
			if !committed[r.TxnID] {
				continue
			}
			if err := v.Visit(r); err != nil {
				return err
			}
			applied++
		}
	}
	logger.Infof("redolog: replay applied %d of %d scanned records across files %d..%d", applied, len(all), fromSeq, toSeq)
	return nil
}
