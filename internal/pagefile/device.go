// Package pagefile implements the fixed-size page device: positioned
// reads/writes of pages on a single data file, plus the two-phase header
// commit protocol that gives the engine a crash-consistent snapshot.
package pagefile

import (
	"os"
	"sync"
	"time"

	"github.com/latticedb/lattice/internal/kverrors"
	"github.com/latticedb/lattice/internal/latch"
	"github.com/latticedb/lattice/logger"
)

// Reserved page ids: the header occupies the first two page slots of the
// address space; ordinary data pages start at id 2.
const (
	HeaderSlotA uint64 = 0
	HeaderSlotB uint64 = 1
	FirstDataPage uint64 = 2
)

// Device is the page-addressable view of one data file.
type Device struct {
	pageSize uint32

	dataFile *os.File
	lockFile *os.File
	lockPath string

	// commitLatch lets the checkpointer take a consistent snapshot:
	// writers hold it shared while mutating pages, the checkpointer
	// acquires it exclusively (with backoff) around its epoch flip.
	// Commit itself does not take it.
	commitLatch *latch.Latch

	mu         sync.Mutex // guards activeSlot/header/fileSize bookkeeping below
	activeSlot uint64     // HeaderSlotA or HeaderSlotB
	header     *Header
	numPages   uint64 // total addressable pages, including the two header slots
}

// Open opens (creating if absent) the data file at dataPath and takes
// an advisory lock on lockPath so a second process cannot open the same
// database concurrently. A brand-new file is initialized with a zeroed
// header at sequence 1.
func Open(dataPath, lockPath string, pageSize uint32) (*Device, error) {
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, kverrors.ErrIO(err)
	}
	if err := flockExclusive(lockFile); err != nil {
		lockFile.Close()
		return nil, kverrors.Wrap(kverrors.KindIO, err, "database already opened by another process")
	}

	dataFile, err := os.OpenFile(dataPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		flockRelease(lockFile)
		lockFile.Close()
		return nil, kverrors.ErrIO(err)
	}

	d := &Device{
		pageSize:    pageSize,
		dataFile:    dataFile,
		lockFile:    lockFile,
		lockPath:    lockPath,
		commitLatch: latch.New(),
	}

	if err := d.loadOrInit(); err != nil {
		dataFile.Close()
		flockRelease(lockFile)
		lockFile.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) loadOrInit() error {
	info, err := d.dataFile.Stat()
	if err != nil {
		return kverrors.ErrIO(err)
	}
	minSize := int64(d.pageSize) * 2
	if info.Size() < minSize {
		return d.initFresh()
	}

	bufA := make([]byte, d.pageSize)
	bufB := make([]byte, d.pageSize)
	if _, err := d.dataFile.ReadAt(bufA, int64(HeaderSlotA)*int64(d.pageSize)); err != nil {
		return kverrors.ErrIO(err)
	}
	if _, err := d.dataFile.ReadAt(bufB, int64(HeaderSlotB)*int64(d.pageSize)); err != nil {
		return kverrors.ErrIO(err)
	}

	hA, okA := Decode(bufA)
	hB, okB := Decode(bufB)
	switch {
	case okA && okB:
		if hA.Sequence >= hB.Sequence {
			d.header, d.activeSlot = hA, HeaderSlotA
		} else {
			d.header, d.activeSlot = hB, HeaderSlotB
		}
	case okA:
		d.header, d.activeSlot = hA, HeaderSlotA
	case okB:
		d.header, d.activeSlot = hB, HeaderSlotB
	default:
		return kverrors.ErrCorrupt("neither header slot decodes to a valid header")
	}
	d.numPages = uint64(info.Size()) / uint64(d.pageSize)
	return nil
}

func (d *Device) initFresh() error {
	h := &Header{
		EncodingVersion: EncodingVersion,
		Sequence:        1,
	}
	buf := make([]byte, d.pageSize)
	h.Encode(buf)
	if _, err := d.dataFile.WriteAt(buf, int64(HeaderSlotA)*int64(d.pageSize)); err != nil {
		return kverrors.ErrIO(err)
	}
	// Slot B starts blank (a zeroed page fails Decode's encoding-version
	// check, which is fine: slot A is the only valid copy).
	blank := make([]byte, d.pageSize)
	if _, err := d.dataFile.WriteAt(blank, int64(HeaderSlotB)*int64(d.pageSize)); err != nil {
		return kverrors.ErrIO(err)
	}
	if err := d.dataFile.Sync(); err != nil {
		return kverrors.ErrIO(err)
	}
	d.header = h
	d.activeSlot = HeaderSlotA
	d.numPages = 2
	return nil
}

// PageSize returns the configured page size in bytes.
func (d *Device) PageSize() uint32 { return d.pageSize }

// Header returns a copy of the currently active header.
func (d *Device) Header() *Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *d.header
	cp.FreeListState = append([]byte(nil), d.header.FreeListState...)
	return &cp
}

// NumPages returns the total number of addressable pages, header slots
// included.
func (d *Device) NumPages() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numPages
}

// ReadPage reads the page at id into buf, which must be PageSize() bytes.
func (d *Device) ReadPage(id uint64, buf []byte) error {
	if _, err := d.dataFile.ReadAt(buf, int64(id)*int64(d.pageSize)); err != nil {
		return kverrors.ErrIO(err)
	}
	return nil
}

// WritePage writes buf (PageSize() bytes) to the page at id, growing the
// device lazily if id falls beyond the current end of file.
func (d *Device) WritePage(id uint64, buf []byte) error {
	d.mu.Lock()
	if id >= d.numPages {
		d.numPages = id + 1
	}
	d.mu.Unlock()

	if _, err := d.dataFile.WriteAt(buf, int64(id)*int64(d.pageSize)); err != nil {
		return kverrors.ErrIO(err)
	}
	return nil
}

// Grow ensures the device has at least n addressable pages, without
// writing any content to the new pages (they read back as zero until
// written).
func (d *Device) Grow(n uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= d.numPages {
		return nil
	}
	if err := d.dataFile.Truncate(int64(n) * int64(d.pageSize)); err != nil {
		return kverrors.ErrIO(err)
	}
	d.numPages = n
	return nil
}

// AcquireSharedCommit is held by ordinary writers for the duration of a
// structural modification, so a concurrent checkpoint cannot observe a
// half-finished split.
func (d *Device) AcquireSharedCommit() { d.commitLatch.AcquireShared() }

// ReleaseSharedCommit releases a hold taken by AcquireSharedCommit.
func (d *Device) ReleaseSharedCommit() { d.commitLatch.ReleaseShared() }

// AcquireExclusiveCommitTimed is used only by the checkpointer: it backs
// off and retries rather than blocking writers indefinitely.
func (d *Device) AcquireExclusiveCommitTimed(timeout time.Duration) bool {
	return d.commitLatch.TryAcquireExclusiveTimed(timeout)
}

// ReleaseExclusiveCommit releases a hold taken by AcquireExclusiveCommitTimed.
func (d *Device) ReleaseExclusiveCommit() { d.commitLatch.ReleaseExclusive() }

// Commit performs the page device's two-phase durable commit: (a) fsync
// every data page written since the last commit, (b) invoke prepare to
// obtain the next header (given the currently active one as a
// baseline), (c) write it into the inactive slot, (d) fsync, (e) switch
// the active slot in memory. A crash between (c) and (e) leaves the
// previous slot — and thus the previous committed snapshot — valid on
// restart, since the file on disk never has both slots updated at once
// without the newer one's fsync having completed first.
func (d *Device) Commit(prepare func(current *Header) (*Header, error)) error {
	if err := d.dataFile.Sync(); err != nil {
		return kverrors.ErrIO(err)
	}

	d.mu.Lock()
	current := d.header
	inactiveSlot := HeaderSlotA
	if d.activeSlot == HeaderSlotA {
		inactiveSlot = HeaderSlotB
	}
	d.mu.Unlock()

	next, err := prepare(current)
	if err != nil {
		return err
	}
	next.Sequence = current.Sequence + 1

	buf := make([]byte, d.pageSize)
	next.Encode(buf)
	if _, err := d.dataFile.WriteAt(buf, int64(inactiveSlot)*int64(d.pageSize)); err != nil {
		return kverrors.ErrIO(err)
	}
	if err := d.dataFile.Sync(); err != nil {
		return kverrors.ErrIO(err)
	}

	d.mu.Lock()
	d.header = next
	d.activeSlot = inactiveSlot
	d.mu.Unlock()

	logger.Debugf("pagefile: committed header slot %d at sequence %d", inactiveSlot, next.Sequence)
	return nil
}

// Sync fsyncs the underlying data file without performing a header
// switch; used by Database.Sync for an fsync without a full checkpoint.
func (d *Device) Sync() error {
	if err := d.dataFile.Sync(); err != nil {
		return kverrors.ErrIO(err)
	}
	return nil
}

// Close releases the advisory lock and closes the underlying file
// handles. A failure to release the advisory lock is logged; a failure
// to close the data file is returned as an Io error.
func (d *Device) Close() error {
	err := d.dataFile.Close()
	if ferr := flockRelease(d.lockFile); ferr != nil {
		logger.Warnf("pagefile: failed to release lock file: %v", ferr)
	}
	d.lockFile.Close()
	os.Remove(d.lockPath)
	if err != nil {
		return kverrors.ErrIO(err)
	}
	return nil
}
