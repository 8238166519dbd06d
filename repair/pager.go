package repair

import (
	"bytes"
	"fmt"

	"github.com/zhukovaskychina/xsqlite-recover/util"
)

const (
	// headerSize is the fixed database header region at offset 0.
	headerSize = 100
	// minPageSize and maxPageSize bound the legal page-size range.
	minPageSize = 512
	maxPageSize = 65536
)

// magicHeader is the canonical format signature, trailing NUL included.
var magicHeader = []byte("SQLite format 3\x00")

// Pager is the page-access layer over a possibly corrupted database file.
// It owns the file geometry, the base-file handle and the WAL overlay, and it
// records the most recent structured error for caller inspection. A Pager is
// driven by a single goroutine; it performs no internal locking.
type Pager struct {
	fileHandle *FileHandle
	wal        *Wal

	pageSize      int
	reservedBytes int
	numberOfPages int
	fileSize      int64

	walImportance bool
	lastError     *Error
	state         initState
}

// NewPager creates a Pager for the database file at path. Geometry is derived
// from the file header unless overridden before Initialize.
func NewPager(path string) *Pager {
	pager := &Pager{
		fileHandle:    NewFileHandle(path),
		pageSize:      -1,
		reservedBytes: -1,
		walImportance: true,
	}
	pager.wal = NewWal(pager)
	return pager
}

// Path reports the base file path.
func (p *Pager) Path() string {
	return p.fileHandle.Path()
}

// SetPageSize overrides the page size instead of parsing it from the header.
// Calling it once initialization has started is a contract violation.
func (p *Pager) SetPageSize(pageSize int) {
	if p.state != stateUninitialized {
		panic("repair: SetPageSize called after initialization started")
	}
	p.pageSize = pageSize
}

// SetReservedBytes overrides the per-page reserved byte count instead of
// parsing it from the header. Calling it once initialization has started is a
// contract violation.
func (p *Pager) SetReservedBytes(reservedBytes int) {
	if p.state != stateUninitialized {
		panic("repair: SetReservedBytes called after initialization started")
	}
	p.reservedBytes = reservedBytes
}

// IsInitialized reports whether initialization has completed successfully.
func (p *Pager) IsInitialized() bool {
	return p.state == stateInitialized
}

func (p *Pager) isInitializing() bool {
	return p.state == stateInitializing
}

// Initialize runs the one-shot initialization state machine. A Pager that has
// failed stays failed; construct a fresh instance to retry.
func (p *Pager) Initialize() error {
	switch p.state {
	case stateInitialized:
		return nil
	case stateFailed:
		return p.lastError
	case stateInitializing:
		panic("repair: Initialize re-entered")
	}
	p.state = stateInitializing
	if err := p.doInitialize(); err != nil {
		p.state = stateFailed
		return err
	}
	p.state = stateInitialized
	return nil
}

func (p *Pager) doInitialize() error {
	fileSize, err := util.FileSize(p.Path())
	if err != nil {
		return p.markAsSystemError(err)
	}
	p.fileSize = fileSize
	if fileSize == 0 {
		return p.markAsError(CodeEmpty)
	}

	if err = p.fileHandle.Open(); err != nil {
		return p.markAsSystemError(err)
	}
	relaxFileProtection(p.Path())

	if p.pageSize == -1 || p.reservedBytes == -1 {
		data, acquireErr := p.AcquireData(0, headerSize)
		if acquireErr != nil {
			return acquireErr
		}
		if !bytes.Equal(data[:len(magicHeader)], magicHeader) {
			return p.markAsError(CodeNotADatabase)
		}
		cursor := util.NewCursor(data)
		if p.pageSize == -1 {
			cursor.Seek(16)
			p.pageSize = cursor.Advance2BytesInt()
		}
		if p.reservedBytes == -1 {
			cursor.Seek(20)
			p.reservedBytes = cursor.Advance1ByteInt()
		}
	}
	if p.pageSize&(p.pageSize-1) != 0 || p.pageSize < minPageSize || p.pageSize > maxPageSize {
		return p.markAsCorrupted(1, fmt.Sprintf("Page size: %d is not aligned or not in [%d, %d].", p.pageSize, minPageSize, maxPageSize))
	}
	if p.reservedBytes < 0 || p.reservedBytes > 255 {
		return p.markAsCorrupted(1, fmt.Sprintf("Reserved bytes: %d is illegal.", p.reservedBytes))
	}

	p.fileHandle.SetPageSize(p.pageSize)
	p.numberOfPages = int((p.fileSize + int64(p.pageSize) - 1) / int64(p.pageSize))

	if err = p.wal.Initialize(); err != nil {
		if p.walImportance || !p.lastError.IsCorruption() {
			return err
		}
		// The base file is still usable even though its WAL is not.
		p.DisposeWal()
	}
	return nil
}

// GetNumberOfPages reports the page count, including pages only the WAL
// knows about.
func (p *Pager) GetNumberOfPages() int {
	p.assertInitialized()
	if walMax := p.wal.GetMaxPageno(); walMax > p.numberOfPages {
		return walMax
	}
	return p.numberOfPages
}

// GetPageSize reports the page size in bytes.
func (p *Pager) GetPageSize() int {
	if !p.IsInitialized() && !p.isInitializing() {
		panic("repair: GetPageSize before initialization")
	}
	return p.pageSize
}

// GetUsableSize reports the page size minus the reserved trailer bytes.
func (p *Pager) GetUsableSize() int {
	if !p.IsInitialized() && !p.isInitializing() {
		panic("repair: GetUsableSize before initialization")
	}
	return p.pageSize - p.reservedBytes
}

// GetReservedBytes reports the reserved trailer byte count per page.
func (p *Pager) GetReservedBytes() int {
	p.assertInitialized()
	return p.reservedBytes
}

// GetFileSize reports the base file size observed at initialization time.
func (p *Pager) GetFileSize() int64 {
	p.assertInitialized()
	return p.fileSize
}

// AcquirePageData returns the whole page as a borrowed view.
func (p *Pager) AcquirePageData(number int) ([]byte, error) {
	return p.AcquirePageDataInRange(number, 0, p.pageSize)
}

// AcquirePageDataInRange returns [offset, offset+size) of the given page as a
// borrowed view. A page version in the WAL shadows the base file. Failures
// are recorded as the last error and published; the result is nil in that
// case, never a partial range.
func (p *Pager) AcquirePageDataInRange(number int, offset int64, size int) ([]byte, error) {
	p.assertInitialized()
	if number <= 0 {
		panic(fmt.Sprintf("repair: illegal page number: %d", number))
	}
	if offset+int64(size) > int64(p.pageSize) {
		panic(fmt.Sprintf("repair: range [%d, %d) exceeds the page size: %d", offset, offset+int64(size), p.pageSize))
	}
	var data []byte
	var err error
	if p.wal.ContainsPage(number) {
		data, err = p.wal.AcquirePageData(number, offset, size)
	} else if number > p.numberOfPages {
		return nil, p.markAsCorrupted(number,
			fmt.Sprintf("Acquired page number: %d exceeds the page count: %d.", number, p.numberOfPages))
	} else {
		data, err = p.fileHandle.MapPage(number, offset, size)
	}
	if err != nil {
		return nil, p.markAsSystemError(err)
	}
	if len(data) != size {
		if len(data) > 0 {
			// short read
			return nil, p.markAsCorrupted(int(offset/int64(p.pageSize))+1,
				fmt.Sprintf("Acquired page data with size: %d is less than the expected size: %d.", len(data), size))
		}
		return nil, p.markAsSystemError(fmt.Errorf("mapped an empty range for page %d", number))
	}
	return data, nil
}

// AcquireData returns [offset, offset+size) of the base file as a borrowed
// view, with the same short-read taxonomy as page access. Used for header
// sniffing and other reads that are not page aligned.
func (p *Pager) AcquireData(offset int64, size int) ([]byte, error) {
	if !p.fileHandle.IsOpened() {
		panic("repair: AcquireData before the file is opened")
	}
	data, err := p.fileHandle.Map(offset, size)
	if err != nil {
		return nil, p.markAsSystemError(err)
	}
	if len(data) != size {
		if len(data) > 0 {
			page := 1
			if p.pageSize > 0 {
				page = int(offset/int64(p.pageSize)) + 1
			}
			return nil, p.markAsCorrupted(page,
				fmt.Sprintf("Acquired data with size: %d is less than the expected size: %d.", len(data), size))
		}
		return nil, p.markAsSystemError(fmt.Errorf("mapped an empty range at offset %d", offset))
	}
	return data, nil
}

// SetWalImportance decides whether a failing WAL aborts initialization. An
// unimportant WAL also loses the right to be backed by its shared-memory
// index.
func (p *Pager) SetWalImportance(flag bool) {
	p.walImportance = flag
	p.wal.SetShmLegality(flag)
}

// SetMaxWalFrame caps how many WAL frames are considered valid.
func (p *Pager) SetMaxWalFrame(maxWalFrame int) {
	p.wal.SetMaxAllowedFrame(maxWalFrame)
}

// DisposeWal discards the WAL overlay; subsequent reads see the base file
// only.
func (p *Pager) DisposeWal() {
	p.wal.Dispose()
}

// GetDisposedWalPages reports how many shadowed pages a DisposeWal dropped.
func (p *Pager) GetDisposedWalPages() int {
	return p.wal.GetDisposedPages()
}

// GetWalSalt reports the WAL generation salt pair.
func (p *Pager) GetWalSalt() (uint32, uint32) {
	return p.wal.GetSalt()
}

// GetNumberOfWalFrames reports how many committed WAL frames are visible.
func (p *Pager) GetNumberOfWalFrames() int {
	return p.wal.GetNumberOfFrames()
}

// LastError reports the most recent structured error recorded on this Pager.
func (p *Pager) LastError() *Error {
	return p.lastError
}

// markAsCorrupted records and publishes a corruption event tagged with the
// page it was detected on.
func (p *Pager) markAsCorrupted(page int, message string) *Error {
	event := &Error{
		Code:    CodeCorrupt,
		Level:   LevelIgnore,
		Message: message,
		Source:  errorSourceRepair,
		Path:    p.Path(),
		Page:    page,
	}
	notify(event)
	p.lastError = event
	return event
}

// markAsError records and publishes an event of the given code.
func (p *Pager) markAsError(code ErrorCode) *Error {
	event := &Error{
		Code:   code,
		Level:  LevelIgnore,
		Source: errorSourceRepair,
		Path:   p.Path(),
	}
	notify(event)
	p.lastError = event
	return event
}

// markAsSystemError records and publishes an OS-level failure.
func (p *Pager) markAsSystemError(cause error) *Error {
	event := &Error{
		Code:    CodeIOFailure,
		Level:   LevelIgnore,
		Message: cause.Error(),
		Source:  errorSourceRepair,
		Path:    p.Path(),
		Cause:   cause,
	}
	notify(event)
	p.lastError = event
	return event
}

// Hint publishes an informational snapshot of the pager's geometry, including
// the current file size when a fresh stat succeeds, so callers can detect
// file-size drift caused by an external writer. It never fails and never
// mutates state.
func (p *Pager) Hint() {
	if !p.IsInitialized() {
		return
	}
	event := &Error{
		Code:    CodeNotice,
		Level:   LevelNotice,
		Message: "Pager hint.",
		Source:  errorSourceRepair,
		Path:    p.Path(),
	}
	event.setInfo("NumberOfPages", p.numberOfPages)
	event.setInfo("OriginFileSize", p.fileSize)
	if currentSize, err := util.FileSize(p.Path()); err == nil {
		event.setInfo("CurrentFileSize", currentSize)
	}
	notify(event)
	p.wal.Hint()
}

// Close releases the base file mapping and the WAL overlay's resources.
// Views returned by any Acquire call are invalid afterwards.
func (p *Pager) Close() error {
	p.wal.close()
	return p.fileHandle.Close()
}

func (p *Pager) assertInitialized() {
	if !p.IsInitialized() {
		panic("repair: Pager is not initialized")
	}
}
