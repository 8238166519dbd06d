package repair

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zhukovaskychina/xsqlite-recover/util"
)

const (
	walHeaderSize      = 32
	walFrameHeaderSize = 24
	walFormatVersion   = 3007000

	// The low bit of the magic selects the byte order the cumulative
	// checksum is computed in.
	walMagicChecksumLE = 0x377f0682
	walMagicChecksumBE = 0x377f0683

	// A WAL-index header copy in the shm file.
	shmHeaderSize = 48
)

// Wal overlays the newest committed page versions recorded in the side
// write-ahead log file over the base database file. It keeps a non-owning
// back-reference to its Pager for shared geometry and error recording, and it
// must never be used after that Pager is closed.
type Wal struct {
	pager      *Pager
	fileHandle *FileHandle

	salt1, salt2      uint32
	saltBytes         [8]byte
	bigEndianChecksum bool

	// pageFrames maps a page number to the newest committed frame holding a
	// version of it. Frame numbers are 1-based.
	pageFrames     map[int]int
	maxPageno      int
	numberOfFrames int
	disposedPages  int

	maxAllowedFrame int
	shmLegality     bool
	state           initState
}

// NewWal creates the overlay for pager. The pager must already exist; the
// overlay shares its lifetime.
func NewWal(pager *Pager) *Wal {
	return &Wal{
		pager:           pager,
		pageFrames:      make(map[int]int),
		maxAllowedFrame: math.MaxInt32,
		shmLegality:     true,
	}
}

// Path reports the WAL file path derived from the base file.
func (w *Wal) Path() string {
	return w.pager.Path() + "-wal"
}

func (w *Wal) shmPath() string {
	return w.pager.Path() + "-shm"
}

// SetShmLegality decides whether the shared-memory index file may be
// consulted while scanning frames.
func (w *Wal) SetShmLegality(flag bool) {
	w.shmLegality = flag
}

// SetMaxAllowedFrame caps how many frames are considered valid, used when the
// frame region beyond that point is suspect.
func (w *Wal) SetMaxAllowedFrame(maxAllowedFrame int) {
	w.maxAllowedFrame = maxAllowedFrame
}

// Initialize parses the WAL file and indexes the newest committed frame per
// page. A missing or empty WAL is a successful, frameless initialization.
// Failures are recorded on the owning Pager.
func (w *Wal) Initialize() error {
	switch w.state {
	case stateInitialized:
		return nil
	case stateFailed:
		return w.pager.LastError()
	case stateInitializing:
		panic("repair: Wal Initialize re-entered")
	}
	w.state = stateInitializing
	if err := w.doInitialize(); err != nil {
		w.state = stateFailed
		return err
	}
	w.state = stateInitialized
	return nil
}

func (w *Wal) doInitialize() error {
	walPath := w.Path()
	if !util.FileExists(walPath) {
		return nil
	}
	size, err := util.FileSize(walPath)
	if err != nil {
		return w.pager.markAsSystemError(err)
	}
	if size == 0 {
		return nil
	}
	if size < walHeaderSize {
		return w.markAsCorrupted(0, fmt.Sprintf("Wal file size: %d is too small for the header.", size))
	}

	w.fileHandle = NewFileHandle(walPath)
	if err = w.fileHandle.Open(); err != nil {
		return w.pager.markAsSystemError(err)
	}

	header, err := w.fileHandle.Map(0, walHeaderSize)
	if err != nil {
		return w.pager.markAsSystemError(err)
	}
	cursor := util.NewCursor(header)
	magic := cursor.Advance4BytesInt()
	if magic != walMagicChecksumLE && magic != walMagicChecksumBE {
		return w.markAsCorrupted(0, fmt.Sprintf("Wal magic: 0x%x mismatch.", magic))
	}
	w.bigEndianChecksum = magic == walMagicChecksumBE
	version := cursor.Advance4BytesInt()
	if version != walFormatVersion {
		return w.markAsCorrupted(0, fmt.Sprintf("Wal format version: %d is not supported.", version))
	}
	walPageSize := int(cursor.Advance4BytesInt())
	if walPageSize != w.pager.GetPageSize() {
		return w.markAsCorrupted(0,
			fmt.Sprintf("Wal page size: %d mismatches the database page size: %d.", walPageSize, w.pager.GetPageSize()))
	}
	cursor.Advance4BytesInt() // checkpoint sequence
	w.salt1 = cursor.Advance4BytesInt()
	w.salt2 = cursor.Advance4BytesInt()
	copy(w.saltBytes[:], header[16:24])
	headerChecksum1 := cursor.Advance4BytesInt()
	headerChecksum2 := cursor.Advance4BytesInt()

	s1, s2 := walChecksum(header[:24], 0, 0, w.bigEndianChecksum)
	if s1 != headerChecksum1 || s2 != headerChecksum2 {
		return w.markAsCorrupted(0, "Wal header checksum mismatch.")
	}

	frameSize := walFrameHeaderSize + walPageSize
	maxFrame := int((size - walHeaderSize) / int64(frameSize))
	if w.maxAllowedFrame < maxFrame {
		maxFrame = w.maxAllowedFrame
	}
	if w.shmLegality {
		shmMaxFrame, shmErr := w.readShmMaxFrame()
		if shmErr != nil {
			return shmErr
		}
		if shmMaxFrame >= 0 && shmMaxFrame < maxFrame {
			maxFrame = shmMaxFrame
		}
	}

	// Frames past the last commit marker, or past the first salt/checksum
	// break, belong to a torn or stale tail and are not an error.
	pending := make(map[int]int)
	for frameno := 1; frameno <= maxFrame; frameno++ {
		frameOffset := int64(walHeaderSize) + int64(frameno-1)*int64(frameSize)
		frame, mapErr := w.fileHandle.Map(frameOffset, frameSize)
		if mapErr != nil || len(frame) != frameSize {
			break
		}
		frameCursor := util.NewCursor(frame)
		pageno := int(frameCursor.Advance4BytesInt())
		truncate := frameCursor.Advance4BytesInt()
		frameSalt1 := frameCursor.Advance4BytesInt()
		frameSalt2 := frameCursor.Advance4BytesInt()
		frameChecksum1 := frameCursor.Advance4BytesInt()
		frameChecksum2 := frameCursor.Advance4BytesInt()
		if frameSalt1 != w.salt1 || frameSalt2 != w.salt2 {
			break
		}
		s1, s2 = walChecksum(frame[:8], s1, s2, w.bigEndianChecksum)
		s1, s2 = walChecksum(frame[walFrameHeaderSize:], s1, s2, w.bigEndianChecksum)
		if s1 != frameChecksum1 || s2 != frameChecksum2 {
			break
		}
		if pageno <= 0 {
			break
		}
		pending[pageno] = frameno
		if truncate != 0 {
			// commit frame: fold the transaction into the index
			for page, committedFrame := range pending {
				w.pageFrames[page] = committedFrame
				if page > w.maxPageno {
					w.maxPageno = page
				}
			}
			pending = make(map[int]int)
			w.numberOfFrames = frameno
			if int(truncate) > w.maxPageno {
				w.maxPageno = int(truncate)
			}
		}
	}
	return nil
}

// readShmMaxFrame returns the frame cap recorded in the shared-memory index,
// or -1 when no usable index exists. A present but inconsistent index is
// corruption.
func (w *Wal) readShmMaxFrame() (int, error) {
	shmPath := w.shmPath()
	if !util.FileExists(shmPath) {
		return -1, nil
	}
	shm := NewFileHandle(shmPath)
	if err := shm.Open(); err != nil {
		return -1, w.pager.markAsSystemError(err)
	}
	defer shm.Close()

	header, err := shm.Map(0, 2*shmHeaderSize)
	if err != nil || len(header) != 2*shmHeaderSize {
		return -1, w.markAsCorrupted(0, "Shm index header is truncated.")
	}
	if !bytes.Equal(header[:shmHeaderSize], header[shmHeaderSize:2*shmHeaderSize]) {
		return -1, w.markAsCorrupted(0, "Shm index header copies disagree.")
	}
	// isInit not set yet means the index carries nothing trustworthy; fall
	// back to a full frame scan.
	if header[12] == 0 {
		return -1, nil
	}
	// The index stores the salts as raw bytes copied from the WAL header.
	if !bytes.Equal(header[32:40], w.saltBytes[:]) {
		return -1, w.markAsCorrupted(0, "Shm index salt mismatches the wal header.")
	}
	// The index is written in host byte order; little-endian hosts are the
	// only ones supported here.
	version := binary.LittleEndian.Uint32(header[0:4])
	if version != walFormatVersion {
		return -1, w.markAsCorrupted(0, fmt.Sprintf("Shm index version: %d is not supported.", version))
	}
	return int(binary.LittleEndian.Uint32(header[16:20])), nil
}

// ContainsPage reports whether the overlay holds a committed version of the
// page.
func (w *Wal) ContainsPage(number int) bool {
	_, ok := w.pageFrames[number]
	return ok
}

// AcquirePageData returns [offset, offset+size) of the newest committed
// version of the page as a borrowed view into the WAL mapping. Callers check
// ContainsPage first.
func (w *Wal) AcquirePageData(number int, offset int64, size int) ([]byte, error) {
	frameno, ok := w.pageFrames[number]
	if !ok {
		panic(fmt.Sprintf("repair: wal does not contain page %d", number))
	}
	frameSize := int64(walFrameHeaderSize + w.pager.GetPageSize())
	dataOffset := int64(walHeaderSize) + int64(frameno-1)*frameSize + walFrameHeaderSize + offset
	return w.fileHandle.Map(dataOffset, size)
}

// GetMaxPageno reports the largest page number the WAL has seen, which may
// exceed the base file's page count when growth has not been flushed.
func (w *Wal) GetMaxPageno() int {
	return w.maxPageno
}

// GetNumberOfFrames reports how many committed frames are visible.
func (w *Wal) GetNumberOfFrames() int {
	return w.numberOfFrames
}

// GetSalt reports the WAL generation salt pair.
func (w *Wal) GetSalt() (uint32, uint32) {
	return w.salt1, w.salt2
}

// GetDisposedPages reports how many shadowed pages Dispose dropped.
func (w *Wal) GetDisposedPages() int {
	return w.disposedPages
}

// Dispose discards every shadowed page; subsequent reads fall through to the
// base file.
func (w *Wal) Dispose() {
	w.disposedPages += len(w.pageFrames)
	w.pageFrames = make(map[int]int)
	w.maxPageno = 0
	w.numberOfFrames = 0
	w.close()
}

// Hint publishes an informational snapshot of the overlay.
func (w *Wal) Hint() {
	if w.state != stateInitialized {
		return
	}
	event := &Error{
		Code:    CodeNotice,
		Level:   LevelNotice,
		Message: "Wal hint.",
		Source:  errorSourceRepair,
		Path:    w.Path(),
	}
	event.setInfo("NumberOfFrames", w.numberOfFrames)
	event.setInfo("MaxPageno", w.maxPageno)
	event.setInfo("DisposedPages", w.disposedPages)
	event.setInfo("Salt1", w.salt1)
	event.setInfo("Salt2", w.salt2)
	if currentSize, err := util.FileSize(w.Path()); err == nil {
		event.setInfo("CurrentWalFileSize", currentSize)
	}
	notify(event)
}

func (w *Wal) close() {
	if w.fileHandle != nil {
		w.fileHandle.Close()
		w.fileHandle = nil
	}
}

// markAsCorrupted records and publishes a WAL corruption event on the owning
// Pager, tagged with the frame it was detected on when known.
func (w *Wal) markAsCorrupted(frame int, message string) *Error {
	event := &Error{
		Code:    CodeCorrupt,
		Level:   LevelIgnore,
		Message: message,
		Source:  errorSourceRepair,
		Path:    w.Path(),
	}
	if frame > 0 {
		event.setInfo("Frame", frame)
	}
	notify(event)
	w.pager.lastError = event
	return event
}

// walChecksum folds data into the cumulative SQLite WAL checksum. data's
// length must be a multiple of 8.
func walChecksum(data []byte, s1, s2 uint32, bigEndian bool) (uint32, uint32) {
	for i := 0; i+8 <= len(data); i += 8 {
		var x1, x2 uint32
		if bigEndian {
			x1 = binary.BigEndian.Uint32(data[i:])
			x2 = binary.BigEndian.Uint32(data[i+4:])
		} else {
			x1 = binary.LittleEndian.Uint32(data[i:])
			x2 = binary.LittleEndian.Uint32(data[i+4:])
		}
		s1 += x1 + s2
		s2 += x2 + s1
	}
	return s1, s2
}
