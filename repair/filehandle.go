package repair

import (
	"os"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// FileHandle opens a file read-only and serves borrowed byte ranges out of a
// whole-file memory mapping. Returned slices alias the mapping and are only
// valid until Close.
type FileHandle struct {
	path     string
	file     *os.File
	data     []byte
	size     int64
	pageSize int
}

// NewFileHandle wraps path without touching the filesystem.
func NewFileHandle(path string) *FileHandle {
	return &FileHandle{path: path}
}

// Path reports the file path this handle was created with.
func (h *FileHandle) Path() string {
	return h.path
}

// IsOpened reports whether Open has succeeded.
func (h *FileHandle) IsOpened() bool {
	return h.file != nil
}

// Size reports the file size observed at Open time.
func (h *FileHandle) Size() int64 {
	return h.size
}

// SetPageSize fixes the page-aligned mapping granularity used by MapPage.
func (h *FileHandle) SetPageSize(pageSize int) {
	h.pageSize = pageSize
}

// Open opens the file read-only and maps it. A zero-length file opens
// successfully with an empty mapping.
func (h *FileHandle) Open() error {
	if h.IsOpened() {
		return nil
	}
	file, err := os.OpenFile(h.path, os.O_RDONLY, 0)
	if err != nil {
		return errors.Trace(err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Trace(err)
	}
	size := info.Size()
	var data []byte
	if size > 0 {
		data, err = unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			file.Close()
			return errors.Annotatef(err, "mmap %s", h.path)
		}
	}
	h.file = file
	h.data = data
	h.size = size
	return nil
}

// Map returns the byte range [offset, offset+size) as a borrowed view. The
// range is clamped to the end of the mapping, so the result may be shorter
// than requested. A range starting at or past the end of the file cannot be
// served and reports an error.
func (h *FileHandle) Map(offset int64, size int) ([]byte, error) {
	if !h.IsOpened() {
		return nil, errors.Errorf("map %s: file is not opened", h.path)
	}
	if offset < 0 || size < 0 {
		return nil, errors.Errorf("map %s: illegal range [%d, %d)", h.path, offset, offset+int64(size))
	}
	if offset >= h.size {
		return nil, errors.Errorf("map %s: offset %d is beyond the end of file: %d", h.path, offset, h.size)
	}
	end := offset + int64(size)
	if end > h.size {
		end = h.size
	}
	return h.data[offset:end], nil
}

// MapPage maps the sub-range [offset, offset+size) of the given 1-based page.
// SetPageSize must have been called first.
func (h *FileHandle) MapPage(number int, offset int64, size int) ([]byte, error) {
	if h.pageSize <= 0 {
		return nil, errors.Errorf("map %s: page size is not set", h.path)
	}
	if number <= 0 {
		return nil, errors.Errorf("map %s: illegal page number: %d", h.path, number)
	}
	pageOffset := int64(number-1) * int64(h.pageSize)
	return h.Map(pageOffset+offset, size)
}

// Close unmaps and closes the file. Safe to call twice.
func (h *FileHandle) Close() error {
	var err error
	if h.data != nil {
		err = unix.Munmap(h.data)
		h.data = nil
	}
	if h.file != nil {
		if cerr := h.file.Close(); err == nil {
			err = cerr
		}
		h.file = nil
	}
	h.size = 0
	return errors.Trace(err)
}

// relaxFileProtection is where platforms with file data-protection classes
// would loosen them before reading. No such concept exists here.
func relaxFileProtection(path string) {
	_ = path
}
