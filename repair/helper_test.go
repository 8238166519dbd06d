package repair

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testSalt1 = uint32(0x11223344)
	testSalt2 = uint32(0x55667788)
)

// buildDatabaseHeader renders the 100-byte header region with the given
// geometry and zeroes everywhere else.
func buildDatabaseHeader(pageSize, reservedBytes int) []byte {
	header := make([]byte, headerSize)
	copy(header, magicHeader)
	binary.BigEndian.PutUint16(header[16:18], uint16(pageSize))
	header[20] = byte(reservedBytes)
	return header
}

// writeDatabaseFile writes a database of the given page count; page n is
// filled with the byte n so tests can tell pages apart. Page 1 keeps a valid
// header.
func writeDatabaseFile(t *testing.T, pageSize, reservedBytes, pages int) string {
	t.Helper()
	content := make([]byte, pageSize*pages)
	for page := 1; page <= pages; page++ {
		fill(content[(page-1)*pageSize:page*pageSize], byte(page))
	}
	copy(content, buildDatabaseHeader(pageSize, reservedBytes))
	return writeTestFile(t, "test.db", content)
}

func writeTestFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func fill(buff []byte, value byte) {
	for i := range buff {
		buff[i] = value
	}
}

// walTestFrame describes one frame to render into a synthetic WAL file.
type walTestFrame struct {
	pageno int
	// truncate is the database size in pages after commit; nonzero marks the
	// frame as a commit frame.
	truncate uint32
	// filler fills the frame's page data.
	filler byte
	// badSalt and badChecksum forge an invalid frame.
	badSalt     bool
	badChecksum bool
}

// writeWalFile renders a WAL beside the database at dbPath, with correct
// header and cumulative frame checksums unless a frame asks otherwise.
func writeWalFile(t *testing.T, dbPath string, pageSize int, frames []walTestFrame) string {
	t.Helper()

	header := make([]byte, walHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], walMagicChecksumLE)
	binary.BigEndian.PutUint32(header[4:8], walFormatVersion)
	binary.BigEndian.PutUint32(header[8:12], uint32(pageSize))
	binary.BigEndian.PutUint32(header[12:16], 1) // checkpoint sequence
	binary.BigEndian.PutUint32(header[16:20], testSalt1)
	binary.BigEndian.PutUint32(header[20:24], testSalt2)
	s1, s2 := walChecksum(header[:24], 0, 0, false)
	binary.BigEndian.PutUint32(header[24:28], s1)
	binary.BigEndian.PutUint32(header[28:32], s2)

	content := header
	for _, frame := range frames {
		frameHeader := make([]byte, walFrameHeaderSize)
		binary.BigEndian.PutUint32(frameHeader[0:4], uint32(frame.pageno))
		binary.BigEndian.PutUint32(frameHeader[4:8], frame.truncate)
		salt1, salt2 := testSalt1, testSalt2
		if frame.badSalt {
			salt1++
		}
		binary.BigEndian.PutUint32(frameHeader[8:12], salt1)
		binary.BigEndian.PutUint32(frameHeader[12:16], salt2)

		data := make([]byte, pageSize)
		fill(data, frame.filler)

		s1, s2 = walChecksum(frameHeader[:8], s1, s2, false)
		s1, s2 = walChecksum(data, s1, s2, false)
		checksum1 := s1
		if frame.badChecksum {
			checksum1++
		}
		binary.BigEndian.PutUint32(frameHeader[16:20], checksum1)
		binary.BigEndian.PutUint32(frameHeader[20:24], s2)

		content = append(content, frameHeader...)
		content = append(content, data...)
	}

	walPath := dbPath + "-wal"
	require.NoError(t, os.WriteFile(walPath, content, 0644))
	return walPath
}

// writeShmFile renders a minimal WAL-index file beside dbPath carrying the
// given mxFrame. The salt bytes must match the WAL header's raw salt region.
func writeShmFile(t *testing.T, dbPath string, mxFrame uint32, corruptCopy bool) string {
	t.Helper()

	headerCopy := make([]byte, shmHeaderSize)
	binary.LittleEndian.PutUint32(headerCopy[0:4], walFormatVersion)
	headerCopy[12] = 1 // isInit
	binary.LittleEndian.PutUint32(headerCopy[16:20], mxFrame)
	// salts are copied raw from the wal header
	binary.BigEndian.PutUint32(headerCopy[32:36], testSalt1)
	binary.BigEndian.PutUint32(headerCopy[36:40], testSalt2)

	content := make([]byte, 2*shmHeaderSize+40)
	copy(content, headerCopy)
	copy(content[shmHeaderSize:], headerCopy)
	if corruptCopy {
		content[shmHeaderSize]++
	}

	shmPath := dbPath + "-shm"
	require.NoError(t, os.WriteFile(shmPath, content, 0644))
	return shmPath
}

// initializedPager builds and initializes a pager over a fresh database file.
func initializedPager(t *testing.T, pageSize, reservedBytes, pages int) *Pager {
	t.Helper()
	pager := NewPager(writeDatabaseFile(t, pageSize, reservedBytes, pages))
	require.NoError(t, pager.Initialize())
	t.Cleanup(func() { pager.Close() })
	return pager
}
