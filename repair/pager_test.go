package repair

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeParsesHeaderGeometry(t *testing.T) {
	for _, pageSize := range []int{512, 1024, 2048, 4096, 8192, 16384, 32768} {
		for _, reservedBytes := range []int{0, 1, 32, 255} {
			pager := NewPager(writeDatabaseFile(t, pageSize, reservedBytes, 2))
			require.NoError(t, pager.Initialize())

			assert.Equal(t, pageSize, pager.GetPageSize())
			assert.Equal(t, reservedBytes, pager.GetReservedBytes())
			assert.Equal(t, pageSize-reservedBytes, pager.GetUsableSize())
			assert.Equal(t, 2, pager.GetNumberOfPages())
			assert.Equal(t, int64(2*pageSize), pager.GetFileSize())
			pager.Close()
		}
	}
}

func TestInitializeWithGeometryOverrides(t *testing.T) {
	// 65536 does not fit the 16-bit header field, so it can only arrive as
	// an override; the header region is never consulted then.
	path := writeTestFile(t, "test.db", make([]byte, 65536))
	pager := NewPager(path)
	defer pager.Close()
	pager.SetPageSize(65536)
	pager.SetReservedBytes(0)

	require.NoError(t, pager.Initialize())
	assert.Equal(t, 65536, pager.GetPageSize())
	assert.Equal(t, 1, pager.GetNumberOfPages())
}

func TestInitializeRejectsIllegalPageSize(t *testing.T) {
	tests := []struct {
		name     string
		pageSize int
	}{
		{"not a power of two", 1000},
		{"too small", 256},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			header := buildDatabaseHeader(4096, 0)
			binary16 := uint16(test.pageSize)
			header[16] = byte(binary16 >> 8)
			header[17] = byte(binary16)
			content := make([]byte, 4096)
			copy(content, header)

			pager := NewPager(writeTestFile(t, "test.db", content))
			defer pager.Close()
			err := pager.Initialize()

			require.Error(t, err)
			assert.Equal(t, CodeCorrupt, pager.LastError().Code)
			assert.Equal(t, 1, pager.LastError().Page)
			assert.False(t, pager.IsInitialized())
		})
	}
}

func TestInitializeRejectsOversizedPageSizeOverride(t *testing.T) {
	pager := NewPager(writeTestFile(t, "test.db", make([]byte, 4096)))
	defer pager.Close()
	pager.SetPageSize(131072)
	pager.SetReservedBytes(0)

	require.Error(t, pager.Initialize())
	assert.Equal(t, CodeCorrupt, pager.LastError().Code)
	assert.Equal(t, 1, pager.LastError().Page)
}

func TestInitializeRejectsIllegalReservedBytesOverride(t *testing.T) {
	pager := NewPager(writeDatabaseFile(t, 4096, 0, 1))
	defer pager.Close()
	pager.SetReservedBytes(256)

	require.Error(t, pager.Initialize())
	assert.Equal(t, CodeCorrupt, pager.LastError().Code)
}

func TestInitializeEmptyFile(t *testing.T) {
	pager := NewPager(writeTestFile(t, "test.db", nil))
	defer pager.Close()

	require.Error(t, pager.Initialize())
	assert.Equal(t, CodeEmpty, pager.LastError().Code)
	assert.False(t, pager.LastError().IsCorruption())
}

func TestInitializeMissingFile(t *testing.T) {
	pager := NewPager(filepath.Join(t.TempDir(), "missing.db"))
	defer pager.Close()

	require.Error(t, pager.Initialize())
	assert.Equal(t, CodeIOFailure, pager.LastError().Code)
}

func TestInitializeNotADatabase(t *testing.T) {
	content := make([]byte, 4096)
	copy(content, []byte("definitely not sqlite"))

	pager := NewPager(writeTestFile(t, "test.db", content))
	defer pager.Close()

	require.Error(t, pager.Initialize())
	assert.Equal(t, CodeNotADatabase, pager.LastError().Code)
}

func TestInitializeFailureIsSticky(t *testing.T) {
	pager := NewPager(writeTestFile(t, "test.db", nil))
	defer pager.Close()

	first := pager.Initialize()
	require.Error(t, first)
	second := pager.Initialize()
	assert.Equal(t, first, second)
}

func TestAcquirePageData(t *testing.T) {
	pager := initializedPager(t, 512, 0, 3)

	data, err := pager.AcquirePageData(2)
	require.NoError(t, err)
	require.Len(t, data, 512)
	assert.Equal(t, byte(2), data[0])
	assert.Equal(t, byte(2), data[511])
}

func TestAcquirePageDataInRange(t *testing.T) {
	pager := initializedPager(t, 512, 0, 3)

	data, err := pager.AcquirePageDataInRange(3, 100, 16)
	require.NoError(t, err)
	require.Len(t, data, 16)
	assert.Equal(t, byte(3), data[0])
}

func TestAcquirePageDataOutOfRange(t *testing.T) {
	pager := initializedPager(t, 512, 0, 2)

	data, err := pager.AcquirePageData(3)
	assert.Nil(t, data)
	require.Error(t, err)
	assert.Equal(t, CodeCorrupt, pager.LastError().Code)
	assert.Equal(t, 3, pager.LastError().Page)
}

func TestAcquirePageDataShortRead(t *testing.T) {
	// one and a half pages: page 2 exists by ceil division but is truncated
	content := make([]byte, 512+256)
	copy(content, buildDatabaseHeader(512, 0))

	pager := NewPager(writeTestFile(t, "test.db", content))
	defer pager.Close()
	require.NoError(t, pager.Initialize())
	assert.Equal(t, 2, pager.GetNumberOfPages())

	data, err := pager.AcquirePageData(2)
	assert.Nil(t, data)
	require.Error(t, err)
	assert.Equal(t, CodeCorrupt, pager.LastError().Code)
	assert.Equal(t, 1, pager.LastError().Page)
}

func TestAcquireDataShortRead(t *testing.T) {
	pager := initializedPager(t, 512, 0, 1)

	data, err := pager.AcquireData(256, 512)
	assert.Nil(t, data)
	require.Error(t, err)
	assert.Equal(t, CodeCorrupt, pager.LastError().Code)
}

func TestAcquireDataBeyondEndOfFile(t *testing.T) {
	pager := initializedPager(t, 512, 0, 1)

	data, err := pager.AcquireData(4096, 16)
	assert.Nil(t, data)
	require.Error(t, err)
	assert.Equal(t, CodeIOFailure, pager.LastError().Code)
}

func TestGeometrySettersPanicAfterInitialization(t *testing.T) {
	pager := initializedPager(t, 512, 0, 1)

	assert.Panics(t, func() { pager.SetPageSize(1024) })
	assert.Panics(t, func() { pager.SetReservedBytes(0) })
}

func TestAccessorsPanicBeforeInitialization(t *testing.T) {
	pager := NewPager(filepath.Join(t.TempDir(), "test.db"))

	assert.Panics(t, func() { pager.GetNumberOfPages() })
	assert.Panics(t, func() { pager.AcquirePageData(1) })
}

func TestLastErrorIsOverwrittenNotAccumulated(t *testing.T) {
	pager := initializedPager(t, 512, 0, 2)

	_, err := pager.AcquirePageData(9)
	require.Error(t, err)
	assert.Equal(t, 9, pager.LastError().Page)

	_, err = pager.AcquirePageData(7)
	require.Error(t, err)
	assert.Equal(t, 7, pager.LastError().Page)
}

func TestWalShadowsBaseFilePage(t *testing.T) {
	path := writeDatabaseFile(t, 512, 0, 2)
	writeWalFile(t, path, 512, []walTestFrame{
		{pageno: 2, truncate: 2, filler: 0xaa},
	})

	pager := NewPager(path)
	defer pager.Close()
	require.NoError(t, pager.Initialize())

	data, err := pager.AcquirePageData(2)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), data[0])
	assert.Equal(t, byte(0xaa), data[511])

	// the unshadowed page still comes from the base file
	data, err = pager.AcquirePageData(1)
	require.NoError(t, err)
	assert.Equal(t, magicHeader[0], data[0])
}

func TestWalExtendsPageCount(t *testing.T) {
	path := writeDatabaseFile(t, 512, 0, 2)
	writeWalFile(t, path, 512, []walTestFrame{
		{pageno: 5, truncate: 5, filler: 0xbb},
	})

	pager := NewPager(path)
	defer pager.Close()
	require.NoError(t, pager.Initialize())

	assert.Equal(t, 5, pager.GetNumberOfPages())

	// page 5 only exists in the wal
	data, err := pager.AcquirePageData(5)
	require.NoError(t, err)
	assert.Equal(t, byte(0xbb), data[0])

	// page 4 exists nowhere
	data, err = pager.AcquirePageData(4)
	assert.Nil(t, data)
	require.Error(t, err)
	assert.Equal(t, CodeCorrupt, pager.LastError().Code)
	assert.Equal(t, 4, pager.LastError().Page)
}

func TestUnimportantCorruptWalIsDiscarded(t *testing.T) {
	path := writeDatabaseFile(t, 512, 0, 2)
	require.NoError(t, os.WriteFile(path+"-wal", []byte("garbage wal content, long enough to hold a header"), 0644))

	pager := NewPager(path)
	defer pager.Close()
	pager.SetWalImportance(false)

	require.NoError(t, pager.Initialize())
	assert.True(t, pager.IsInitialized())
	assert.Equal(t, 0, pager.GetNumberOfWalFrames())

	data, err := pager.AcquirePageData(2)
	require.NoError(t, err)
	assert.Equal(t, byte(2), data[0])
}

func TestImportantCorruptWalFailsInitialization(t *testing.T) {
	path := writeDatabaseFile(t, 512, 0, 2)
	require.NoError(t, os.WriteFile(path+"-wal", []byte("garbage wal content, long enough to hold a header"), 0644))

	pager := NewPager(path)
	defer pager.Close()

	require.Error(t, pager.Initialize())
	assert.False(t, pager.IsInitialized())
	assert.True(t, pager.LastError().IsCorruption())
}

func TestDisposeWal(t *testing.T) {
	path := writeDatabaseFile(t, 512, 0, 2)
	writeWalFile(t, path, 512, []walTestFrame{
		{pageno: 1, truncate: 0, filler: 0x01},
		{pageno: 2, truncate: 2, filler: 0x02},
	})

	pager := NewPager(path)
	defer pager.Close()
	require.NoError(t, pager.Initialize())
	require.Equal(t, 2, pager.GetNumberOfWalFrames())

	pager.DisposeWal()

	assert.Equal(t, 2, pager.GetDisposedWalPages())
	assert.Equal(t, 0, pager.GetNumberOfWalFrames())

	// reads are downgraded to the base file
	data, err := pager.AcquirePageData(2)
	require.NoError(t, err)
	assert.Equal(t, byte(2), data[0])
}

func TestHintDoesNotDisturbState(t *testing.T) {
	pager := initializedPager(t, 512, 0, 2)

	var notices []*Error
	RegisterNotification("hint-test", func(event *Error) {
		if event.Level == LevelNotice {
			notices = append(notices, event)
		}
	})
	defer UnregisterNotification("hint-test")

	pager.Hint()

	require.NotEmpty(t, notices)
	assert.Equal(t, 2, notices[0].Infos["NumberOfPages"])
	assert.Equal(t, int64(1024), notices[0].Infos["OriginFileSize"])
	assert.Equal(t, int64(1024), notices[0].Infos["CurrentFileSize"])
	assert.Nil(t, pager.LastError())
	assert.True(t, pager.IsInitialized())
}

func TestHintBeforeInitializationIsANoOp(t *testing.T) {
	pager := NewPager(filepath.Join(t.TempDir(), "test.db"))

	var count int
	RegisterNotification("hint-noop-test", func(event *Error) { count++ })
	defer UnregisterNotification("hint-noop-test")

	pager.Hint()
	assert.Zero(t, count)
}
