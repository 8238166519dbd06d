package util

import (
	"os"

	"github.com/juju/errors"
)

// FileSize stats path and returns its size in bytes.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return info.Size(), nil
}

// FileExists reports whether path exists as a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
