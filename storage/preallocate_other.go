//go:build !linux

package storage

import "os"

func preallocate(f *os.File, length int64) error {
	if length <= 0 {
		return nil
	}
	return f.Truncate(length)
}
