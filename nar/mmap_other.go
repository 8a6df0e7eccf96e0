//go:build !linux && !darwin

package nar

import (
	"errors"
	"os"
)

type mappedFile struct{}

// mapFile is unavailable on platforms without a usable mmap; callers fall
// back to buffered reads.
func mapFile(f *os.File, size int64) (*mappedFile, error) {
	return nil, errors.ErrUnsupported
}

func (m *mappedFile) Bytes() []byte { return nil }

func (m *mappedFile) Close() error { return nil }
