//go:build linux || darwin

package nar

import (
	"os"

	"golang.org/x/sys/unix"
)

// mappedFile is a read-only memory mapping of a store file. Store files are
// immutable once registered, so the mapping cannot observe truncation and the
// slice can be shared freely across goroutines.
type mappedFile struct {
	data []byte
}

// mapFile maps f read-only. Zero-length files yield an empty slice without
// calling mmap.
func mapFile(f *os.File, size int64) (*mappedFile, error) {
	if size == 0 {
		return &mappedFile{}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	// Hint sequential readahead; best effort.
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
	return &mappedFile{data: data}, nil
}

func (m *mappedFile) Bytes() []byte {
	return m.data
}

func (m *mappedFile) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
