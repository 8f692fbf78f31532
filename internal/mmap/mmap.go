// Package mmap provides read-only memory mapping for the record files.
// Mappings are immutable snapshots; when a file's committed length grows
// past the mapped size, callers remap via Remap.
package mmap

import (
	"errors"
	"io"
	"os"
)

// File represents a memory-mapped file.
type File struct {
	Data []byte
	f    *os.File

	// retired holds superseded mappings. They stay mapped until Close so
	// readers that captured an older Data slice can finish against it.
	retired [][]byte
}

// Open maps the file at path into memory as read-only.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := fi.Size()
	if size < 0 {
		f.Close()
		return nil, errors.New("mmap: file size is negative")
	}
	if size == 0 {
		return &File{Data: nil, f: f}, nil
	}

	data, err := mmap(f, int(size))
	if err != nil {
		f.Close()
		return nil, err
	}

	return &File{Data: data, f: f}, nil
}

// Remap refreshes the mapping to cover the file's current size.
// The previous Data slice stays valid until Close; readers holding it keep
// a consistent snapshot. Superseded mappings are retired, not unmapped, so
// a reader copying from an old snapshot never faults. Retired mappings
// accumulate until Close; the cost is address space, not resident memory,
// since the pages are shared and read-only.
func (m *File) Remap() error {
	fi, err := m.f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()
	if size == int64(len(m.Data)) {
		return nil
	}

	data, err := mmap(m.f, int(size))
	if err != nil {
		return err
	}
	if m.Data != nil {
		m.retired = append(m.retired, m.Data)
	}
	m.Data = data
	return nil
}

// Close unmaps the memory and closes the underlying file.
func (m *File) Close() error {
	if m == nil {
		return nil
	}
	var err error
	if m.Data != nil {
		err = munmap(m.Data)
		m.Data = nil
	}
	for _, old := range m.retired {
		if unmapErr := munmap(old); unmapErr != nil && err == nil {
			err = unmapErr
		}
	}
	m.retired = nil
	if m.f != nil {
		if closeErr := m.f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		m.f = nil
	}
	return err
}

// ReadAt implements io.ReaderAt on the mapped region.
func (m *File) ReadAt(p []byte, off int64) (n int, err error) {
	if m.Data == nil {
		return 0, io.EOF
	}
	if off < 0 || off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	n = copy(p, m.Data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
