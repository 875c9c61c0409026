// Package ssdstore is the SSD spill tier: a single O_DIRECT file in which
// the page at slot k lives at byte offset k*PageSize. It backs the page
// provider's eviction writes and the workers' on-demand rereads.
package ssdstore

import (
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

// PageSize must match membuf.PageSize; duplicated here rather than
// importing the root package to keep ssdstore import-free of membuf (the
// page provider, which depends on both, does the translation).
const PageSize = 4096

// blockDevice is the seek/read/write/close surface File needs. *os.File
// satisfies it directly; tests substitute
// github.com/dsnet/golib/memfile's in-memory File, avoiding a dependency
// on O_DIRECT support from whatever filesystem backs the test's temp
// directory.
type blockDevice interface {
	Seek(offset int64, whence int) (int64, error)
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// File is an O_DIRECT-backed page store: page at slot k lives at byte
// offset k*PageSize. Writes and reads are always PageSize-aligned, the
// minimum O_DIRECT alignment this module relies on.
type File struct {
	mu sync.Mutex // serializes seek+read/write, since AsyncWriteBuffer/AsyncReadBuffer issue concurrent requests against one descriptor
	f  blockDevice
}

// Open opens (creating if necessary) the SSD spill file at path.
func Open(path string) (*File, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "ssdstore: open")
	}
	return &File{f: f}, nil
}

// newFromDevice wraps an already-open blockDevice, used by tests to swap
// in an in-memory device.
func newFromDevice(dev blockDevice) *File { return &File{f: dev} }

// NewFileForTesting wraps an already-open seek/read/write/close device as a
// File, for sibling packages (pageprovider) whose tests need an in-memory
// SSD tier without real O_DIRECT filesystem support.
func NewFileForTesting(dev interface {
	io.ReadWriteSeeker
	io.Closer
}) *File {
	return newFromDevice(dev)
}

// Preallocate writes allocGiB gibibytes of zeroed, aligned blocks up
// front. fallocate is not portably exposed without cgo; a page-aligned
// zero-fill write achieves the same goal of avoiding first-write latency
// variance.
func (s *File) Preallocate(allocGiB int) error {
	if allocGiB <= 0 {
		return nil
	}
	block := directio.AlignedBlock(PageSize)
	total := int64(allocGiB) << 30
	var written int64
	for written < total {
		n, err := s.f.Write(block)
		if err != nil {
			return errors.Wrap(err, "ssdstore: preallocate")
		}
		written += int64(n)
	}
	return nil
}

// ReadPage reads the page at slot k into dst, which must be exactly
// PageSize and 512-byte aligned (directio.AlignedBlock-backed).
func (s *File) ReadPage(slot uint64, dst []byte) error {
	if len(dst) != PageSize {
		return errors.Errorf("ssdstore: dst must be %d bytes, got %d", PageSize, len(dst))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Seek(int64(slot)*PageSize, io.SeekStart); err != nil {
		return errors.Wrap(err, "ssdstore: seek")
	}
	n, err := io.ReadFull(s.f, dst)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// a slot past the written extent reads as zeroes, the same as a
		// falloc-preallocated region would.
		for i := n; i < PageSize; i++ {
			dst[i] = 0
		}
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "ssdstore: read")
	}
	return nil
}

// WritePage writes src (exactly PageSize, aligned) to the page at slot k.
func (s *File) WritePage(slot uint64, src []byte) error {
	if len(src) != PageSize {
		return errors.Errorf("ssdstore: src must be %d bytes, got %d", PageSize, len(src))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Seek(int64(slot)*PageSize, io.SeekStart); err != nil {
		return errors.Wrap(err, "ssdstore: seek")
	}
	n, err := s.f.Write(src)
	if err != nil {
		return errors.Wrap(err, "ssdstore: write")
	}
	if n != PageSize {
		return errors.Errorf("ssdstore: short write at slot %d: %d/%d bytes", slot, n, PageSize)
	}
	return nil
}

// Close closes the underlying file.
func (s *File) Close() error { return s.f.Close() }
