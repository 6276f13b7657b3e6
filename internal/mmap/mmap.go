// Package mmap wraps the read-only subset of unix.Mmap needed to lazily
// load an immutable granule column file without copying it into the heap.
package mmap

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// File is a read-only memory-mapped view of a file on disk. Granule column
// files are write-once (produced entirely by Part.WriteGranules before
// ever being mapped), so there is no write-back or remap path here.
type File struct {
	Data []byte
	fd   *os.File
}

// Open maps filename read-only. The caller must call Close when done.
func Open(filename string) (*File, error) {
	fd, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap: open %s", filename)
	}

	fi, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "mmap: stat %s", filename)
	}

	size := fi.Size()
	if size == 0 {
		return &File{Data: nil, fd: fd}, nil
	}

	data, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "mmap: map %s", filename)
	}

	return &File{Data: data, fd: fd}, nil
}

// Close unmaps the file and closes the underlying descriptor. Safe to call
// more than once.
func (f *File) Close() error {
	if f == nil || f.fd == nil {
		return nil
	}
	var err error
	if f.Data != nil {
		err = unix.Munmap(f.Data)
		f.Data = nil
	}
	closeErr := f.fd.Close()
	f.fd = nil
	if err != nil {
		return errors.Wrap(err, "mmap: unmap")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "mmap: close")
	}
	return nil
}
