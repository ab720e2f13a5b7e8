//go:build linux || darwin

package slab

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/slabdb/slabdb/errs"
)

// MMap is the in-memory byte-slice view of a memory-mapped file segment.
type MMap []byte

// Mapping mode flags for Map, mirroring the teacher's RDONLY/RDWR/COPY/EXEC
// constants.
const (
	RDONLY = 0
	RDWR   = 1 << iota
	COPY
	EXEC
)

// Map memory-maps length bytes of file (or the whole file, if length<=0)
// starting at offset 0 with the given mode.
func Map(file *os.File, mode int, length int) (MMap, error) {
	if length <= 0 {
		info, statErr := file.Stat()
		if statErr != nil {
			return nil, errs.Wrap(errs.IoError, "Map", "stat failed", statErr)
		}
		length = int(info.Size())
	}
	if length == 0 {
		return MMap{}, nil
	}

	prot := unix.PROT_READ
	flags := unix.MAP_SHARED
	if mode&RDWR != 0 {
		prot |= unix.PROT_WRITE
	}
	if mode&EXEC != 0 {
		prot |= unix.PROT_EXEC
	}
	if mode&COPY != 0 {
		flags = unix.MAP_PRIVATE
		prot |= unix.PROT_WRITE
	}

	data, mmapErr := unix.Mmap(int(file.Fd()), 0, length, prot, flags)
	if mmapErr != nil {
		return nil, errs.Wrap(errs.IoError, "Map", "mmap syscall failed", mmapErr)
	}

	return MMap(data), nil
}

// Unmap removes the mapping.
func (m MMap) Unmap() error {
	if len(m) == 0 {
		return nil
	}
	if err := unix.Munmap(m); err != nil {
		return errs.Wrap(errs.IoError, "Unmap", "munmap syscall failed", err)
	}
	return nil
}

// Flush synchronously flushes the mapping's dirty pages to the backing file.
func (m MMap) Flush() error {
	if len(m) == 0 {
		return nil
	}
	if err := unix.Msync(m, unix.MS_SYNC); err != nil {
		return errs.Wrap(errs.IoError, "Flush", "msync syscall failed", err)
	}
	return nil
}
