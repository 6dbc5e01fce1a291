// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Role distinguishes data files from tombstone files.
type Role uint8

const (
	RoleData Role = iota + 1
	RoleTombstone
)

func (r Role) String() string {
	switch r {
	case RoleData:
		return "data"
	case RoleTombstone:
		return "tombstone"
	default:
		return "unknown"
	}
}

func (r Role) ext() string {
	return "." + r.String()
}

// FileName returns the on-disk name of a file.
func FileName(id uint32, role Role) string {
	return strconv.FormatUint(uint64(id), 10) + role.ext()
}

// parseFileName is the inverse of FileName.
func parseFileName(name string) (id uint32, role Role, ok bool) {
	base, ext := name, filepath.Ext(name)
	switch ext {
	case RoleData.ext():
		role = RoleData
	case RoleTombstone.ext():
		role = RoleTombstone
	default:
		return 0, 0, false
	}
	base = strings.TrimSuffix(base, ext)
	n, err := strconv.ParseUint(base, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(n), role, true
}

var (
	ErrOutOfBounds = errors.New("read beyond end of file")
)

// File is a single append-only data or tombstone file.
//
// A File is reference counted: the Manager holds one reference from creation
// until Retire, and every reader holds one for the duration of a read.  The
// file is closed, unmapped and unlinked when the last reference is dropped,
// so a reader that successfully Acquired a file can always finish its read.
type File struct {
	id   uint32
	role Role
	path string
	f    *os.File

	// mm is non-nil once the file is sealed (no more appends); reads
	// are then served from the mapping.
	mm atomic.Pointer[[]byte]

	size    atomic.Int64
	stale   atomic.Int64
	refs    atomic.Int32
	retired atomic.Bool
	sealed  atomic.Bool

	destroyed func(f *File, err error)
}

func newFile(id uint32, role Role, path string, f *os.File, size int64) *File {
	file := &File{
		id:   id,
		role: role,
		path: path,
		f:    f,
	}
	file.size.Store(size)
	file.refs.Store(1)
	return file
}

func (f *File) ID() uint32 {
	return f.id
}

func (f *File) Role() Role {
	return f.role
}

func (f *File) Path() string {
	return f.path
}

// Size returns the number of bytes appended so far.
func (f *File) Size() int64 {
	return f.size.Load()
}

// StaleBytes returns how many bytes of the file are known to be superseded.
func (f *File) StaleBytes() int64 {
	return f.stale.Load()
}

// StaleRatio returns StaleBytes / Size.
func (f *File) StaleRatio() float64 {
	size := f.Size()
	if size == 0 {
		return 0
	}
	return float64(f.StaleBytes()) / float64(size)
}

// Sealed reports whether the file no longer accepts appends.
func (f *File) Sealed() bool {
	return f.sealed.Load()
}

// Retired reports whether the file is scheduled for deletion.
func (f *File) Retired() bool {
	return f.retired.Load()
}

// Acquire takes a reader reference.  It fails once the file has been
// retired, though readers that acquired it earlier may keep reading.
func (f *File) Acquire() bool {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return false
		}
		if f.refs.CompareAndSwap(n, n+1) {
			break
		}
	}
	if f.retired.Load() {
		f.Release()
		return false
	}
	return true
}

// Release drops a reference taken by Acquire.
func (f *File) Release() {
	n := f.refs.Add(-1)
	if n == 0 {
		err := f.destroy()
		if f.destroyed != nil {
			f.destroyed(f, err)
		}
	} else if n < 0 {
		panic(fmt.Errorf("invariant broken: file %s released more times than acquired", f.path))
	}
}

// retire drops the owner reference.  The file stays readable by anyone who
// already holds a reference.
func (f *File) retire() bool {
	if f.retired.Swap(true) {
		return false
	}
	f.Release()
	return true
}

func (f *File) destroy() error {
	var errs []error
	if mm := f.mm.Swap(nil); mm != nil && len(*mm) > 0 {
		if err := unix.Munmap(*mm); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
	}
	if err := f.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("f.Close: %w", err))
	}
	if f.retired.Load() {
		if err := os.Remove(f.path); err != nil {
			errs = append(errs, fmt.Errorf("os.Remove: %w", err))
		}
	}
	return errors.Join(errs...)
}

// seal marks the file immutable and maps it for reading.
func (f *File) seal() error {
	if f.sealed.Swap(true) {
		return nil
	}
	size := f.Size()
	if size == 0 {
		return nil
	}
	m, err := unix.Mmap(int(f.f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap(%s): %w", f.path, err)
	}
	if err := unix.Madvise(m, syscall.MADV_RANDOM); err != nil {
		_ = unix.Munmap(m)
		return fmt.Errorf("madvise: %w", err)
	}
	f.mm.Store(&m)
	return nil
}

// Read returns the n bytes starting at off.  For sealed files the returned
// slice aliases the file mapping and is only valid while the caller holds a
// reference.
func (f *File) Read(off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+int64(n) > f.Size() {
		return nil, fmt.Errorf("%s: read of %d bytes at %d (size %d): %w", f.path, n, off, f.Size(), ErrOutOfBounds)
	}
	if mm := f.mm.Load(); mm != nil {
		return (*mm)[off : off+int64(n)], nil
	}
	buf := make([]byte, n)
	read, err := f.f.ReadAt(buf, off)
	if err != nil {
		return nil, fmt.Errorf("f.ReadAt(%d, len: %d): %w", off, n, err)
	} else if read != n {
		return nil, fmt.Errorf("short read of %d ReadAt(%d, len: %d)", read, off, n)
	}
	return buf, nil
}
