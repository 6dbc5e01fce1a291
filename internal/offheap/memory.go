// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package offheap hands out memory that lives outside of the Go heap.
//
// Allocations are backed by anonymous mmap'd regions, so the garbage
// collector never scans or moves them.  Every allocation is represented by a
// *Memory handle: raw addresses are never exposed, and a handle can be freed
// exactly once.  Accessing a freed handle panics rather than silently
// reading memory that may have been handed to someone else.
package offheap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	ErrOutOfMemory   = errors.New("offheap: out of memory")
	ErrPoolExhausted = errors.New("offheap: pool exhausted")
	ErrDoubleFree    = errors.New("offheap: memory already freed")
	ErrClosed        = errors.New("offheap: allocator closed")
)

// Allocator is the source of off-heap memory.  It is an interface so that
// tests can inject allocation failures.
type Allocator interface {
	Allocate(size int) (*Memory, error)
}

type releaser interface {
	release(m *Memory)
}

// Memory is an owned, fixed-size region of off-heap memory.  A Memory is not
// safe for concurrent use; callers synchronize access the same way they would
// for a []byte.  The one exception is AddUint32, which is atomic.
type Memory struct {
	buf   []byte
	owner releaser

	// bookkeeping for the owner
	chunk int32
	off   int32
	base  []byte
}

// Len returns the size of the allocation in bytes.
func (m *Memory) Len() int {
	return len(m.buf)
}

// Bytes returns a view of the allocation.  The slice must not be retained
// past Free.
func (m *Memory) Bytes() []byte {
	m.mustBeLive()
	return m.buf
}

// Freed reports whether Free has been called.
func (m *Memory) Freed() bool {
	return m.buf == nil
}

// Free returns the memory to its allocator.  Calling Free a second time
// returns ErrDoubleFree and has no other effect.
func (m *Memory) Free() error {
	if m.buf == nil {
		return ErrDoubleFree
	}
	if m.owner != nil {
		m.owner.release(m)
	}
	m.buf = nil
	m.base = nil
	return nil
}

func (m *Memory) mustBeLive() {
	if m.buf == nil {
		panic("offheap: use of freed memory")
	}
}

func (m *Memory) GetUint8(off int) uint8 {
	m.mustBeLive()
	return m.buf[off]
}

func (m *Memory) PutUint8(off int, v uint8) {
	m.mustBeLive()
	m.buf[off] = v
}

func (m *Memory) GetUint16(off int) uint16 {
	m.mustBeLive()
	return binary.LittleEndian.Uint16(m.buf[off : off+2])
}

func (m *Memory) PutUint16(off int, v uint16) {
	m.mustBeLive()
	binary.LittleEndian.PutUint16(m.buf[off:off+2], v)
}

func (m *Memory) GetUint32(off int) uint32 {
	m.mustBeLive()
	return binary.LittleEndian.Uint32(m.buf[off : off+4])
}

func (m *Memory) PutUint32(off int, v uint32) {
	m.mustBeLive()
	binary.LittleEndian.PutUint32(m.buf[off:off+4], v)
}

func (m *Memory) GetUint64(off int) uint64 {
	m.mustBeLive()
	return binary.LittleEndian.Uint64(m.buf[off : off+8])
}

func (m *Memory) PutUint64(off int, v uint64) {
	m.mustBeLive()
	binary.LittleEndian.PutUint64(m.buf[off:off+8], v)
}

// CopyFrom copies src into the allocation starting at off.
func (m *Memory) CopyFrom(off int, src []byte) {
	m.mustBeLive()
	if off < 0 || off+len(src) > len(m.buf) {
		panic(fmt.Errorf("offheap: copy of %d bytes at %d out of range (len %d)", len(src), off, len(m.buf)))
	}
	copy(m.buf[off:], src)
}

// CopyTo copies len(dst) bytes starting at off into dst.
func (m *Memory) CopyTo(off int, dst []byte) {
	m.mustBeLive()
	if off < 0 || off+len(dst) > len(m.buf) {
		panic(fmt.Errorf("offheap: copy of %d bytes at %d out of range (len %d)", len(dst), off, len(m.buf)))
	}
	copy(dst, m.buf[off:off+len(dst)])
}

// Equal reports whether the bytes starting at off match b.
func (m *Memory) Equal(off int, b []byte) bool {
	m.mustBeLive()
	if off < 0 || off+len(b) > len(m.buf) {
		return false
	}
	return string(m.buf[off:off+len(b)]) == string(b)
}

// Fill sets n bytes starting at off to v.
func (m *Memory) Fill(off, n int, v byte) {
	m.mustBeLive()
	region := m.buf[off : off+n]
	for i := range region {
		region[i] = v
	}
}

// AddUint32 atomically adds delta to the 4-byte counter at off and returns
// the new value.  off must be 4-byte aligned relative to the allocation,
// which (since allocations are at least 8-byte aligned) makes it aligned in
// memory.
func (m *Memory) AddUint32(off int, delta int32) uint32 {
	m.mustBeLive()
	p := (*uint32)(unsafe.Pointer(&m.buf[off : off+4][0]))
	if uintptr(unsafe.Pointer(p))%4 != 0 {
		panic(fmt.Errorf("offheap: unaligned counter at offset %d", off))
	}
	return atomic.AddUint32(p, uint32(delta))
}

// LoadUint32 atomically loads the 4-byte counter at off.
func (m *Memory) LoadUint32(off int) uint32 {
	m.mustBeLive()
	p := (*uint32)(unsafe.Pointer(&m.buf[off : off+4][0]))
	return atomic.LoadUint32(p)
}
