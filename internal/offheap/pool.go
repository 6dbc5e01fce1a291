// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package offheap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	// each chunk begins with an 8-byte header, the first 4 bytes of which
	// count the slots currently handed out from that chunk.
	chunkHeaderSize = 8
	slotAlign       = 8
)

type slotRef struct {
	chunk int32
	off   int32
}

type chunk struct {
	mem    []byte
	header *Memory
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	// SlotSize is the largest allocation the pool serves.
	SlotSize int
	// ChunkSize is how many bytes are mapped at a time.
	ChunkSize int
	// MaxChunks bounds the pool; 0 means unbounded.
	MaxChunks int
	// Fallback serves allocations that are too big for a slot or that
	// arrive while the pool is exhausted.  If nil, those fail.
	Fallback Allocator
}

// Pool carves mmap'd chunks into fixed-size slots.  It avoids a syscall per
// allocation when allocations have a bounded size.
type Pool struct {
	mu        sync.Mutex
	slotSize  int
	chunkSize int
	maxChunks int
	fallback  Allocator
	chunks    []chunk
	free      []slotRef
	isClosed  bool
	mapped    atomic.Int64
}

var _ Allocator = &Pool{}

func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.SlotSize <= 0 {
		return nil, fmt.Errorf("offheap: slot size must be > 0 (got %d)", opts.SlotSize)
	}
	slotSize := roundUp(opts.SlotSize, slotAlign)
	if opts.ChunkSize < chunkHeaderSize+slotSize {
		return nil, fmt.Errorf("offheap: chunk size %d too small for a %d byte slot", opts.ChunkSize, slotSize)
	}
	if opts.ChunkSize > 1<<31-1 {
		return nil, fmt.Errorf("offheap: chunk size %d too big", opts.ChunkSize)
	}
	return &Pool{
		slotSize:  slotSize,
		chunkSize: opts.ChunkSize,
		maxChunks: opts.MaxChunks,
		fallback:  opts.Fallback,
	}, nil
}

// MinChunkSize returns the smallest chunk able to hold one slot of the
// given size.
func MinChunkSize(slotSize int) int {
	return chunkHeaderSize + roundUp(slotSize, slotAlign)
}

// SlotSize returns the (aligned) size of each slot.
func (p *Pool) SlotSize() int {
	return p.slotSize
}

func (p *Pool) slotsPerChunk() int {
	return (p.chunkSize - chunkHeaderSize) / p.slotSize
}

func (p *Pool) grow() error {
	mem, err := mapAnon(p.chunkSize)
	if err != nil {
		return err
	}
	p.mapped.Add(int64(len(mem)))
	c := chunk{
		mem:    mem,
		header: &Memory{buf: mem[:chunkHeaderSize:chunkHeaderSize]},
	}
	id := int32(len(p.chunks))
	p.chunks = append(p.chunks, c)
	// push in reverse so that slots are handed out in address order
	for i := p.slotsPerChunk() - 1; i >= 0; i-- {
		p.free = append(p.free, slotRef{chunk: id, off: int32(chunkHeaderSize + i*p.slotSize)})
	}
	return nil
}

func (p *Pool) Allocate(size int) (*Memory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("offheap: invalid allocation size %d", size)
	}
	if size > p.slotSize {
		if p.fallback != nil {
			return p.fallback.Allocate(size)
		}
		return nil, fmt.Errorf("offheap: %d bytes doesn't fit a %d byte slot: %w", size, p.slotSize, ErrPoolExhausted)
	}

	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if len(p.free) == 0 {
		if p.maxChunks > 0 && len(p.chunks) >= p.maxChunks {
			p.mu.Unlock()
			if p.fallback != nil {
				return p.fallback.Allocate(size)
			}
			return nil, ErrPoolExhausted
		}
		if err := p.grow(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	ref := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	c := p.chunks[ref.chunk]
	p.mu.Unlock()

	c.header.AddUint32(0, 1)
	start := int(ref.off)
	m := &Memory{
		buf:   c.mem[start : start+size : start+size],
		owner: p,
		chunk: ref.chunk,
		off:   ref.off,
	}
	m.Fill(0, size, 0)
	return m, nil
}

func (p *Pool) release(m *Memory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return
	}
	p.chunks[m.chunk].header.AddUint32(0, -1)
	p.free = append(p.free, slotRef{chunk: m.chunk, off: m.off})
}

// InUse returns the number of slots currently handed out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.chunks {
		n += int(c.header.LoadUint32(0))
	}
	return n
}

// Chunks returns the number of chunks mapped so far.
func (p *Pool) Chunks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}

// Allocated returns the number of bytes mapped by the pool.
func (p *Pool) Allocated() int64 {
	return p.mapped.Load()
}

// Close unmaps every chunk.  Handles that are still held must not be used
// afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return nil
	}
	p.isClosed = true
	var firstErr error
	for _, c := range p.chunks {
		if err := unix.Munmap(c.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap: %w", err)
		}
	}
	p.mapped.Store(0)
	p.chunks = nil
	p.free = nil
	return firstErr
}
