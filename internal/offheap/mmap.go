// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package offheap

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var pageSize = os.Getpagesize()

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}

func mapAnon(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("offheap: invalid allocation size %d", size)
	}
	b, err := unix.Mmap(-1, 0, roundUp(size, pageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return nil, fmt.Errorf("mmap(%d): %w", size, ErrOutOfMemory)
		}
		return nil, fmt.Errorf("mmap(%d): %w", size, err)
	}
	return b, nil
}

// Direct maps a dedicated, page-rounded region for every allocation.  It is
// the fallback for sizes too big for any pool, and is wasteful for small
// allocations.
type Direct struct {
	mu       sync.Mutex
	live     map[*Memory]struct{}
	mapped   atomic.Int64
	isClosed bool
}

var _ Allocator = &Direct{}

func NewDirect() *Direct {
	return &Direct{live: make(map[*Memory]struct{})}
}

func (d *Direct) Allocate(size int) (*Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isClosed {
		return nil, ErrClosed
	}
	base, err := mapAnon(size)
	if err != nil {
		return nil, err
	}
	m := &Memory{
		buf:   base[:size:size],
		base:  base,
		owner: d,
	}
	d.live[m] = struct{}{}
	d.mapped.Add(int64(len(base)))
	return m, nil
}

func (d *Direct) release(m *Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[m]; !ok {
		// already unmapped by Close
		return
	}
	delete(d.live, m)
	d.mapped.Add(-int64(len(m.base)))
	_ = unix.Munmap(m.base)
}

// Allocated returns the number of bytes currently mapped.
func (d *Direct) Allocated() int64 {
	return d.mapped.Load()
}

// Close unmaps every outstanding allocation.  Handles that are still held
// must not be used afterwards.
func (d *Direct) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isClosed {
		return nil
	}
	d.isClosed = true
	var firstErr error
	for m := range d.live {
		if err := unix.Munmap(m.base); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap: %w", err)
		}
		d.mapped.Add(-int64(len(m.base)))
	}
	d.live = nil
	return firstErr
}
