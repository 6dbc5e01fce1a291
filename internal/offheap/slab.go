// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package offheap

import (
	"errors"
)

const defaultSlabChunkSize = 1 << 20

var slabClasses = [...]int{32, 64, 128, 256, 512}

// Slab serves variable-sized allocations from a small set of size classes,
// each a Pool.  Allocations above the largest class are mapped directly.
type Slab struct {
	pools  [len(slabClasses)]*Pool
	direct *Direct
}

var _ Allocator = &Slab{}

// NewSlab returns a Slab whose pools map chunkSize bytes at a time (or 1 MB
// if chunkSize <= 0).
func NewSlab(chunkSize int) (*Slab, error) {
	if chunkSize <= 0 {
		chunkSize = defaultSlabChunkSize
	}
	s := &Slab{direct: NewDirect()}
	for i, class := range slabClasses {
		cs := chunkSize
		if cs < chunkHeaderSize+class {
			cs = chunkHeaderSize + class
		}
		p, err := NewPool(PoolOptions{SlotSize: class, ChunkSize: cs, Fallback: s.direct})
		if err != nil {
			return nil, err
		}
		s.pools[i] = p
	}
	return s, nil
}

func (s *Slab) Allocate(size int) (*Memory, error) {
	for i, class := range slabClasses {
		if size <= class {
			return s.pools[i].Allocate(size)
		}
	}
	return s.direct.Allocate(size)
}

// Allocated returns the number of bytes mapped across every size class.
func (s *Slab) Allocated() int64 {
	n := s.direct.Allocated()
	for _, p := range s.pools {
		n += p.Allocated()
	}
	return n
}

func (s *Slab) Close() error {
	var errs []error
	for _, p := range s.pools {
		errs = append(errs, p.Close())
	}
	errs = append(errs, s.direct.Close())
	return errors.Join(errs...)
}
