// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package index implements the in-memory map from each live key to the
// location of its newest record.
//
// The table is split into shards by key hash, each with its own lock, so
// operations on different shards never contend.  Keys and locations live
// in off-heap memory; each shard's Go-heap footprint is only its slot array.
package index

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dgryski/go-farm"

	"github.com/bpowers/halodb/internal/offheap"
)

const (
	// entry layout: [seq:8][fileID:4][offset:4][size:4][keyLen:1][key]
	entrySeqOff     = 0
	entryFileIDOff  = 8
	entryOffsetOff  = 12
	entrySizeOff    = 16
	entryKeyLenOff  = 20
	entryHeaderSize = 21

	maxInitialSlots = 1 << 14
	minSlots        = 16
)

var (
	ErrClosed   = errors.New("index closed")
	ErrCapacity = errors.New("index out of memory")
)

// Location is where a key's newest record lives.
type Location struct {
	FileID   uint32
	Offset   uint32
	Size     uint32
	Sequence uint64
}

// SamePlace reports whether two locations refer to the same bytes on disk.
func (l Location) SamePlace(o Location) bool {
	return l.FileID == o.FileID && l.Offset == o.Offset
}

// Options configures an Index.
type Options struct {
	// NumberOfRecords is a hint for the number of keys the index will hold.
	NumberOfRecords int
	// Shards is rounded up to a power of two; 0 picks a default based on
	// GOMAXPROCS.
	Shards int

	// UseMemoryPool stores entries for keys up to FixedKeySize bytes in
	// fixed-size slots carved from MemoryPoolChunkSize chunks.
	UseMemoryPool       bool
	FixedKeySize        int
	MemoryPoolChunkSize int

	// Allocator overrides the allocator derived from the options above.
	Allocator offheap.Allocator

	// OnStale is called, with the shard lock held, for every location
	// that stops being live: overwritten, removed, or rejected because a
	// newer record was already indexed.
	OnStale func(Location)
}

type slot struct {
	hash uint64
	mem  *offheap.Memory
}

type shard struct {
	mu    sync.RWMutex
	slots []slot
	mask  uint64
	count int
}

// Index is a concurrent hash table from keys to Locations.
type Index struct {
	shards     []shard
	shardShift uint
	alloc      offheap.Allocator
	ownsAlloc  bool
	onStale    func(Location)
	len        atomic.Int64
	isClosed   atomic.Bool
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << (bits.Len(uint(n - 1)))
}

// New returns an empty Index.
func New(opts Options) (*Index, error) {
	nShards := opts.Shards
	if nShards <= 0 {
		nShards = runtime.GOMAXPROCS(0) * 4
	}
	nShards = nextPow2(nShards)

	alloc := opts.Allocator
	ownsAlloc := false
	if alloc == nil {
		slab, err := offheap.NewSlab(0)
		if err != nil {
			return nil, fmt.Errorf("offheap.NewSlab: %w", err)
		}
		alloc = slab
		if opts.UseMemoryPool {
			pool, err := offheap.NewPool(offheap.PoolOptions{
				SlotSize:  PoolSlotSize(opts.FixedKeySize),
				ChunkSize: opts.MemoryPoolChunkSize,
				Fallback:  slab,
			})
			if err != nil {
				_ = slab.Close()
				return nil, fmt.Errorf("offheap.NewPool: %w", err)
			}
			alloc = &pooled{Pool: pool, slab: slab}
		}
		ownsAlloc = true
	}

	perShard := 0
	if opts.NumberOfRecords > 0 {
		perShard = opts.NumberOfRecords / nShards
	}
	initialSlots := nextPow2(perShard * 4 / 3)
	if initialSlots > maxInitialSlots {
		initialSlots = maxInitialSlots
	} else if initialSlots < minSlots {
		initialSlots = minSlots
	}

	idx := &Index{
		shards:     make([]shard, nShards),
		shardShift: uint(64 - bits.TrailingZeros(uint(nShards))),
		alloc:      alloc,
		ownsAlloc:  ownsAlloc,
		onStale:    opts.OnStale,
	}
	for i := range idx.shards {
		idx.shards[i].slots = make([]slot, initialSlots)
		idx.shards[i].mask = uint64(initialSlots - 1)
	}
	return idx, nil
}

// PoolSlotSize returns the pool slot size needed to hold entries for keys
// of up to fixedKeySize bytes.
func PoolSlotSize(fixedKeySize int) int {
	return entryHeaderSize + fixedKeySize
}

// pooled closes both the pool and the slab it falls back to.
type pooled struct {
	*offheap.Pool
	slab *offheap.Slab
}

func (p *pooled) Close() error {
	return errors.Join(p.Pool.Close(), p.slab.Close())
}

func (p *pooled) Allocated() int64 {
	return p.Pool.Allocated() + p.slab.Allocated()
}

func hashKey(key []byte) uint64 {
	return farm.Hash64(key)
}

func (idx *Index) shardFor(h uint64) *shard {
	if len(idx.shards) == 1 {
		return &idx.shards[0]
	}
	return &idx.shards[h>>idx.shardShift]
}

func (idx *Index) stale(loc Location) {
	if idx.onStale != nil {
		idx.onStale(loc)
	}
}

func readLocation(m *offheap.Memory) Location {
	return Location{
		FileID:   m.GetUint32(entryFileIDOff),
		Offset:   m.GetUint32(entryOffsetOff),
		Size:     m.GetUint32(entrySizeOff),
		Sequence: m.GetUint64(entrySeqOff),
	}
}

func writeLocation(m *offheap.Memory, loc Location) {
	m.PutUint64(entrySeqOff, loc.Sequence)
	m.PutUint32(entryFileIDOff, loc.FileID)
	m.PutUint32(entryOffsetOff, loc.Offset)
	m.PutUint32(entrySizeOff, loc.Size)
}

func entryKey(m *offheap.Memory) []byte {
	n := int(m.GetUint8(entryKeyLenOff))
	key := make([]byte, n)
	m.CopyTo(entryHeaderSize, key)
	return key
}

func keyEquals(m *offheap.Memory, key []byte) bool {
	return int(m.GetUint8(entryKeyLenOff)) == len(key) && m.Equal(entryHeaderSize, key)
}

// find returns the slot holding key, or the empty slot where it would be
// inserted.
func (s *shard) find(h uint64, key []byte) (int, bool) {
	i := h & s.mask
	for {
		sl := &s.slots[i]
		if sl.mem == nil {
			return int(i), false
		}
		if sl.hash == h && keyEquals(sl.mem, key) {
			return int(i), true
		}
		i = (i + 1) & s.mask
	}
}

// grow doubles the slot array if one more entry would exceed 75% load.
func (s *shard) grow() {
	if (s.count+1)*4 <= len(s.slots)*3 {
		return
	}
	old := s.slots
	s.slots = make([]slot, len(old)*2)
	s.mask = uint64(len(s.slots) - 1)
	for _, sl := range old {
		if sl.mem == nil {
			continue
		}
		i := sl.hash & s.mask
		for s.slots[i].mem != nil {
			i = (i + 1) & s.mask
		}
		s.slots[i] = sl
	}
}

// deleteAt empties slot i, shifting later entries of the probe sequence
// back so lookups never stop early at a hole.
func (s *shard) deleteAt(i int) {
	hole := uint64(i)
	s.slots[hole] = slot{}
	s.count--
	j := hole
	for {
		j = (j + 1) & s.mask
		sl := s.slots[j]
		if sl.mem == nil {
			return
		}
		ideal := sl.hash & s.mask
		var inRange bool
		if hole <= j {
			inRange = hole < ideal && ideal <= j
		} else {
			inRange = hole < ideal || ideal <= j
		}
		if !inRange {
			s.slots[hole] = sl
			s.slots[j] = slot{}
			hole = j
		}
	}
}

// Put installs loc for key unless the index already holds a location with
// an equal or higher sequence number.  installed reports which happened.
func (idx *Index) Put(key []byte, loc Location) (installed bool, err error) {
	if len(key) == 0 || len(key) > 255 {
		return false, fmt.Errorf("invalid key length %d", len(key))
	}
	h := hashKey(key)
	s := idx.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx.isClosed.Load() {
		return false, ErrClosed
	}

	i, found := s.find(h, key)
	if found {
		m := s.slots[i].mem
		cur := readLocation(m)
		if loc.Sequence <= cur.Sequence {
			idx.stale(loc)
			return false, nil
		}
		writeLocation(m, loc)
		idx.stale(cur)
		return true, nil
	}

	m, err := idx.alloc.Allocate(entryHeaderSize + len(key))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrCapacity, err)
	}
	writeLocation(m, loc)
	m.PutUint8(entryKeyLenOff, uint8(len(key)))
	m.CopyFrom(entryHeaderSize, key)

	if (s.count+1)*4 > len(s.slots)*3 {
		s.grow()
		i, _ = s.find(h, key)
	}
	s.slots[i] = slot{hash: h, mem: m}
	s.count++
	idx.len.Add(1)
	return true, nil
}

// Get returns the location of key's newest record.
func (idx *Index) Get(key []byte) (Location, bool) {
	h := hashKey(key)
	s := idx.shardFor(h)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx.isClosed.Load() {
		return Location{}, false
	}
	i, found := s.find(h, key)
	if !found {
		return Location{}, false
	}
	return readLocation(s.slots[i].mem), true
}

// Remove deletes key if its indexed record is older than seq, returning
// the removed location.
func (idx *Index) Remove(key []byte, seq uint64) (Location, bool) {
	h := hashKey(key)
	s := idx.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx.isClosed.Load() {
		return Location{}, false
	}
	i, found := s.find(h, key)
	if !found {
		return Location{}, false
	}
	m := s.slots[i].mem
	cur := readLocation(m)
	if cur.Sequence >= seq {
		return Location{}, false
	}
	s.deleteAt(i)
	idx.len.Add(-1)
	if err := m.Free(); err != nil {
		panic(fmt.Errorf("invariant broken: index entry: %w", err))
	}
	idx.stale(cur)
	return cur, true
}

// Relocate points key at to, provided the index still points at from.  The
// sequence number is preserved: moving a record is not a new write.
func (idx *Index) Relocate(key []byte, from, to Location) bool {
	h := hashKey(key)
	s := idx.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx.isClosed.Load() {
		return false
	}
	i, found := s.find(h, key)
	if !found {
		return false
	}
	m := s.slots[i].mem
	cur := readLocation(m)
	if !cur.SamePlace(from) || cur.Sequence != from.Sequence {
		return false
	}
	to.Sequence = cur.Sequence
	writeLocation(m, to)
	return true
}

// Len returns the number of live keys.
func (idx *Index) Len() int {
	return int(idx.len.Load())
}

// MemoryBytes returns how much off-heap memory the index has mapped, if
// its allocator reports that.
func (idx *Index) MemoryBytes() int64 {
	if a, ok := idx.alloc.(interface{ Allocated() int64 }); ok {
		return a.Allocated()
	}
	return 0
}

// Item is a key and its location.
type Item struct {
	Key      []byte
	Location Location
}

// Iter returns an iterator over every live key.  Shards are snapshotted
// one at a time as iteration reaches them, so concurrent mutations may or
// may not be observed.
func (idx *Index) Iter() *Iter {
	return &Iter{idx: idx}
}

// Iter is a lazy, single-use iterator over an Index.
type Iter struct {
	idx   *Index
	shard int
	buf   []Item
	pos   int
}

func (it *Iter) Next() (Item, bool) {
	for it.pos >= len(it.buf) {
		if it.shard >= len(it.idx.shards) || it.idx.isClosed.Load() {
			return Item{}, false
		}
		it.buf = it.idx.snapshot(it.shard, it.buf[:0])
		it.pos = 0
		it.shard++
	}
	item := it.buf[it.pos]
	it.pos++
	return item, true
}

func (idx *Index) snapshot(i int, buf []Item) []Item {
	s := &idx.shards[i]
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sl := range s.slots {
		if sl.mem == nil {
			continue
		}
		buf = append(buf, Item{Key: entryKey(sl.mem), Location: readLocation(sl.mem)})
	}
	return buf
}

// Close makes the index unusable.  If free is set every entry is freed and
// the off-heap memory returned; otherwise it is left for process exit.
func (idx *Index) Close(free bool) error {
	for i := range idx.shards {
		idx.shards[i].mu.Lock()
	}
	defer func() {
		for i := range idx.shards {
			idx.shards[i].mu.Unlock()
		}
	}()
	if idx.isClosed.Swap(true) {
		return nil
	}
	if !free {
		return nil
	}
	for i := range idx.shards {
		s := &idx.shards[i]
		for j := range s.slots {
			if m := s.slots[j].mem; m != nil {
				_ = m.Free()
			}
		}
		s.slots = nil
		s.count = 0
	}
	idx.len.Store(0)
	if c, ok := idx.alloc.(io.Closer); ok && idx.ownsAlloc {
		return c.Close()
	}
	return nil
}
