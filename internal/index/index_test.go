// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/halodb/internal/offheap"
)

type staleLog struct {
	mu   sync.Mutex
	locs []Location
}

func (s *staleLog) add(loc Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locs = append(s.locs, loc)
}

func (s *staleLog) all() []Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Location(nil), s.locs...)
}

func newTestIndex(t *testing.T, opts Options) (*Index, *staleLog) {
	stale := &staleLog{}
	opts.OnStale = stale.add
	idx, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = idx.Close(true)
	})
	return idx, stale
}

func loc(fileID, off uint32, seq uint64) Location {
	return Location{FileID: fileID, Offset: off, Size: 20, Sequence: seq}
}

func TestIndex_PutGet(t *testing.T) {
	idx, stale := newTestIndex(t, Options{Shards: 4})

	installed, err := idx.Put([]byte("k"), loc(1, 0, 1))
	require.NoError(t, err)
	assert.True(t, installed)

	got, ok := idx.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, loc(1, 0, 1), got)

	_, ok = idx.Get([]byte("missing"))
	assert.False(t, ok)

	// newer wins, older is reported stale
	installed, err = idx.Put([]byte("k"), loc(1, 20, 2))
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, []Location{loc(1, 0, 1)}, stale.all())

	// an older record loses and is itself stale
	installed, err = idx.Put([]byte("k"), loc(0, 40, 1))
	require.NoError(t, err)
	assert.False(t, installed)
	assert.Equal(t, []Location{loc(1, 0, 1), loc(0, 40, 1)}, stale.all())

	got, _ = idx.Get([]byte("k"))
	assert.Equal(t, loc(1, 20, 2), got)
	assert.Equal(t, 1, idx.Len())
}

func TestIndex_InvalidKey(t *testing.T) {
	idx, _ := newTestIndex(t, Options{Shards: 1})
	_, err := idx.Put(nil, loc(1, 0, 1))
	assert.Error(t, err)
	_, err = idx.Put(make([]byte, 256), loc(1, 0, 1))
	assert.Error(t, err)
}

func TestIndex_PutOrderDoesNotMatter(t *testing.T) {
	var locs []Location
	for i := 0; i < 50; i++ {
		locs = append(locs, loc(uint32(i%7), uint32(i*20), uint64(i+1)))
	}

	forward, _ := newTestIndex(t, Options{Shards: 2})
	backward, _ := newTestIndex(t, Options{Shards: 2})
	for i := range locs {
		_, err := forward.Put([]byte("k"), locs[i])
		require.NoError(t, err)
		_, err = backward.Put([]byte("k"), locs[len(locs)-1-i])
		require.NoError(t, err)
	}
	a, _ := forward.Get([]byte("k"))
	b, _ := backward.Get([]byte("k"))
	assert.Equal(t, a, b)
	assert.Equal(t, uint64(50), a.Sequence)
}

func TestIndex_Remove(t *testing.T) {
	idx, stale := newTestIndex(t, Options{Shards: 1})
	_, err := idx.Put([]byte("k"), loc(1, 0, 5))
	require.NoError(t, err)

	// a tombstone older than the record is ignored
	_, removed := idx.Remove([]byte("k"), 4)
	assert.False(t, removed)
	_, removed = idx.Remove([]byte("k"), 5)
	assert.False(t, removed)

	got, removed := idx.Remove([]byte("k"), 6)
	require.True(t, removed)
	assert.Equal(t, loc(1, 0, 5), got)
	_, ok := idx.Get([]byte("k"))
	assert.False(t, ok)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, []Location{loc(1, 0, 5)}, stale.all())

	_, removed = idx.Remove([]byte("k"), 7)
	assert.False(t, removed)
}

func TestIndex_Relocate(t *testing.T) {
	idx, _ := newTestIndex(t, Options{Shards: 1})
	from := loc(1, 0, 5)
	_, err := idx.Put([]byte("k"), from)
	require.NoError(t, err)

	to := Location{FileID: 9, Offset: 100, Size: 20}
	assert.True(t, idx.Relocate([]byte("k"), from, to))
	got, _ := idx.Get([]byte("k"))
	assert.Equal(t, Location{FileID: 9, Offset: 100, Size: 20, Sequence: 5}, got)

	// the record moved: a second move from the old place loses
	assert.False(t, idx.Relocate([]byte("k"), from, loc(10, 0, 5)))
	// as does a move of an unknown key
	assert.False(t, idx.Relocate([]byte("nope"), from, to))

	// a concurrent write between reading the record and relocating it wins
	_, err = idx.Put([]byte("k"), loc(2, 0, 6))
	require.NoError(t, err)
	assert.False(t, idx.Relocate([]byte("k"), got, loc(11, 0, 0)))
	got, _ = idx.Get([]byte("k"))
	assert.Equal(t, loc(2, 0, 6), got)
}

func TestIndex_GrowAndDelete(t *testing.T) {
	for _, usePool := range []bool{false, true} {
		t.Run(fmt.Sprintf("pool=%v", usePool), func(t *testing.T) {
			idx, _ := newTestIndex(t, Options{
				Shards:              2,
				UseMemoryPool:       usePool,
				FixedKeySize:        8,
				MemoryPoolChunkSize: 4096,
			})
			const n = 5000
			for i := 0; i < n; i++ {
				// some keys are longer than FixedKeySize
				key := []byte("key-" + strconv.Itoa(i))
				_, err := idx.Put(key, loc(uint32(i), uint32(i), uint64(i+1)))
				require.NoError(t, err)
			}
			require.Equal(t, n, idx.Len())

			for i := 0; i < n; i += 2 {
				_, removed := idx.Remove([]byte("key-"+strconv.Itoa(i)), uint64(n+1))
				require.True(t, removed)
			}
			require.Equal(t, n/2, idx.Len())

			for i := 0; i < n; i++ {
				got, ok := idx.Get([]byte("key-" + strconv.Itoa(i)))
				if i%2 == 0 {
					require.False(t, ok, i)
				} else {
					require.True(t, ok, i)
					require.Equal(t, loc(uint32(i), uint32(i), uint64(i+1)), got)
				}
			}
		})
	}
}

func TestIndex_Iter(t *testing.T) {
	idx, _ := newTestIndex(t, Options{Shards: 8})
	want := make(map[string]Location)
	for i := 0; i < 1000; i++ {
		key := strconv.Itoa(i)
		want[key] = loc(1, uint32(i*20), uint64(i+1))
		_, err := idx.Put([]byte(key), want[key])
		require.NoError(t, err)
	}

	got := make(map[string]Location)
	it := idx.Iter()
	for item, ok := it.Next(); ok; item, ok = it.Next() {
		_, dup := got[string(item.Key)]
		require.False(t, dup)
		got[string(item.Key)] = item.Location
	}
	assert.Equal(t, want, got)
}

func TestIndex_Concurrent(t *testing.T) {
	idx, _ := newTestIndex(t, Options{Shards: 4})
	const writers = 8
	const perWriter = 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := []byte(strconv.Itoa(i))
				seq := uint64(i*writers + w + 1)
				if _, err := idx.Put(key, loc(uint32(w), uint32(i), seq)); err != nil {
					panic(err)
				}
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, perWriter, idx.Len())
	for i := 0; i < perWriter; i++ {
		got, ok := idx.Get([]byte(strconv.Itoa(i)))
		require.True(t, ok)
		// the writer with the largest sequence number always wins
		assert.Equal(t, uint64(i*writers+writers), got.Sequence)
		assert.Equal(t, uint32(writers-1), got.FileID)
	}
}

func TestIndex_CapacityError(t *testing.T) {
	pool, err := offheap.NewPool(offheap.PoolOptions{
		SlotSize:  32,
		ChunkSize: 8 + 32*2,
		MaxChunks: 1,
	})
	require.NoError(t, err)
	defer pool.Close()

	idx, _ := newTestIndex(t, Options{Shards: 1, Allocator: pool})
	for i := 0; i < 2; i++ {
		_, err := idx.Put([]byte{byte('a' + i)}, loc(1, 0, 1))
		require.NoError(t, err)
	}
	_, err = idx.Put([]byte("c"), loc(1, 0, 1))
	assert.ErrorIs(t, err, ErrCapacity)
	assert.ErrorIs(t, err, offheap.ErrPoolExhausted)
	assert.Equal(t, 2, idx.Len())
}

func TestIndex_Closed(t *testing.T) {
	idx, err := New(Options{Shards: 1})
	require.NoError(t, err)
	_, err = idx.Put([]byte("k"), loc(1, 0, 1))
	require.NoError(t, err)
	require.NoError(t, idx.Close(true))
	require.NoError(t, idx.Close(true))

	_, err = idx.Put([]byte("k"), loc(1, 0, 2))
	assert.ErrorIs(t, err, ErrClosed)
	_, ok := idx.Get([]byte("k"))
	assert.False(t, ok)
	_, ok = idx.Iter().Next()
	assert.False(t, ok)
}
