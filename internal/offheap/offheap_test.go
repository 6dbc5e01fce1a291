// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package offheap

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func TestDirect_AllocateFree(t *testing.T) {
	d := NewDirect()
	defer func() { _ = d.Close() }()

	m, err := d.Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, 100, m.Len())
	assert.True(t, d.Allocated() >= 100)

	require.NoError(t, m.Free())
	assert.Equal(t, int64(0), d.Allocated())
	assert.True(t, m.Freed())

	// the second free must be rejected, not corrupt the allocator
	assert.ErrorIs(t, m.Free(), ErrDoubleFree)

	_, err = d.Allocate(0)
	assert.Error(t, err)
}

func TestMemory_UseAfterFreePanics(t *testing.T) {
	d := NewDirect()
	defer func() { _ = d.Close() }()

	m, err := d.Allocate(16)
	require.NoError(t, err)
	require.NoError(t, m.Free())

	assert.Panics(t, func() { m.GetUint64(0) })
	assert.Panics(t, func() { m.PutUint8(0, 1) })
	assert.Panics(t, func() { _ = m.Bytes() })
}

func TestMemory_CopyAndCompare(t *testing.T) {
	d := NewDirect()
	defer func() { _ = d.Close() }()

	const n = 7777
	m, err := d.Allocate(n + 130)
	require.NoError(t, err)
	defer func() { _ = m.Free() }()

	ref := randomBytes(n)
	for _, off := range []int{0, 1, 7, 64, 129} {
		m.CopyFrom(off, ref)
		assert.True(t, m.Equal(off, ref))

		out := make([]byte, n)
		m.CopyTo(off, out)
		assert.Equal(t, ref, out)
	}

	assert.False(t, m.Equal(0, []byte("definitely not")))
	assert.False(t, m.Equal(m.Len()-1, []byte("past the end")))
	assert.Panics(t, func() { m.CopyFrom(m.Len()-1, ref) })
}

func TestMemory_Fill(t *testing.T) {
	d := NewDirect()
	defer func() { _ = d.Close() }()

	m, err := d.Allocate(256)
	require.NoError(t, err)
	defer func() { _ = m.Free() }()

	m.Fill(10, 100, 0xAB)
	b := m.Bytes()
	for i := range b {
		if i >= 10 && i < 110 {
			require.Equal(t, byte(0xAB), b[i])
		} else {
			require.Equal(t, byte(0), b[i])
		}
	}
}

func TestMemory_GetPutPrimitives(t *testing.T) {
	d := NewDirect()
	defer func() { _ = d.Close() }()

	m, err := d.Allocate(128)
	require.NoError(t, err)
	defer func() { _ = m.Free() }()

	m.CopyFrom(0, randomBytes(128))
	for i := 0; i < 120; i++ {
		v := m.GetUint64(i)
		m.PutUint64(i, ^v)
		assert.Equal(t, ^v, m.GetUint64(i))
	}

	m.PutUint8(0, 0xfe)
	m.PutUint16(2, 0xbeef)
	m.PutUint32(4, 0xdeadbeef)
	assert.Equal(t, uint8(0xfe), m.GetUint8(0))
	assert.Equal(t, uint16(0xbeef), m.GetUint16(2))
	assert.Equal(t, uint32(0xdeadbeef), m.GetUint32(4))
}

func TestMemory_AddUint32(t *testing.T) {
	d := NewDirect()
	defer func() { _ = d.Close() }()

	m, err := d.Allocate(8)
	require.NoError(t, err)
	defer func() { _ = m.Free() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.AddUint32(4, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint32(8000), m.LoadUint32(4))
	assert.Equal(t, uint32(7999), m.AddUint32(4, -1))
	assert.Panics(t, func() { m.AddUint32(1, 1) })
}

func TestPool_SlotsAndReuse(t *testing.T) {
	p, err := NewPool(PoolOptions{SlotSize: 20, ChunkSize: 1024})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	assert.Equal(t, 24, p.SlotSize())
	perChunk := (1024 - chunkHeaderSize) / 24

	var held []*Memory
	for i := 0; i < perChunk+1; i++ {
		m, err := p.Allocate(20)
		require.NoError(t, err)
		m.PutUint32(0, uint32(i))
		held = append(held, m)
	}
	assert.Equal(t, 2, p.Chunks())
	assert.Equal(t, perChunk+1, p.InUse())
	for i, m := range held {
		assert.Equal(t, uint32(i), m.GetUint32(0))
	}

	require.NoError(t, held[0].Free())
	assert.Equal(t, perChunk, p.InUse())

	// a reused slot comes back zeroed
	m, err := p.Allocate(8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), m.GetUint64(0))
	assert.Equal(t, 2, p.Chunks())
}

func TestPool_ExhaustionAndFallback(t *testing.T) {
	p, err := NewPool(PoolOptions{SlotSize: 64, ChunkSize: chunkHeaderSize + 64, MaxChunks: 1})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	_, err = p.Allocate(64)
	require.NoError(t, err)
	_, err = p.Allocate(64)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	_, err = p.Allocate(65)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	direct := NewDirect()
	defer func() { _ = direct.Close() }()
	withFallback, err := NewPool(PoolOptions{SlotSize: 64, ChunkSize: chunkHeaderSize + 64, MaxChunks: 1, Fallback: direct})
	require.NoError(t, err)
	defer func() { _ = withFallback.Close() }()

	for i := 0; i < 3; i++ {
		m, err := withFallback.Allocate(64)
		require.NoError(t, err)
		require.NotNil(t, m)
	}
	big, err := withFallback.Allocate(1000)
	require.NoError(t, err)
	assert.Equal(t, 1000, big.Len())
	assert.True(t, direct.Allocated() > 0)
}

func TestPool_Errors(t *testing.T) {
	_, err := NewPool(PoolOptions{SlotSize: 0, ChunkSize: 1024})
	assert.Error(t, err)
	_, err = NewPool(PoolOptions{SlotSize: 512, ChunkSize: 100})
	assert.Error(t, err)

	p, err := NewPool(PoolOptions{SlotSize: 8, ChunkSize: 1024})
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err = p.Allocate(8)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSlab_SizeClasses(t *testing.T) {
	s, err := NewSlab(64 * 1024)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	for _, size := range []int{1, 31, 32, 33, 200, 512, 513, 4096} {
		m, err := s.Allocate(size)
		require.NoError(t, err)
		assert.Equal(t, size, m.Len())
		m.Fill(0, size, 1)
		require.NoError(t, m.Free())
	}
	assert.True(t, s.Allocated() > 0)
}
