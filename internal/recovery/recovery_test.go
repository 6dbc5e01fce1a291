// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package recovery

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/halodb/internal/datafile"
	"github.com/bpowers/halodb/internal/index"
	"github.com/bpowers/halodb/internal/record"
)

var testManagerOptions = datafile.Options{
	MaxFileSize:         1024,
	FlushDataSizeBytes:  -1,
	CompactionThreshold: 0.75,
}

// writer lays down data and tombstone files directly, the way a previous
// process would have.
type writer struct {
	t          *testing.T
	m          *datafile.Manager
	data       *datafile.Appender
	tombstones *datafile.Appender
	seq        uint64
	lastFile   map[string]uint32
}

func newWriter(t *testing.T, dir string) *writer {
	m, err := datafile.Open(dir, testManagerOptions)
	require.NoError(t, err)
	return &writer{
		t:          t,
		m:          m,
		data:       m.NewAppender(datafile.RoleData),
		tombstones: m.NewAppender(datafile.RoleTombstone),
		lastFile:   make(map[string]uint32),
	}
}

func (w *writer) put(key, value string) {
	w.seq++
	b, err := record.Encode([]byte(key), []byte(value), w.seq)
	require.NoError(w.t, err)
	id, _, err := w.data.Append(b)
	require.NoError(w.t, err)
	w.lastFile[key] = id
}

func (w *writer) delete(key string) {
	w.seq++
	b, err := record.EncodeTombstone(record.Tombstone{Key: []byte(key), Sequence: w.seq, DeletedFromFileID: w.lastFile[key]})
	require.NoError(w.t, err)
	_, _, err = w.tombstones.Append(b)
	require.NoError(w.t, err)
}

func (w *writer) close() {
	require.NoError(w.t, w.m.Close())
}

func openAndBuild(t *testing.T, dir string, opts Options) (*datafile.Manager, *index.Index, Result) {
	m, err := datafile.Open(dir, testManagerOptions)
	require.NoError(t, err)
	idx, err := index.New(index.Options{
		Shards: 4,
		OnStale: func(loc index.Location) {
			m.MarkStale(loc.FileID, int64(loc.Size))
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = idx.Close(true)
		_ = m.Close()
	})
	r, err := Build(context.Background(), m, idx, opts)
	require.NoError(t, err)
	return m, idx, r
}

func readValue(t *testing.T, m *datafile.Manager, idx *index.Index, key string) (string, bool) {
	loc, ok := idx.Get([]byte(key))
	if !ok {
		return "", false
	}
	f, ok := m.Acquire(loc.FileID)
	require.True(t, ok)
	defer f.Release()
	b, err := f.Read(int64(loc.Offset), int(loc.Size))
	require.NoError(t, err)
	r, err := record.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, key, string(r.Key))
	return string(r.Value), true
}

func snapshot(idx *index.Index) map[string]index.Location {
	out := make(map[string]index.Location)
	it := idx.Iter()
	for item, ok := it.Next(); ok; item, ok = it.Next() {
		out[string(item.Key)] = item.Location
	}
	return out
}

func TestBuild_NewestWins(t *testing.T) {
	dir := t.TempDir()
	w := newWriter(t, dir)
	for round := 0; round < 5; round++ {
		for i := 0; i < 100; i++ {
			w.put(fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d-%d", i, round))
		}
	}
	w.close()

	var snapshots []map[string]index.Location
	for _, threads := range []int{1, 4} {
		m, idx, r := openAndBuild(t, dir, Options{Threads: threads})
		assert.Equal(t, uint64(500), r.MaxSequence)
		assert.Equal(t, int64(500), r.Records)
		assert.Equal(t, 100, idx.Len())
		for i := 0; i < 100; i++ {
			v, ok := readValue(t, m, idx, fmt.Sprintf("key-%d", i))
			require.True(t, ok)
			assert.Equal(t, fmt.Sprintf("value-%d-4", i), v)
		}

		// every superseded record is accounted stale
		s := m.Stats()
		var live int64
		for _, loc := range snapshot(idx) {
			live += int64(loc.Size)
		}
		assert.Equal(t, s.DataBytes-live, s.StaleDataBytes)
		snapshots = append(snapshots, snapshot(idx))
	}
	assert.Equal(t, snapshots[0], snapshots[1])
}

func TestBuild_Tombstones(t *testing.T) {
	dir := t.TempDir()
	w := newWriter(t, dir)
	w.put("a", "1")
	w.put("b", "1")
	w.delete("a")
	w.put("b", "2")
	w.delete("b")
	w.put("b", "3")
	w.delete("missing")
	w.close()

	m, idx, r := openAndBuild(t, dir, Options{Threads: 2})
	assert.Equal(t, uint64(7), r.MaxSequence)
	assert.Equal(t, int64(3), r.Tombstones)

	_, ok := readValue(t, m, idx, "a")
	assert.False(t, ok)
	v, ok := readValue(t, m, idx, "b")
	require.True(t, ok)
	assert.Equal(t, "3", v)
	assert.Equal(t, 1, idx.Len())
	// tombstone files are left alone without cleanup
	assert.Len(t, m.Files(datafile.RoleTombstone), 1)
}

func TestBuild_TruncatedTail(t *testing.T) {
	dir := t.TempDir()
	w := newWriter(t, dir)
	w.put("a", "1")
	w.put("b", "1")
	f, ok := w.m.Get(w.lastFile["b"])
	require.True(t, ok)
	path := f.Path()
	w.close()

	partial, err := record.Encode([]byte("c"), []byte("1"), 3)
	require.NoError(t, err)
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = fh.Write(partial[:10])
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	m, idx, r := openAndBuild(t, dir, Options{})
	assert.Equal(t, int64(1), r.TruncatedFiles)
	assert.Equal(t, uint64(2), r.MaxSequence)
	assert.Equal(t, 2, idx.Len())
	_, ok = idx.Get([]byte("c"))
	assert.False(t, ok)
	assert.Equal(t, int64(10), m.Stats().StaleDataBytes)
}

func TestBuild_CleanUpTombstones(t *testing.T) {
	dir := t.TempDir()
	w := newWriter(t, dir)
	w.put("a", "1")
	w.put("b", "1")
	w.delete("a")
	w.delete("b")
	w.put("b", "2")
	w.delete("never-existed")
	oldTombstones := w.m.Files(datafile.RoleTombstone)
	require.Len(t, oldTombstones, 1)
	oldPath := oldTombstones[0].Path()
	w.close()

	m, idx, r := openAndBuild(t, dir, Options{CleanUpTombstones: true})
	// "a" is still on disk so its tombstone is kept; the others are moot
	assert.Equal(t, int64(2), r.TombstonesDropped)
	_, ok := idx.Get([]byte("a"))
	assert.False(t, ok)
	v, ok := readValue(t, m, idx, "b")
	require.True(t, ok)
	assert.Equal(t, "2", v)

	_, err := os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	newTombstones := m.Files(datafile.RoleTombstone)
	require.Len(t, newTombstones, 1)
	assert.Equal(t, int64(record.TombstoneSize(1)), newTombstones[0].Size())
	require.NoError(t, m.Close())

	// the rewritten files still keep "a" deleted
	m, idx, r = openAndBuild(t, dir, Options{})
	assert.Equal(t, int64(1), r.Tombstones)
	_, ok = idx.Get([]byte("a"))
	assert.False(t, ok)
	v, ok = readValue(t, m, idx, "b")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestBuild_Canceled(t *testing.T) {
	dir := t.TempDir()
	w := newWriter(t, dir)
	for i := 0; i < 10; i++ {
		w.put(fmt.Sprintf("key-%d", i), "v")
	}
	w.close()

	m, err := datafile.Open(dir, testManagerOptions)
	require.NoError(t, err)
	defer m.Close()
	idx, err := index.New(index.Options{Shards: 1})
	require.NoError(t, err)
	defer idx.Close(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Build(ctx, m, idx, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
