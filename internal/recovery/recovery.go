// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package recovery rebuilds the key index from the files on disk when a
// database is opened.
package recovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bpowers/halodb/internal/datafile"
	"github.com/bpowers/halodb/internal/index"
	"github.com/bpowers/halodb/internal/record"
)

// Options configures Build.
type Options struct {
	// Threads is how many files are scanned concurrently.
	Threads int
	// CleanUpTombstones rewrites every tombstone file, dropping
	// tombstones that no longer suppress any record on disk.
	CleanUpTombstones bool
	Logger            *slog.Logger
}

// Result summarizes a rebuild.
type Result struct {
	MaxSequence       uint64
	Records           int64
	Tombstones        int64
	TruncatedFiles    int64
	TombstonesDropped int64
	Elapsed           time.Duration
}

type builder struct {
	m      *datafile.Manager
	idx    *index.Index
	opts   Options
	logger *slog.Logger

	seq        record.Sequence
	records    atomic.Int64
	tombstones atomic.Int64
	truncated  atomic.Int64
	dropped    atomic.Int64
}

// Build indexes every data file in m, then applies every tombstone file.
// The index must be empty and must report stale locations to m.
//
// Data files are scanned in parallel: Index.Put keeps the record with the
// highest sequence number whatever order files are visited in.  Tombstones
// are only applied once every data file has been indexed, as a tombstone
// can only remove what is already there.
func Build(ctx context.Context, m *datafile.Manager, idx *index.Index, opts Options) (Result, error) {
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &builder{m: m, idx: idx, opts: opts, logger: opts.Logger}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Threads)
	for _, f := range m.Files(datafile.RoleData) {
		f := f
		g.Go(func() error {
			return b.indexDataFile(gctx, f)
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	tombstoneFiles := m.Files(datafile.RoleTombstone)
	if opts.CleanUpTombstones {
		if err := b.rewriteTombstones(ctx, tombstoneFiles); err != nil {
			return Result{}, err
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Threads)
		for _, f := range tombstoneFiles {
			f := f
			g.Go(func() error {
				return b.applyTombstones(gctx, f, nil)
			})
		}
		if err := g.Wait(); err != nil {
			return Result{}, err
		}
	}

	r := Result{
		MaxSequence:       b.seq.Current(),
		Records:           b.records.Load(),
		Tombstones:        b.tombstones.Load(),
		TruncatedFiles:    b.truncated.Load(),
		TombstonesDropped: b.dropped.Load(),
		Elapsed:           time.Since(start),
	}
	b.logger.Info("rebuilt index",
		"records", r.Records,
		"tombstones", r.Tombstones,
		"keys", idx.Len(),
		"maxSequence", r.MaxSequence,
		"elapsed", r.Elapsed)
	return r, nil
}

func (b *builder) indexDataFile(ctx context.Context, f *datafile.File) error {
	if !f.Acquire() {
		return nil
	}
	defer f.Release()

	var n int64
	it := f.Iter()
	for item, ok := it.Next(); ok; item, ok = it.Next() {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		n++
		rec := item.Record
		b.seq.Observe(rec.Sequence)
		loc := index.Location{
			FileID:   f.ID(),
			Offset:   uint32(item.Offset),
			Size:     uint32(item.Size),
			Sequence: rec.Sequence,
		}
		if _, err := b.idx.Put(rec.Key, loc); err != nil {
			return fmt.Errorf("indexing %s: %w", f.Path(), err)
		}
	}
	b.records.Add(n)
	if err := it.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", f.Path(), err)
	}
	if it.Truncated() {
		// everything past the last valid record is garbage, and as good
		// as stale for compaction purposes
		garbage := f.Size() - it.Offset()
		b.truncated.Add(1)
		b.m.MarkStale(f.ID(), garbage)
		b.logger.Warn("data file has a truncated tail", "path", f.Path(), "valid", it.Offset(), "garbage", garbage)
	}
	return nil
}

// applyTombstones removes every key a tombstone in f deleted.  If keep is
// non-nil it is passed the raw bytes of every tombstone that still
// suppresses a record.
func (b *builder) applyTombstones(ctx context.Context, f *datafile.File, keep func([]byte) error) error {
	if !f.Acquire() {
		return nil
	}
	defer f.Release()

	var n int64
	it := f.TombstoneIter()
	for item, ok := it.Next(); ok; item, ok = it.Next() {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		n++
		t := item.Tombstone
		b.seq.Observe(t.Sequence)
		_, removed := b.idx.Remove(t.Key, t.Sequence)
		if keep == nil {
			continue
		}
		if !removed {
			b.dropped.Add(1)
			continue
		}
		raw, err := f.Read(item.Offset, item.Size)
		if err != nil {
			return err
		}
		if err := keep(raw); err != nil {
			return err
		}
	}
	b.tombstones.Add(n)
	if err := it.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", f.Path(), err)
	}
	if it.Truncated() {
		b.truncated.Add(1)
		b.logger.Warn("tombstone file has a truncated tail", "path", f.Path(), "valid", it.Offset())
	}
	return nil
}

// rewriteTombstones applies tombstone files one at a time, copying the
// tombstones worth keeping to new files and deleting the originals.
func (b *builder) rewriteTombstones(ctx context.Context, files []*datafile.File) error {
	out := b.m.NewAppender(datafile.RoleTombstone)
	defer out.Close()

	keep := func(raw []byte) error {
		_, _, err := out.Append(raw)
		return err
	}
	for _, f := range files {
		before := b.dropped.Load()
		if err := b.applyTombstones(ctx, f, keep); err != nil {
			return err
		}
		// the copies must be durable before the original goes away
		if err := out.Flush(); err != nil {
			return err
		}
		if err := b.m.Retire(f.ID()); err != nil {
			return err
		}
		b.logger.Info("cleaned up tombstone file", "path", f.Path(), "dropped", b.dropped.Load()-before)
	}
	return out.Close()
}
