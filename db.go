// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package halodb is an embedded, log-structured key-value store.
//
// Writes are appended to data files; deletes append tombstones to separate
// tombstone files.  An in-memory hash index, stored off the Go heap, maps
// every live key to its newest record, so reads are a single lookup and a
// single read from a memory-mapped file.  Files whose records are mostly
// superseded are compacted in the background.
package halodb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bpowers/halodb/internal/compaction"
	"github.com/bpowers/halodb/internal/datafile"
	"github.com/bpowers/halodb/internal/index"
	"github.com/bpowers/halodb/internal/meta"
	"github.com/bpowers/halodb/internal/record"
	"github.com/bpowers/halodb/internal/recovery"
)

// DB is an open database directory.  It is safe for concurrent use.
type DB struct {
	dir    string
	opts   Options
	logger *slog.Logger

	files     *datafile.Manager
	idx       *index.Index
	compactor *compaction.Compactor

	// writeMu orders sequence numbers, appends and index updates, so a
	// record is indexed before the file holding it can be sealed.
	writeMu    sync.Mutex
	seq        record.Sequence
	data       *datafile.Appender
	tombstones *datafile.Appender
	ioError    atomic.Bool

	closeMu  sync.RWMutex
	isClosed bool
}

// Open opens (creating if necessary) the database in dir, rebuilding the
// index from the files found there.
func Open(dir string, opts ...Option) (*DB, error) {
	o := resolveOptions(opts)
	if err := o.opts.Validate(); err != nil {
		return nil, err
	}
	logger := o.logger

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll: %w", err)
	}
	prev, found, err := meta.Read(dir)
	if err != nil {
		if errors.Is(err, meta.ErrCorrupt) {
			return nil, fmt.Errorf("%w: %w", ErrCorruption, err)
		}
		return nil, err
	}
	if found {
		if prev.Open {
			logger.Warn("database was not closed cleanly, recovering", "dir", dir)
		}
		if prev.IOError {
			logger.Warn("database saw a write error while last open", "dir", dir)
		}
		if prev.MaxFileSize != o.opts.MaxFileSize {
			logger.Info("max file size changed", "was", prev.MaxFileSize, "now", o.opts.MaxFileSize)
		}
	}

	files, err := datafile.Open(dir, datafile.Options{
		MaxFileSize:          o.opts.MaxFileSize,
		MaxTombstoneFileSize: o.opts.MaxTombstoneFileSize,
		FlushDataSizeBytes:   o.opts.FlushDataSizeBytes,
		SyncWrite:            o.opts.SyncWrite,
		CompactionThreshold:  o.opts.CompactionThresholdPerFile,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}

	idx, err := index.New(index.Options{
		NumberOfRecords:     o.opts.NumberOfRecords,
		UseMemoryPool:       o.opts.UseMemoryPool,
		FixedKeySize:        o.opts.FixedKeySize,
		MemoryPoolChunkSize: o.opts.MemoryPoolChunkSize,
		OnStale: func(loc index.Location) {
			files.MarkStale(loc.FileID, int64(loc.Size))
		},
	})
	if err != nil {
		_ = files.Close()
		return nil, fmt.Errorf("index.New: %w", err)
	}

	d := &DB{
		dir:    dir,
		opts:   o.opts,
		logger: logger,
		files:  files,
		idx:    idx,
	}

	result, err := recovery.Build(context.Background(), files, idx, recovery.Options{
		Threads:           o.opts.BuildIndexThreads,
		CleanUpTombstones: o.opts.CleanUpTombstonesDuringOpen,
		Logger:            logger,
	})
	if err != nil {
		d.abort()
		if errors.Is(err, index.ErrCapacity) {
			return nil, fmt.Errorf("%w: %w", ErrCapacity, err)
		}
		return nil, fmt.Errorf("rebuilding index: %w", err)
	}
	d.seq.Observe(max(result.MaxSequence, prev.Sequence))

	if err := d.writeMeta(true); err != nil {
		d.abort()
		return nil, err
	}

	d.data = files.NewAppender(datafile.RoleData)
	d.tombstones = files.NewAppender(datafile.RoleTombstone)

	if !o.opts.CompactionDisabled {
		d.compactor = compaction.New(files, idx, int(o.opts.MaxFileSize), compaction.Options{
			JobRate:      o.opts.CompactionJobRate,
			ScanInterval: o.opts.CompactionScanInterval,
			Logger:       logger,
		})
		d.compactor.Start(context.Background())
	}

	logger.Info("opened database", "dir", dir, "keys", idx.Len(), "options", o.opts)
	return d, nil
}

func (d *DB) abort() {
	_ = d.idx.Close(true)
	_ = d.files.Close()
}

func (d *DB) writeMeta(open bool) error {
	return meta.Write(d.dir, meta.Meta{
		Open:        open,
		Sequence:    d.seq.Current(),
		MaxFileSize: d.opts.MaxFileSize,
		IOError:     d.ioError.Load(),
	})
}

// validateKey rejects keys that can't be stored, including keys whose
// tombstone wouldn't fit in a tombstone file: such a key could never be
// deleted.
func (d *DB) validateKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > record.MaxKeyLen {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrKeyTooLarge, len(key), record.MaxKeyLen)
	}
	if size, limit := int64(record.TombstoneSize(len(key))), d.opts.tombstoneFileSize(); size > limit {
		return fmt.Errorf("%w: %d byte tombstone, max tombstone file size %d", ErrKeyTooLarge, size, limit)
	}
	return nil
}

// noteWriteError records that an append failed for a reason other than the
// record's size, so the next open knows a write may have been lost.
func (d *DB) noteWriteError(err error) {
	if !errors.Is(err, datafile.ErrRecordTooLarge) {
		d.ioError.Store(true)
	}
}

// Put stores value under key, replacing any previous value.
func (d *DB) Put(key, value []byte) error {
	if err := d.validateKey(key); err != nil {
		return err
	}
	if size := int64(record.Size(len(key), len(value))); size > d.opts.MaxFileSize {
		return fmt.Errorf("%w: %d byte record, max file size %d", ErrValueTooLarge, size, d.opts.MaxFileSize)
	}

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.isClosed {
		return ErrClosed
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	seq := d.seq.Next()
	rec, err := record.Encode(key, value, seq)
	if err != nil {
		return err
	}
	fileID, off, err := d.data.Append(rec)
	if err != nil {
		d.noteWriteError(err)
		return fmt.Errorf("appending record: %w", err)
	}
	loc := index.Location{FileID: fileID, Offset: uint32(off), Size: uint32(len(rec)), Sequence: seq}
	if _, err := d.idx.Put(key, loc); err != nil {
		// the key is new (existing keys never allocate), so suppress the
		// record we just wrote rather than have it reappear at recovery
		d.files.MarkStale(fileID, int64(len(rec)))
		if _, terr := d.appendTombstone(key, fileID); terr != nil {
			d.logger.Error("suppressing unindexed record", "err", terr)
		}
		if errors.Is(err, index.ErrCapacity) {
			return fmt.Errorf("%w: %w", ErrCapacity, err)
		}
		return err
	}
	return nil
}

// appendTombstone writes a tombstone for key with a fresh sequence number,
// which it returns.  Must be called with d.writeMu held.
func (d *DB) appendTombstone(key []byte, deletedFrom uint32) (uint64, error) {
	t := record.Tombstone{
		Key:               key,
		Sequence:          d.seq.Next(),
		DeletedFromFileID: deletedFrom,
		Timestamp:         time.Now().UnixMilli(),
	}
	b, err := record.EncodeTombstone(t)
	if err != nil {
		return 0, err
	}
	if _, _, err := d.tombstones.Append(b); err != nil {
		d.noteWriteError(err)
		return 0, fmt.Errorf("appending tombstone: %w", err)
	}
	return t.Sequence, nil
}

// Get returns the value stored under key, or ErrNotFound.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.isClosed {
		return nil, ErrClosed
	}

	for {
		loc, ok := d.idx.Get(key)
		if !ok {
			return nil, ErrNotFound
		}
		f, ok := d.files.Acquire(loc.FileID)
		if !ok {
			// compaction moved the record and retired the file between
			// our index lookup and now
			if cur, ok := d.idx.Get(key); ok && cur == loc {
				panic(fmt.Errorf("invariant broken: index points %q at file %d, which no longer exists", key, loc.FileID))
			}
			continue
		}
		value, err := d.read(f, key, loc)
		f.Release()
		return value, err
	}
}

func (d *DB) read(f *datafile.File, key []byte, loc index.Location) ([]byte, error) {
	b, err := f.Read(int64(loc.Offset), int(loc.Size))
	if err != nil {
		return nil, err
	}
	r, err := record.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%w: file %d offset %d: %w", ErrCorruption, loc.FileID, loc.Offset, err)
	}
	if !bytes.Equal(r.Key, key) || r.Sequence != loc.Sequence {
		return nil, fmt.Errorf("%w: file %d offset %d holds a different record", ErrCorruption, loc.FileID, loc.Offset)
	}
	// the record may alias the file mapping, which can go away once f
	// is released
	value := make([]byte, len(r.Value))
	copy(value, r.Value)
	return value, nil
}

// Delete removes key.  Deleting a key that doesn't exist is a no-op.
func (d *DB) Delete(key []byte) error {
	if err := d.validateKey(key); err != nil {
		return err
	}

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.isClosed {
		return ErrClosed
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	loc, ok := d.idx.Get(key)
	if !ok {
		return nil
	}
	seq, err := d.appendTombstone(key, loc.FileID)
	if err != nil {
		return err
	}
	d.idx.Remove(key, seq)
	return nil
}

// Close stops compaction, flushes everything to disk and releases the
// database's resources.  Calling Close more than once is a no-op.
func (d *DB) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.isClosed {
		return nil
	}
	d.isClosed = true

	var errs []error
	if d.compactor != nil {
		errs = append(errs, d.compactor.Stop())
	}
	errs = append(errs, d.data.Close(), d.tombstones.Close())
	errs = append(errs, d.writeMeta(false))
	errs = append(errs, d.idx.Close(d.opts.CleanUpInMemoryIndexOnClose))
	errs = append(errs, d.files.Close())
	return errors.Join(errs...)
}

// CompactionStats reports background compaction progress.
type CompactionStats struct {
	FilesCompacted int64
	RecordsCopied  int64
	BytesCopied    int64
	RecordsSkipped int64
	Failures       int64
	Pending        int
}

// Stats is a point-in-time summary of a database.
type Stats struct {
	LiveKeys         int
	DataFiles        int
	TombstoneFiles   int
	DataBytes        int64
	StaleDataBytes   int64
	IndexMemoryBytes int64
	Sequence         uint64
	Compaction       CompactionStats
	Options          Options
}

func (d *DB) Stats() Stats {
	fs := d.files.Stats()
	s := Stats{
		LiveKeys:         d.idx.Len(),
		DataFiles:        fs.DataFiles,
		TombstoneFiles:   fs.TombstoneFiles,
		DataBytes:        fs.DataBytes,
		StaleDataBytes:   fs.StaleDataBytes,
		IndexMemoryBytes: d.idx.MemoryBytes(),
		Sequence:         d.seq.Current(),
		Options:          d.opts,
	}
	if d.compactor != nil {
		cs := d.compactor.Stats()
		s.Compaction = CompactionStats{
			FilesCompacted: cs.FilesCompacted,
			RecordsCopied:  cs.RecordsCopied,
			BytesCopied:    cs.BytesCopied,
			RecordsSkipped: cs.RecordsSkipped,
			Failures:       cs.Failures,
			Pending:        cs.Pending,
		}
	}
	return s
}

// waitForCompaction blocks until the compactor has nothing left to do.
func (d *DB) waitForCompaction(ctx context.Context) error {
	if d.compactor == nil {
		return nil
	}
	return d.compactor.Wait(ctx)
}
