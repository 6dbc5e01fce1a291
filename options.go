// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package halodb

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"runtime"
	"time"

	"github.com/bpowers/halodb/internal/index"
	"github.com/bpowers/halodb/internal/offheap"
	"github.com/bpowers/halodb/internal/record"
)

// Options tunes a database.  Start from DefaultOptions: the zero value is
// not valid.
type Options struct {
	// CompactionThresholdPerFile is the fraction of a data file that must
	// be stale before it is compacted.
	CompactionThresholdPerFile float64
	// MaxFileSize is the size at which data files are rotated.
	MaxFileSize int64
	// MaxTombstoneFileSize is the size at which tombstone files are
	// rotated; 0 means MaxFileSize.
	MaxTombstoneFileSize int64
	// FlushDataSizeBytes forces a datasync after this many bytes are
	// written to a file.  -1 leaves flushing to the OS.
	FlushDataSizeBytes int64
	// SyncWrite makes every Put and Delete durable before it returns.
	SyncWrite bool
	// NumberOfRecords is the expected number of keys, used to size the
	// index up front.
	NumberOfRecords int
	// CompactionJobRate bounds compaction copying, in bytes per second.
	CompactionJobRate int64
	// CleanUpInMemoryIndexOnClose frees the index's off-heap memory on
	// Close.  Processes that exit right after Close can skip it.
	CleanUpInMemoryIndexOnClose bool
	// CleanUpTombstonesDuringOpen rewrites tombstone files at open,
	// dropping tombstones that no longer suppress anything.
	CleanUpTombstonesDuringOpen bool
	// UseMemoryPool stores index entries for keys of up to FixedKeySize
	// bytes in fixed slots carved out of MemoryPoolChunkSize chunks.
	UseMemoryPool       bool
	FixedKeySize        int
	MemoryPoolChunkSize int
	// BuildIndexThreads is how many files are scanned concurrently when
	// rebuilding the index at open.
	BuildIndexThreads int
	// CompactionDisabled turns off background compaction.
	CompactionDisabled bool
	// CompactionScanInterval is how often every data file is re-checked
	// for compaction; eligible files are also picked up as soon as they
	// cross the threshold.
	CompactionScanInterval time.Duration
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		CompactionThresholdPerFile:  0.75,
		MaxFileSize:                 1 << 20,
		MaxTombstoneFileSize:        0,
		FlushDataSizeBytes:          -1,
		SyncWrite:                   false,
		NumberOfRecords:             1_000_000,
		CompactionJobRate:           1 << 30,
		CleanUpInMemoryIndexOnClose: false,
		CleanUpTombstonesDuringOpen: false,
		UseMemoryPool:               false,
		FixedKeySize:                127,
		MemoryPoolChunkSize:         16 << 20,
		BuildIndexThreads:           1,
		CompactionDisabled:          false,
		CompactionScanInterval:      time.Minute,
	}
}

// Validate checks every option, returning a *ConfigError for the first
// invalid one.  Values are never adjusted.
func (o Options) Validate() error {
	minFile := int64(record.Size(1, 0))
	if o.MaxFileSize < minFile || o.MaxFileSize > math.MaxInt32 {
		return &ConfigError{Option: "MaxFileSize", Reason: fmt.Sprintf("%d not in [%d, %d]", o.MaxFileSize, minFile, math.MaxInt32)}
	}
	if o.MaxTombstoneFileSize != 0 {
		minTombstone := int64(record.TombstoneSize(1))
		if o.MaxTombstoneFileSize < minTombstone || o.MaxTombstoneFileSize > math.MaxInt32 {
			return &ConfigError{Option: "MaxTombstoneFileSize", Reason: fmt.Sprintf("%d not 0 or in [%d, %d]", o.MaxTombstoneFileSize, minTombstone, math.MaxInt32)}
		}
	} else if o.MaxFileSize < int64(record.TombstoneSize(1)) {
		return &ConfigError{Option: "MaxFileSize", Reason: fmt.Sprintf("%d too small to hold a tombstone", o.MaxFileSize)}
	}
	if math.IsNaN(o.CompactionThresholdPerFile) || o.CompactionThresholdPerFile < 0 || o.CompactionThresholdPerFile > 1 {
		return &ConfigError{Option: "CompactionThresholdPerFile", Reason: fmt.Sprintf("%v not in [0, 1]", o.CompactionThresholdPerFile)}
	}
	if o.FlushDataSizeBytes < -1 || o.FlushDataSizeBytes == 0 {
		return &ConfigError{Option: "FlushDataSizeBytes", Reason: fmt.Sprintf("%d must be -1 or positive", o.FlushDataSizeBytes)}
	}
	if o.NumberOfRecords <= 0 {
		return &ConfigError{Option: "NumberOfRecords", Reason: fmt.Sprintf("%d must be positive", o.NumberOfRecords)}
	}
	if o.CompactionJobRate <= 0 {
		return &ConfigError{Option: "CompactionJobRate", Reason: fmt.Sprintf("%d must be positive", o.CompactionJobRate)}
	}
	if n := runtime.NumCPU(); o.BuildIndexThreads < 1 || o.BuildIndexThreads > n {
		return &ConfigError{Option: "BuildIndexThreads", Reason: fmt.Sprintf("%d not in [1, %d]", o.BuildIndexThreads, n)}
	}
	if o.CompactionScanInterval <= 0 {
		return &ConfigError{Option: "CompactionScanInterval", Reason: fmt.Sprintf("%s must be positive", o.CompactionScanInterval)}
	}
	if o.UseMemoryPool {
		if o.FixedKeySize < 1 || o.FixedKeySize > record.MaxKeyLen {
			return &ConfigError{Option: "FixedKeySize", Reason: fmt.Sprintf("%d not in [1, %d]", o.FixedKeySize, record.MaxKeyLen)}
		}
		need := offheap.MinChunkSize(index.PoolSlotSize(o.FixedKeySize))
		if o.MemoryPoolChunkSize < need || o.MemoryPoolChunkSize > math.MaxInt32 {
			return &ConfigError{Option: "MemoryPoolChunkSize", Reason: fmt.Sprintf("%d not in [%d, %d]", o.MemoryPoolChunkSize, need, math.MaxInt32)}
		}
	}
	return nil
}

func (o Options) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("compactionThresholdPerFile", o.CompactionThresholdPerFile),
		slog.Int64("maxFileSize", o.MaxFileSize),
		slog.Int64("maxTombstoneFileSize", o.MaxTombstoneFileSize),
		slog.Int64("flushDataSizeBytes", o.FlushDataSizeBytes),
		slog.Bool("syncWrite", o.SyncWrite),
		slog.Int("numberOfRecords", o.NumberOfRecords),
		slog.Int64("compactionJobRate", o.CompactionJobRate),
		slog.Bool("cleanUpInMemoryIndexOnClose", o.CleanUpInMemoryIndexOnClose),
		slog.Bool("cleanUpTombstonesDuringOpen", o.CleanUpTombstonesDuringOpen),
		slog.Bool("useMemoryPool", o.UseMemoryPool),
		slog.Int("fixedKeySize", o.FixedKeySize),
		slog.Int("memoryPoolChunkSize", o.MemoryPoolChunkSize),
		slog.Int("buildIndexThreads", o.BuildIndexThreads),
		slog.Bool("compactionDisabled", o.CompactionDisabled),
		slog.Duration("compactionScanInterval", o.CompactionScanInterval),
	)
}

func (o Options) tombstoneFileSize() int64 {
	if o.MaxTombstoneFileSize == 0 {
		return o.MaxFileSize
	}
	return o.MaxTombstoneFileSize
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	opts   Options
	logger *slog.Logger
}

// WithOptions replaces the default Options.
func WithOptions(opts Options) Option {
	return func(o *openOptions) {
		o.opts = opts
	}
}

// WithLogger sets a logger for the database to report recovery,
// compaction and errors on.  If not provided, no logging output will be
// produced.
func WithLogger(logger *slog.Logger) Option {
	return func(o *openOptions) {
		o.logger = logger
	}
}

func resolveOptions(opts []Option) openOptions {
	o := openOptions{
		opts:   DefaultOptions(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
