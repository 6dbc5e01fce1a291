// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package compaction reclaims space from data files that are mostly stale
// by copying their live records to fresh files and deleting the originals.
package compaction

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bpowers/halodb/internal/datafile"
	"github.com/bpowers/halodb/internal/index"
)

const defaultScanInterval = time.Minute

// Index is the part of the key index the compactor needs.
type Index interface {
	Get(key []byte) (index.Location, bool)
	Relocate(key []byte, from, to index.Location) bool
}

// Options configures a Compactor.
type Options struct {
	// JobRate bounds how many bytes per second are copied.
	JobRate int64
	// ScanInterval is how often every data file is re-checked for
	// eligibility, picking up files whose earlier pass failed.
	ScanInterval time.Duration
	Logger       *slog.Logger
}

// Stats counts the compactor's work since it was created.
type Stats struct {
	FilesCompacted int64
	RecordsCopied  int64
	BytesCopied    int64
	RecordsSkipped int64
	Failures       int64
	Pending        int
}

// Compactor runs compaction passes on a single background goroutine.
type Compactor struct {
	m       *datafile.Manager
	idx     Index
	out     *datafile.Appender
	limiter *rate.Limiter
	logger  *slog.Logger
	opts    Options

	mu      sync.Mutex
	queue   []uint32
	queued  map[uint32]bool
	busy    bool
	waiters []chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	wake chan struct{}

	filesCompacted atomic.Int64
	recordsCopied  atomic.Int64
	bytesCopied    atomic.Int64
	recordsSkipped atomic.Int64
	failures       atomic.Int64
}

// New returns a Compactor over m's data files and registers it to be told
// about files that cross the compaction threshold.  Nothing is compacted
// until Start.
func New(m *datafile.Manager, idx Index, maxRecordSize int, opts Options) *Compactor {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = defaultScanInterval
	}
	limit := rate.Inf
	burst := maxRecordSize
	if opts.JobRate > 0 {
		limit = rate.Limit(opts.JobRate)
		if opts.JobRate > int64(burst) {
			burst = int(min(opts.JobRate, math.MaxInt32))
		}
	}

	c := &Compactor{
		m:       m,
		idx:     idx,
		out:     m.NewAppender(datafile.RoleData),
		limiter: rate.NewLimiter(limit, burst),
		logger:  opts.Logger,
		opts:    opts,
		queued:  make(map[uint32]bool),
		wake:    make(chan struct{}, 1),
	}
	m.SetCompactionHook(func(f *datafile.File) {
		c.Submit(f.ID())
	})
	return c
}

// Start launches the compaction goroutine, which first checks every
// existing data file.
func (c *Compactor) Start(ctx context.Context) {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	// queue what is already eligible before returning, so a Wait right
	// after Start covers it
	c.rescan()
	go c.run(ctx)
}

// Stop cancels any pass in progress and waits for the goroutine to exit.
// Files already copied are kept; a partially-processed file is left for a
// later run.
func (c *Compactor) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if done == nil {
		return c.out.Close()
	}
	cancel()
	<-done
	return c.out.Close()
}

// Submit queues a data file for compaction.  It never blocks and ignores
// files that are already queued.
func (c *Compactor) Submit(id uint32) {
	c.mu.Lock()
	if !c.queued[id] {
		c.queued[id] = true
		c.queue = append(c.queue, id)
	}
	c.mu.Unlock()
	c.signal()
}

func (c *Compactor) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the queue is empty and no pass is in progress.
func (c *Compactor) Wait(ctx context.Context) error {
	c.mu.Lock()
	if c.idleLocked() {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Compactor) idleLocked() bool {
	return !c.busy && len(c.queue) == 0
}

func (c *Compactor) Stats() Stats {
	c.mu.Lock()
	pending := len(c.queue)
	c.mu.Unlock()
	return Stats{
		FilesCompacted: c.filesCompacted.Load(),
		RecordsCopied:  c.recordsCopied.Load(),
		BytesCopied:    c.bytesCopied.Load(),
		RecordsSkipped: c.recordsSkipped.Load(),
		Failures:       c.failures.Load(),
		Pending:        pending,
	}
}

// next pops the next queued file, or reports idle and wakes waiters.
func (c *Compactor) next() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if len(c.queue) == 0 {
		for _, ch := range c.waiters {
			close(ch)
		}
		c.waiters = nil
		return 0, false
	}
	id := c.queue[0]
	c.queue = c.queue[1:]
	delete(c.queued, id)
	c.busy = true
	return id, true
}

func (c *Compactor) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.ScanInterval)
	defer ticker.Stop()

	for {
		id, ok := c.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
			case <-ticker.C:
				c.rescan()
			}
			continue
		}

		if err := c.compactFile(ctx, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.failures.Add(1)
			c.logger.Error("compaction failed, will retry", "file", id, "err", err)
		}
	}
}

// rescan queues every eligible data file.
func (c *Compactor) rescan() {
	for _, f := range c.m.Files(datafile.RoleData) {
		if c.m.EligibleForCompaction(f) && !c.m.IsWriting(f.ID()) {
			c.Submit(f.ID())
		}
	}
}

func (c *Compactor) compactFile(ctx context.Context, id uint32) error {
	f, ok := c.m.Acquire(id)
	if !ok {
		// already compacted
		return nil
	}
	defer f.Release()
	if !f.Sealed() || c.m.IsWriting(id) {
		return nil
	}

	start := time.Now()
	var copied, skipped int64
	it := f.Iter()
	for item, ok := it.Next(); ok; item, ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := item.Record.Key
		cur, live := c.idx.Get(key)
		if !live || cur.FileID != id || int64(cur.Offset) != item.Offset {
			skipped++
			continue
		}

		if err := c.limiter.WaitN(ctx, item.Size); err != nil {
			return err
		}
		b, err := f.Read(item.Offset, item.Size)
		if err != nil {
			return err
		}
		newID, off, err := c.out.Append(b)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
		to := index.Location{FileID: newID, Offset: uint32(off), Size: uint32(item.Size)}
		if !c.idx.Relocate(key, cur, to) {
			// overwritten or deleted while we copied it
			c.m.MarkStale(newID, int64(item.Size))
		}
		copied++
		c.bytesCopied.Add(int64(item.Size))
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", f.Path(), err)
	}
	if it.Truncated() {
		c.logger.Warn("compacting file with truncated tail", "file", id, "valid", it.Offset(), "size", f.Size())
	}

	// copies must be durable before the original goes away
	if err := c.out.Flush(); err != nil {
		return err
	}
	if err := c.m.Retire(id); err != nil {
		return err
	}

	c.recordsCopied.Add(copied)
	c.recordsSkipped.Add(skipped)
	c.filesCompacted.Add(1)
	c.logger.Debug("compacted file", "file", id, "copied", copied, "skipped", skipped, "elapsed", time.Since(start))
	return nil
}
