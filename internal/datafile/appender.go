// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"fmt"
	"sync"
)

var ErrRecordTooLarge = errors.New("record larger than max file size")

// Appender appends records to a sequence of files, rotating to a new file
// whenever an append would push the current one past its maximum size.  A
// record is never split across files.
type Appender struct {
	m       *Manager
	role    Role
	maxSize int64

	mu        sync.Mutex
	cur       *File
	unflushed int64
	// broken is set after a failed write: the tail of cur may hold a
	// partial record, so nothing else may be appended after it.
	broken   bool
	isClosed bool
}

// CurrentID returns the id of the file currently being appended to.
func (a *Appender) CurrentID() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return 0, false
	}
	return a.cur.id, true
}

// Append writes rec to the current file and returns where it landed.
func (a *Appender) Append(rec []byte) (fileID uint32, off int64, err error) {
	n := int64(len(rec))
	if n > a.maxSize {
		return 0, 0, fmt.Errorf("%d byte record, max file size %d: %w", n, a.maxSize, ErrRecordTooLarge)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isClosed {
		return 0, 0, ErrClosed
	}

	if a.cur == nil || a.broken || a.cur.Size()+n > a.maxSize {
		if err := a.rotate(); err != nil {
			return 0, 0, err
		}
	}

	f := a.cur
	off = f.Size()
	written, err := f.f.Write(rec)
	if written > 0 {
		f.size.Add(int64(written))
	}
	if err != nil || written != len(rec) {
		a.broken = true
		if err == nil {
			err = fmt.Errorf("short write of %d (wanted %d)", written, len(rec))
		}
		return 0, 0, fmt.Errorf("%s: f.Write: %w", f.path, err)
	}

	a.unflushed += n
	if a.m.opts.SyncWrite || (a.m.opts.FlushDataSizeBytes > 0 && a.unflushed >= a.m.opts.FlushDataSizeBytes) {
		if err := datasync(f.f); err != nil {
			return 0, 0, fmt.Errorf("%s: datasync: %w", f.path, err)
		}
		a.unflushed = 0
	}

	return f.id, off, nil
}

// rotate seals the current file and opens a fresh one.  Must be called
// with a.mu held.
func (a *Appender) rotate() error {
	if a.broken {
		// the tail may hold a partial record, which recovery treats as
		// the end of the file.
		if err := a.sealCurrent(); err != nil {
			a.m.logger.Warn("sealing file after failed write", "role", a.role, "err", err)
		}
	} else if err := a.sealCurrent(); err != nil {
		return err
	}
	f, err := a.m.newFile(a.role)
	if err != nil {
		return err
	}
	a.cur = f
	a.broken = false
	return nil
}

func (a *Appender) sealCurrent() error {
	f := a.cur
	if f == nil {
		return nil
	}
	a.cur = nil
	if a.unflushed > 0 {
		if err := datasync(f.f); err != nil {
			return fmt.Errorf("%s: datasync: %w", f.path, err)
		}
	}
	a.unflushed = 0
	if err := f.seal(); err != nil {
		return err
	}
	if f.Size() == 0 {
		return a.m.Retire(f.id)
	}
	if a.m.EligibleForCompaction(f) {
		a.m.notifyCompactable(f)
	}
	return nil
}

// Flush datasyncs the current file.
func (a *Appender) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return nil
	}
	if err := datasync(a.cur.f); err != nil {
		return fmt.Errorf("%s: datasync: %w", a.cur.path, err)
	}
	a.unflushed = 0
	return nil
}

// Close seals the current file.  Later appends fail.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isClosed {
		return nil
	}
	a.isClosed = true
	return a.sealCurrent()
}
