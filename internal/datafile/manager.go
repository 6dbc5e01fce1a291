// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

const tmpSuffix = ".tmp"

// Options configures a Manager.
type Options struct {
	MaxFileSize          int64
	MaxTombstoneFileSize int64
	// FlushDataSizeBytes forces a datasync every time this many bytes have
	// been appended to a file.  -1 leaves flushing to the OS.
	FlushDataSizeBytes int64
	// SyncWrite datasyncs after every append.
	SyncWrite bool
	// CompactionThreshold is the stale ratio at which a sealed data file
	// is reported through the compaction hook.
	CompactionThreshold float64
	Logger              *slog.Logger
}

// Manager owns every data and tombstone file in a directory.
type Manager struct {
	dir    string
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	files     map[uint32]*File
	appenders []*Appender
	isClosed  bool

	nextID      atomic.Uint32
	compactable atomic.Pointer[func(*File)]
}

// Open lists the files in dir (creating it if needed).  Every file found is
// sealed: new appends always go to new files.
func Open(dir string, opts Options) (*Manager, error) {
	if opts.MaxFileSize <= 0 || opts.MaxFileSize > math.MaxInt32 {
		return nil, fmt.Errorf("invalid max file size %d", opts.MaxFileSize)
	}
	if opts.MaxTombstoneFileSize <= 0 {
		opts.MaxTombstoneFileSize = opts.MaxFileSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll: %w", err)
	}

	m := &Manager{
		dir:    dir,
		opts:   opts,
		logger: opts.Logger,
		files:  make(map[uint32]*File),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("os.ReadDir: %w", err)
	}
	var maxID uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)
		if strings.HasSuffix(name, tmpSuffix) {
			m.logger.Info("removing leftover temporary file", "path", path)
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("os.Remove: %w", err)
			}
			continue
		}
		id, role, ok := parseFileName(name)
		if !ok {
			continue
		}
		if id > maxID {
			maxID = id
		}
		f, err := m.openExisting(id, role, path)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		if f == nil {
			continue
		}
		m.files[id] = f
	}
	m.nextID.Store(maxID + 1)

	return m, nil
}

func (m *Manager) openExisting(id uint32, role Role, path string) (*File, error) {
	osFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("os.Open(%s): %w", path, err)
	}
	stat, err := osFile.Stat()
	if err != nil {
		_ = osFile.Close()
		return nil, fmt.Errorf("f.Stat: %w", err)
	}
	if stat.Size() == 0 {
		// nothing was ever appended; the file carries no information
		_ = osFile.Close()
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("os.Remove: %w", err)
		}
		return nil, nil
	}
	f := m.track(newFile(id, role, path, osFile, stat.Size()))
	if err := f.seal(); err != nil {
		_ = osFile.Close()
		return nil, err
	}
	return f, nil
}

func (m *Manager) track(f *File) *File {
	f.destroyed = func(f *File, err error) {
		if err != nil {
			m.logger.Error("cleaning up file", "path", f.path, "err", err)
		} else if f.Retired() {
			m.logger.Debug("deleted file", "path", f.path)
		}
	}
	return f
}

// SetCompactionHook registers fn to be called whenever a sealed data file's
// stale ratio reaches the compaction threshold, or a data file is sealed
// with a ratio already above it.
func (m *Manager) SetCompactionHook(fn func(*File)) {
	m.compactable.Store(&fn)
}

func (m *Manager) notifyCompactable(f *File) {
	if fn := m.compactable.Load(); fn != nil && *fn != nil {
		(*fn)(f)
	}
}

func (m *Manager) newFile(role Role) (*File, error) {
	id := m.nextID.Add(1) - 1
	path := filepath.Join(m.dir, FileName(id, role))
	osFile, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}
	f := m.track(newFile(id, role, path, osFile, 0))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isClosed {
		_ = osFile.Close()
		_ = os.Remove(path)
		return nil, ErrClosed
	}
	m.files[id] = f
	return f, nil
}

// NewAppender returns a writer that appends records of the given role to
// its own sequence of files.
func (m *Manager) NewAppender(role Role) *Appender {
	maxSize := m.opts.MaxFileSize
	if role == RoleTombstone {
		maxSize = m.opts.MaxTombstoneFileSize
	}
	a := &Appender{
		m:       m,
		role:    role,
		maxSize: maxSize,
	}
	m.mu.Lock()
	m.appenders = append(m.appenders, a)
	m.mu.Unlock()
	return a
}

// Get returns the file with the given id.
func (m *Manager) Get(id uint32) (*File, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	return f, ok
}

// Acquire finds a file and takes a reader reference to it.  ok is false if
// the file is unknown or already gone.
func (m *Manager) Acquire(id uint32) (f *File, ok bool) {
	f, known := m.Get(id)
	if !known {
		return nil, false
	}
	if !f.Acquire() {
		return nil, false
	}
	return f, true
}

// Known reports whether the manager has ever tracked id and not yet
// retired it.
func (m *Manager) Known(id uint32) bool {
	_, ok := m.Get(id)
	return ok
}

// Files returns the files of a role in id order.
func (m *Manager) Files(role Role) []*File {
	m.mu.RLock()
	files := make([]*File, 0, len(m.files))
	for _, f := range m.files {
		if f.role == role {
			files = append(files, f)
		}
	}
	m.mu.RUnlock()
	sort.Slice(files, func(i, j int) bool {
		return files[i].id < files[j].id
	})
	return files
}

// MarkStale records that n bytes of file id have been superseded.  It
// returns true if this pushed a sealed data file across the compaction
// threshold.
func (m *Manager) MarkStale(id uint32, n int64) bool {
	f, ok := m.Get(id)
	if !ok {
		return false
	}
	after := f.stale.Add(n)
	if f.role != RoleData || !f.Sealed() {
		return false
	}
	limit := m.opts.CompactionThreshold * float64(f.Size())
	if float64(after-n) < limit && float64(after) >= limit {
		m.notifyCompactable(f)
		return true
	}
	return false
}

// EligibleForCompaction reports whether a data file is sealed and at or
// above the compaction threshold.
func (m *Manager) EligibleForCompaction(f *File) bool {
	return f.role == RoleData && f.Sealed() && !f.Retired() && f.Size() > 0 &&
		f.StaleRatio() >= m.opts.CompactionThreshold
}

// IsWriting reports whether any appender is currently writing to id.
func (m *Manager) IsWriting(id uint32) bool {
	m.mu.RLock()
	appenders := m.appenders
	m.mu.RUnlock()
	for _, a := range appenders {
		if cur, ok := a.CurrentID(); ok && cur == id {
			return true
		}
	}
	return false
}

// Retire removes a file from the manager.  It is deleted from disk once
// every outstanding reader has released it.
func (m *Manager) Retire(id uint32) error {
	m.mu.Lock()
	f, ok := m.files[id]
	if ok {
		delete(m.files, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("retire of unknown file %d", id)
	}
	if !f.Sealed() {
		if err := f.seal(); err != nil {
			return err
		}
	}
	f.retire()
	return nil
}

// Stats summarizes the files a manager tracks.
type Stats struct {
	DataFiles      int
	TombstoneFiles int
	DataBytes      int64
	StaleDataBytes int64
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, f := range m.files {
		switch f.role {
		case RoleData:
			s.DataFiles++
			s.DataBytes += f.Size()
			s.StaleDataBytes += f.StaleBytes()
		case RoleTombstone:
			s.TombstoneFiles++
		}
	}
	return s
}

// Close flushes and closes every appender and file.  Files are left on disk.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.isClosed {
		m.mu.Unlock()
		return nil
	}
	m.isClosed = true
	appenders := m.appenders
	m.appenders = nil
	m.mu.Unlock()

	var errs []error
	for _, a := range appenders {
		errs = append(errs, a.Close())
	}

	m.mu.Lock()
	files := m.files
	m.files = make(map[uint32]*File)
	m.mu.Unlock()
	for _, f := range files {
		// drop the owner reference without unlinking
		if !f.retired.Load() {
			f.Release()
		}
	}
	return errors.Join(errs...)
}

var ErrClosed = errors.New("file manager closed")
