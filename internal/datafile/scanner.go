// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"github.com/bpowers/halodb/internal/record"
)

// IterItem is a data record and where it lives.
type IterItem struct {
	Record record.Record
	Offset int64
	Size   int
}

// Iter iterates over the records in a data file in offset order.  It stops
// at the first record that fails validation: a partially-written tail is
// the logical end of the file.
type Iter struct {
	f         *File
	off       int64
	truncated bool
	err       error
}

// Iter returns an iterator over a data file's records.  The caller must
// hold a reference to f for as long as it uses the iterator and the
// records it returns.
func (f *File) Iter() *Iter {
	return &Iter{f: f}
}

func (i *Iter) Next() (IterItem, bool) {
	size := i.f.Size()
	if i.truncated || i.err != nil || i.off >= size {
		return IterItem{}, false
	}
	if size-i.off < record.HeaderSize {
		i.truncated = true
		return IterItem{}, false
	}
	hb, err := i.f.Read(i.off, record.HeaderSize)
	if err != nil {
		i.err = err
		return IterItem{}, false
	}
	h, err := record.DecodeHeader(hb)
	if err != nil {
		i.truncated = true
		return IterItem{}, false
	}
	n := h.RecordSize()
	if int64(n) > size-i.off {
		i.truncated = true
		return IterItem{}, false
	}
	b, err := i.f.Read(i.off, n)
	if err != nil {
		i.err = err
		return IterItem{}, false
	}
	r, err := record.Decode(b)
	if err != nil {
		i.truncated = true
		return IterItem{}, false
	}
	item := IterItem{Record: r, Offset: i.off, Size: n}
	i.off += int64(n)
	return item, true
}

// Truncated reports whether iteration ended on bytes that are not a valid
// record, rather than at the end of the file.
func (i *Iter) Truncated() bool {
	return i.truncated
}

// Offset returns where the iterator stopped; for a truncated file it is the
// end of the valid data.
func (i *Iter) Offset() int64 {
	return i.off
}

// Err returns an I/O error that stopped iteration, if any.
func (i *Iter) Err() error {
	return i.err
}

// TombstoneItem is a tombstone record and where it lives.
type TombstoneItem struct {
	Tombstone record.Tombstone
	Offset    int64
	Size      int
}

// TombstoneIter iterates over the records in a tombstone file; it follows
// the same truncation rules as Iter.
type TombstoneIter struct {
	f         *File
	off       int64
	truncated bool
	err       error
}

func (f *File) TombstoneIter() *TombstoneIter {
	return &TombstoneIter{f: f}
}

func (i *TombstoneIter) Next() (TombstoneItem, bool) {
	size := i.f.Size()
	if i.truncated || i.err != nil || i.off >= size {
		return TombstoneItem{}, false
	}
	if size-i.off < record.TombstoneHeaderSize {
		i.truncated = true
		return TombstoneItem{}, false
	}
	hb, err := i.f.Read(i.off, record.TombstoneHeaderSize)
	if err != nil {
		i.err = err
		return TombstoneItem{}, false
	}
	n, err := record.TombstoneLen(hb)
	if err != nil || int64(n) > size-i.off {
		i.truncated = true
		return TombstoneItem{}, false
	}
	b, err := i.f.Read(i.off, n)
	if err != nil {
		i.err = err
		return TombstoneItem{}, false
	}
	t, err := record.DecodeTombstone(b)
	if err != nil {
		i.truncated = true
		return TombstoneItem{}, false
	}
	item := TombstoneItem{Tombstone: t, Offset: i.off, Size: n}
	i.off += int64(n)
	return item, true
}

func (i *TombstoneIter) Truncated() bool {
	return i.truncated
}

func (i *TombstoneIter) Offset() int64 {
	return i.off
}

func (i *TombstoneIter) Err() error {
	return i.err
}
