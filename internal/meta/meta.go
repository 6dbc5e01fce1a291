// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package meta reads and writes the small file describing a database
// directory as a whole: its format version, whether it was closed
// cleanly, and the last sequence number handed out.
package meta

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgryski/go-farm"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	FileName = "META"

	Magic         uint32 = 0x48414c4f // "HALO"
	FormatVersion uint32 = 1

	checksumSize = 4
)

const (
	fieldMagic protowire.Number = iota + 1
	fieldFormatVersion
	fieldOpen
	fieldSequence
	fieldMaxFileSize
	fieldIOError
)

var (
	ErrCorrupt = errors.New("corrupt metadata file")
	ErrVersion = errors.New("unsupported format version")
)

// Meta is the contents of the META file.
type Meta struct {
	FormatVersion uint32
	// Open is set while a process has the directory open; finding it set
	// at open means the last process did not shut down cleanly.
	Open        bool
	Sequence    uint64
	MaxFileSize int64
	// IOError is set if a write failed at some point while open.
	IOError bool
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// Marshal encodes m as a protobuf message followed by a checksum of it.
func Marshal(m Meta) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMagic, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, Magic)
	b = protowire.AppendTag(b, fieldFormatVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.FormatVersion))
	b = appendBool(b, fieldOpen, m.Open)
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Sequence)
	b = protowire.AppendTag(b, fieldMaxFileSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.MaxFileSize))
	b = appendBool(b, fieldIOError, m.IOError)
	return appendChecksum(b)
}

func appendChecksum(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(farm.Hash64(b)))
}

// Unmarshal decodes a META file.  Unknown fields are skipped.
func Unmarshal(b []byte) (Meta, error) {
	if len(b) < checksumSize {
		return Meta{}, fmt.Errorf("%d byte file: %w", len(b), ErrCorrupt)
	}
	body, sum := b[:len(b)-checksumSize], binary.LittleEndian.Uint32(b[len(b)-checksumSize:])
	if uint32(farm.Hash64(body)) != sum {
		return Meta{}, fmt.Errorf("checksum mismatch: %w", ErrCorrupt)
	}

	var m Meta
	var sawMagic bool
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return Meta{}, fmt.Errorf("tag: %w: %w", protowire.ParseError(n), ErrCorrupt)
		}
		body = body[n:]

		switch {
		case num == fieldMagic && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(body)
			if n < 0 {
				return Meta{}, fmt.Errorf("magic: %w: %w", protowire.ParseError(n), ErrCorrupt)
			}
			if v != Magic {
				return Meta{}, fmt.Errorf("bad magic %#x: %w", v, ErrCorrupt)
			}
			sawMagic = true
			body = body[n:]
		case typ == protowire.VarintType && num >= fieldFormatVersion && num <= fieldIOError:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return Meta{}, fmt.Errorf("field %d: %w: %w", num, protowire.ParseError(n), ErrCorrupt)
			}
			body = body[n:]
			switch num {
			case fieldFormatVersion:
				m.FormatVersion = uint32(v)
			case fieldOpen:
				m.Open = v != 0
			case fieldSequence:
				m.Sequence = v
			case fieldMaxFileSize:
				m.MaxFileSize = int64(v)
			case fieldIOError:
				m.IOError = v != 0
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return Meta{}, fmt.Errorf("field %d: %w: %w", num, protowire.ParseError(n), ErrCorrupt)
			}
			body = body[n:]
		}
	}
	if !sawMagic {
		return Meta{}, fmt.Errorf("missing magic: %w", ErrCorrupt)
	}
	if m.FormatVersion != FormatVersion {
		return Meta{}, fmt.Errorf("version %d: %w", m.FormatVersion, ErrVersion)
	}
	return m, nil
}

// Read loads dir's META file.  ok is false if there is none yet.
func Read(dir string) (m Meta, ok bool, err error) {
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, false, nil
	} else if err != nil {
		return Meta{}, false, fmt.Errorf("os.ReadFile: %w", err)
	}
	m, err = Unmarshal(b)
	if err != nil {
		return Meta{}, false, err
	}
	return m, true, nil
}

// Write atomically replaces dir's META file.
func Write(dir string, m Meta) error {
	m.FormatVersion = FormatVersion
	path := filepath.Join(dir, FileName)
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("os.OpenFile: %w", err)
	}
	if _, err := f.Write(Marshal(m)); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("f.Write: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("f.Sync: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("f.Close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("os.Rename: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("os.Open: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("dir.Sync: %w", err)
	}
	return nil
}
