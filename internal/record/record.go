// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package record encodes and decodes the records stored in data and
// tombstone files.
//
// A data record has a fixed 18-byte header followed by the key and value:
//
//	 0    1    2    3    4    5    6    7
//	+----+----+----+----+----+----+----+----+
//	| checksum          |flag|klen| vlen... |
//	+----+----+----+----+----+----+----+----+
//	|...vlen | sequence number ...          |
//	+----+----+----+----+----+----+----+----+
//	|...seq  | key...        | value...     |
//	+----+----+----+----+----+----+----+----+
//
// A tombstone record has a fixed 26-byte header followed by the key:
//
//	[checksum:4][flags:1][klen:1][seq:8][deletedFromFileID:4][timestamp:8][key]
//
// All integers are little endian.  The checksum covers every byte after
// the checksum itself, so a record is either validated in full or rejected.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgryski/go-farm"
)

const (
	HeaderSize          = 4 + 1 + 1 + 4 + 8
	TombstoneHeaderSize = 4 + 1 + 1 + 8 + 4 + 8

	MaxKeyLen = (1 << 8) - 1

	flagsOff    = 4
	keyLenOff   = 5
	valueLenOff = 6
	seqOff      = 10

	tombstoneSeqOff       = 6
	tombstoneFileIDOff    = 14
	tombstoneTimestampOff = 18
)

// Flags is a bitset stored in every record header.
type Flags uint8

const (
	FlagTombstone Flags = 1 << iota
)

var (
	ErrChecksum      = errors.New("record checksum mismatch")
	ErrEmptyKey      = errors.New("empty key not supported")
	ErrKeyTooLarge   = fmt.Errorf("keys are limited to %d bytes", MaxKeyLen)
	ErrValueTooLarge = errors.New("value too large")
	ErrShortBuffer   = errors.New("buffer too short for record")
	ErrNotTombstone  = errors.New("record is not a tombstone")
	ErrIsTombstone   = errors.New("record is a tombstone")
)

// Record is a decoded data record.  Key and Value alias the buffer passed to
// Decode.
type Record struct {
	Key      []byte
	Value    []byte
	Sequence uint64
	Flags    Flags
}

// Size returns the encoded size of the record.
func (r Record) Size() int {
	return Size(len(r.Key), len(r.Value))
}

// Size returns the encoded size of a data record with the given key and
// value lengths.
func Size(keyLen, valueLen int) int {
	return HeaderSize + keyLen + valueLen
}

// Header is the fixed-size prefix of a data record.
type Header struct {
	Checksum uint32
	Flags    Flags
	KeyLen   int
	ValueLen int
	Sequence uint64
}

// RecordSize returns the size of the full record this header describes.
func (h Header) RecordSize() int {
	return Size(h.KeyLen, h.ValueLen)
}

func checksum(b []byte) uint32 {
	return uint32(farm.Hash64(b[4:]))
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("key of %d bytes: %w", len(key), ErrKeyTooLarge)
	}
	return nil
}

// Encode returns the encoded data record.
func Encode(key, value []byte, seq uint64) ([]byte, error) {
	b := make([]byte, Size(len(key), len(value)))
	if _, err := EncodeTo(b, key, value, seq); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeTo encodes a data record into b, which must be at least
// Size(len(key), len(value)) bytes, and returns the number of bytes written.
func EncodeTo(b []byte, key, value []byte, seq uint64) (int, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if uint64(len(value)) > uint64(^uint32(0)) {
		return 0, fmt.Errorf("value of %d bytes: %w", len(value), ErrValueTooLarge)
	}
	n := Size(len(key), len(value))
	if len(b) < n {
		return 0, ErrShortBuffer
	}
	b = b[:n]
	b[flagsOff] = 0
	b[keyLenOff] = uint8(len(key))
	binary.LittleEndian.PutUint32(b[valueLenOff:seqOff], uint32(len(value)))
	binary.LittleEndian.PutUint64(b[seqOff:HeaderSize], seq)
	copy(b[HeaderSize:], key)
	copy(b[HeaderSize+len(key):], value)
	binary.LittleEndian.PutUint32(b[:4], checksum(b))
	return n, nil
}

// DecodeHeader parses a data record header without validating the checksum;
// it is used to learn how many bytes to read for the full record.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	h := Header{
		Checksum: binary.LittleEndian.Uint32(b[:4]),
		Flags:    Flags(b[flagsOff]),
		KeyLen:   int(b[keyLenOff]),
		ValueLen: int(binary.LittleEndian.Uint32(b[valueLenOff:seqOff])),
		Sequence: binary.LittleEndian.Uint64(b[seqOff:HeaderSize]),
	}
	if h.Flags&FlagTombstone != 0 {
		return Header{}, ErrIsTombstone
	}
	if h.KeyLen == 0 {
		// a zero-length key never gets written, so this is either
		// corruption or zeroed space past the end of the file
		return Header{}, ErrChecksum
	}
	return h, nil
}

// Decode parses and validates a full data record at the start of b.  The
// returned key and value alias b.
func Decode(b []byte) (Record, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Record{}, err
	}
	n := h.RecordSize()
	if len(b) < n {
		return Record{}, ErrShortBuffer
	}
	b = b[:n]
	if actual := checksum(b); actual != h.Checksum {
		return Record{}, fmt.Errorf("checksum failed (%d != %d): %w", h.Checksum, actual, ErrChecksum)
	}
	return Record{
		Key:      b[HeaderSize : HeaderSize+h.KeyLen],
		Value:    b[HeaderSize+h.KeyLen : n],
		Sequence: h.Sequence,
		Flags:    h.Flags,
	}, nil
}
