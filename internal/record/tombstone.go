// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package record

import (
	"encoding/binary"
	"fmt"
)

// Tombstone marks a key as deleted as of Sequence.
type Tombstone struct {
	Key      []byte
	Sequence uint64
	// DeletedFromFileID is the data file holding the record that was live
	// when the delete happened.
	DeletedFromFileID uint32
	// Timestamp is unix milliseconds at the time of the delete.
	Timestamp int64
}

// TombstoneSize returns the encoded size of a tombstone for a key of keyLen
// bytes.
func TombstoneSize(keyLen int) int {
	return TombstoneHeaderSize + keyLen
}

// Size returns the encoded size of the tombstone.
func (t Tombstone) Size() int {
	return TombstoneSize(len(t.Key))
}

// EncodeTombstone returns the encoded tombstone record.
func EncodeTombstone(t Tombstone) ([]byte, error) {
	if err := validateKey(t.Key); err != nil {
		return nil, err
	}
	b := make([]byte, t.Size())
	b[flagsOff] = uint8(FlagTombstone)
	b[keyLenOff] = uint8(len(t.Key))
	binary.LittleEndian.PutUint64(b[tombstoneSeqOff:tombstoneFileIDOff], t.Sequence)
	binary.LittleEndian.PutUint32(b[tombstoneFileIDOff:tombstoneTimestampOff], t.DeletedFromFileID)
	binary.LittleEndian.PutUint64(b[tombstoneTimestampOff:TombstoneHeaderSize], uint64(t.Timestamp))
	copy(b[TombstoneHeaderSize:], t.Key)
	binary.LittleEndian.PutUint32(b[:4], checksum(b))
	return b, nil
}

// TombstoneLen returns the full size of the tombstone starting at b, based
// on its header alone.
func TombstoneLen(b []byte) (int, error) {
	if len(b) < TombstoneHeaderSize {
		return 0, ErrShortBuffer
	}
	if Flags(b[flagsOff])&FlagTombstone == 0 {
		return 0, ErrNotTombstone
	}
	keyLen := int(b[keyLenOff])
	if keyLen == 0 {
		return 0, ErrChecksum
	}
	return TombstoneSize(keyLen), nil
}

// DecodeTombstone parses and validates the tombstone at the start of b.  The
// returned key aliases b.
func DecodeTombstone(b []byte) (Tombstone, error) {
	n, err := TombstoneLen(b)
	if err != nil {
		return Tombstone{}, err
	}
	if len(b) < n {
		return Tombstone{}, ErrShortBuffer
	}
	b = b[:n]
	expected := binary.LittleEndian.Uint32(b[:4])
	if actual := checksum(b); actual != expected {
		return Tombstone{}, fmt.Errorf("tombstone checksum failed (%d != %d): %w", expected, actual, ErrChecksum)
	}
	return Tombstone{
		Key:               b[TombstoneHeaderSize:n],
		Sequence:          binary.LittleEndian.Uint64(b[tombstoneSeqOff:tombstoneFileIDOff]),
		DeletedFromFileID: binary.LittleEndian.Uint32(b[tombstoneFileIDOff:tombstoneTimestampOff]),
		Timestamp:         int64(binary.LittleEndian.Uint64(b[tombstoneTimestampOff:TombstoneHeaderSize])),
	}, nil
}
