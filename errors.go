// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package halodb

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("halodb: key not found")
	ErrClosed   = errors.New("halodb: database closed")
	// ErrCorruption is returned when a record fails its checksum.
	ErrCorruption = errors.New("halodb: corrupt record")
	// ErrCapacity is returned by Put when the index can't allocate memory
	// for a new key.
	ErrCapacity      = errors.New("halodb: index out of memory")
	ErrEmptyKey      = errors.New("halodb: empty key")
	ErrKeyTooLarge   = errors.New("halodb: key too large")
	ErrValueTooLarge = errors.New("halodb: value too large for max file size")
)

// ConfigError reports an invalid option.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("halodb: invalid %s: %s", e.Option, e.Reason)
}
