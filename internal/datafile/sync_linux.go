// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"os"

	"golang.org/x/sys/unix"
)

// datasync flushes file contents (but not necessarily metadata like mtime)
// to stable storage.
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
