// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build !linux

package datafile

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
