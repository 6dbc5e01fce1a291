// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"bytes"
)

// special case of SplitN that doesn't require allocation
func split2(s []byte, sep byte) (l []byte, r []byte, ok bool) {
	m := bytes.IndexByte(s, sep)
	if m < 0 {
		return nil, nil, false
	}
	return s[:m], s[m+1:], true
}
