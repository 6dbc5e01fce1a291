// Copyright 2024 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package record

import "sync/atomic"

// Sequence issues strictly increasing sequence numbers.  The zero value is
// ready to use and issues 1 first.
type Sequence struct {
	n atomic.Uint64
}

// Next returns a sequence number greater than every number previously
// returned or observed.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Observe makes sure future numbers are greater than seen.  It is used to
// seed the counter from the records found at open.
func (s *Sequence) Observe(seen uint64) {
	for {
		cur := s.n.Load()
		if cur >= seen || s.n.CompareAndSwap(cur, seen) {
			return
		}
	}
}

// Current returns the most recently issued or observed number.
func (s *Sequence) Current() uint64 {
	return s.n.Load()
}
