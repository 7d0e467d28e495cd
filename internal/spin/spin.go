// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package spin implements the single atomic spinlock primitive the access-set
// protocol and the segment-id stack are built on.
package spin

import (
	"runtime"
	"sync/atomic"
)

// Flag is a word-sized spinlock. Its zero value is unlocked. It must not be
// copied after first use.
type Flag struct {
	state atomic.Bool
}

// Lock spins until the flag is acquired. Contention here is expected to be
// brief: the access-set critical section only copies a handful of words and
// flips a few bits, never blocks on I/O or the batcher condition variable.
func (f *Flag) Lock() {
	for !f.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Unlock releases the flag. Unlocking a flag that isn't held is a caller bug.
func (f *Flag) Unlock() {
	f.state.Store(false)
}
