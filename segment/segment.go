// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the two-version word store and
// the per-word access-set conflict protocol. It is the sub-package a
// Region installs its segment table from.
package segment

import (
	"fmt"
	"sync/atomic"

	"github.com/dreamsxin/dvstm/internal/spin"
	"github.com/dreamsxin/dvstm/types"
)

// Segment owns one dual (RO/RW) buffer pair plus per-word access-set
// metadata. ID is immutable after construction; Freed and written are
// the only fields touched outside the word-level critical sections (and
// outside the single-threaded end-of-epoch window).
type Segment struct {
	id    uint64
	size  uint64
	align uint64

	freed   atomic.Bool
	written atomic.Bool

	locks []spin.Flag
	aset  []uint64

	ro []byte
	rw []byte
}

// New allocates and zeroes a segment of size bytes addressed in align-byte
// words. size must already be validated as a positive multiple
// of align by the caller.
func New(id, size, align uint64) *Segment {
	n := size / align
	return &Segment{
		id:    id,
		size:  size,
		align: align,
		locks: make([]spin.Flag, n),
		aset:  make([]uint64, n),
		ro:    make([]byte, size),
		rw:    make([]byte, size),
	}
}

func (s *Segment) ID() uint64      { return s.id }
func (s *Segment) Freed() bool     { return s.freed.Load() }
func (s *Segment) SetFreed(v bool) { s.freed.Store(v) }
func (s *Segment) Written() bool   { return s.written.Load() }

// wordRange validates and converts a byte range into a [w0, w0+wn) word
// range. It is the one place offset/size arithmetic happens so Read, Write
// and the rollback paths agree on it.
func (s *Segment) wordRange(offset, n uint64) (w0, wn int, err error) {
	if n == 0 || n%s.align != 0 || offset%s.align != 0 {
		return 0, 0, types.ErrNotWordAligned
	}
	if offset+n > s.size {
		return 0, 0, fmt.Errorf("%w: offset=%d size=%d segment size=%d", types.ErrOutOfRange, offset, n, s.size)
	}
	return int(offset / s.align), int(n / s.align), nil
}

// Read performs the read protocol for a read/write transaction
// (txBit = 1<<tx). It returns false on conflict, in which case no lock is
// left held and no byte or access-set bit was mutated.
func (s *Segment) Read(txBit uint64, offset, n uint64, dst []byte) (bool, error) {
	w0, wn, err := s.wordRange(offset, n)
	if err != nil {
		return false, err
	}

	acquired := 0
	conflict := false
	for i := 0; i < wn; i++ {
		s.locks[w0+i].Lock()
		acquired++
		a := s.aset[w0+i]
		if a >= types.Written && a&txBit == 0 {
			conflict = true
			break
		}
	}
	if conflict {
		s.unlockRange(w0, acquired)
		return false, nil
	}

	copy(dst, s.rw[offset:offset+n])
	for i := 0; i < wn; i++ {
		s.aset[w0+i] |= txBit
	}
	s.unlockRange(w0, wn)
	return true, nil
}

// Write performs the write protocol for a read/write transaction.
func (s *Segment) Write(txBit uint64, offset, n uint64, src []byte) (bool, error) {
	w0, wn, err := s.wordRange(offset, n)
	if err != nil {
		return false, err
	}

	acquired := 0
	conflict := false
	for i := 0; i < wn; i++ {
		s.locks[w0+i].Lock()
		acquired++
		a := s.aset[w0+i]
		otherWriter := a >= types.Written && a&txBit == 0
		otherReader := a < types.Written && a&^txBit != 0
		if otherWriter || otherReader {
			conflict = true
			break
		}
	}
	if conflict {
		s.unlockRange(w0, acquired)
		return false, nil
	}

	copy(s.rw[offset:offset+n], src)
	for i := 0; i < wn; i++ {
		s.aset[w0+i] |= types.Written | txBit
	}
	s.unlockRange(w0, wn)
	return true, nil
}

// ReadOnlyRead copies straight out of RO with no locking at all:
// "Read-only transactions (tx >= MAX_RW_TX) skip the lock/access-set path
// entirely and copy from RO." RO is only ever mutated during the
// single-threaded end-of-epoch window so this is safe unsynchronized.
func (s *Segment) ReadOnlyRead(offset, n uint64, dst []byte) error {
	if _, _, err := s.wordRange(offset, n); err != nil {
		return err
	}
	copy(dst, s.ro[offset:offset+n])
	return nil
}

func (s *Segment) unlockRange(w0, wn int) {
	for i := 0; i < wn; i++ {
		s.locks[w0+i].Unlock()
	}
}

// RollbackRead undoes a READ log record on abort: clear this tx's bit
// in every word of the range, nothing else changes.
func (s *Segment) RollbackRead(txBit uint64, offset, n uint64) {
	w0, wn, err := s.wordRange(offset, n)
	if err != nil {
		return // range came from our own log; a bad range here is a bug, not user error
	}
	for i := 0; i < wn; i++ {
		s.locks[w0+i].Lock()
		s.aset[w0+i] &^= txBit
		s.locks[w0+i].Unlock()
	}
}

// RollbackWrite undoes a WRITE log record on abort: copy the recorded
// range back from RO into RW and clear WRITTEN|txBit. Since at most one
// writer per word is ever permitted, no other tx's bits can be present to
// preserve.
func (s *Segment) RollbackWrite(txBit uint64, offset, n uint64) {
	w0, wn, err := s.wordRange(offset, n)
	if err != nil {
		return
	}
	for i := 0; i < wn; i++ {
		s.locks[w0+i].Lock()
		o := uint64(w0+i) * s.align
		copy(s.rw[o:o+s.align], s.ro[o:o+s.align])
		s.aset[w0+i] &^= types.Written | txBit
		s.locks[w0+i].Unlock()
	}
}

// MarkWritten records that a WRITE committed on this segment, so the
// end-of-epoch procedure knows to install it.
func (s *Segment) MarkWritten() { s.written.Store(true) }

// EndOfEpochReset runs the per-segment step for a segment that is not
// being freed this epoch: if it was written, install RW into RO restricted
// to the written words (the "as an optimization" variant),
// clear the written flag; either way zero every access-set word. It must
// only be called from the single-threaded end-of-epoch window.
func (s *Segment) EndOfEpochReset() {
	if s.written.Load() {
		for w := range s.aset {
			if s.aset[w] >= types.Written {
				o := uint64(w) * s.align
				copy(s.ro[o:o+s.align], s.rw[o:o+s.align])
			}
		}
		s.written.Store(false)
	}
	for w := range s.aset {
		s.aset[w] = 0
	}
}
