// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dvstm

import (
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/dvstm/types"
)

// Begin admits a transaction. It returns ok=false, tx=types.InvalidTx when
// the region has been destroyed, or when is_ro is false and the
// read/write cohort for the current epoch is full; the caller must not
// call End in either case.
func (r *Region) Begin(isRO bool) (tx uint64, ok bool) {
	if r.destroyed.Load() {
		level.Warn(r.logger).Log("msg", "begin on destroyed region", "err", types.ErrRegionDestroyed)
		return types.InvalidTx, false
	}
	return r.batcher.enter(isRO)
}

// End commits tx: it runs the leave procedure with committed=true and
// always succeeds.
func (r *Region) End(tx uint64) bool {
	r.leave(tx, true)
	r.metrics.txCommitted.Inc()
	return true
}

// abort runs the leave procedure with committed=false and records why,
// for every op that detects a failure itself.
func (r *Region) abort(tx uint64, reason string) {
	r.leave(tx, false)
	r.metrics.txAborted.WithLabelValues(reason).Inc()
}

// Read copies n bytes starting at src into dst. n must be a
// positive multiple of Align() and the range must lie within its segment.
// On conflict it aborts tx itself and returns false; the caller must not
// retry within the same transaction.
func (r *Region) Read(tx uint64, src types.Address, n uint64, dst []byte) bool {
	if types.IsReadOnly(tx, r.maxRWTx) {
		seg, ok := r.getSegment(src.SegID())
		if !ok {
			r.abort(tx, "invalid_range")
			return false
		}
		if err := seg.ReadOnlyRead(src.Offset(), n, dst); err != nil {
			r.abort(tx, "invalid_range")
			return false
		}
		return true
	}

	if !r.checkRWTx(tx) {
		return false
	}

	seg, ok := r.getSegment(src.SegID())
	if !ok {
		r.abort(tx, "invalid_range")
		return false
	}

	ok, err := seg.Read(txBit(tx), src.Offset(), n, dst)
	if err != nil {
		r.abort(tx, "invalid_range")
		return false
	}
	if !ok {
		r.abort(tx, "conflict")
		return false
	}

	r.appendLog(tx, types.OpRecord{Kind: types.OpRead, SegID: src.SegID(), Offset: src.Offset(), Size: n})
	return true
}

// Write copies n bytes from src into dst (the target address).
// Symmetric to Read; read-only transactions never call this.
func (r *Region) Write(tx uint64, dst types.Address, n uint64, src []byte) bool {
	if !r.checkRWTx(tx) {
		return false
	}

	seg, ok := r.getSegment(dst.SegID())
	if !ok {
		r.abort(tx, "invalid_range")
		return false
	}

	ok, err := seg.Write(txBit(tx), dst.Offset(), n, src)
	if err != nil {
		r.abort(tx, "invalid_range")
		return false
	}
	if !ok {
		r.abort(tx, "conflict")
		return false
	}

	r.appendLog(tx, types.OpRecord{Kind: types.OpWrite, SegID: dst.SegID(), Offset: dst.Offset(), Size: n})
	return true
}

// Alloc reserves a new segment of n bytes. n must be a positive
// multiple of Align(). An invalid n or a full segment table yields
// AllocAbort. AllocNoMem means the transaction continues aborted the same
// as AllocAbort; both leave tx already left.
func (r *Region) Alloc(tx uint64, n uint64) (types.Address, types.AllocResult) {
	if !r.checkRWTx(tx) {
		return types.InvalidAddress, types.AllocAbort
	}
	if n == 0 || n%r.align != 0 {
		r.abort(tx, "invalid_range")
		return types.InvalidAddress, types.AllocAbort
	}

	seg, ok := r.allocSegment(n)
	if !ok {
		level.Warn(r.logger).Log("msg", "segment table full", "tx", tx)
		r.abort(tx, "resource")
		return types.InvalidAddress, types.AllocAbort
	}

	r.metrics.segmentsAllocated.Inc()
	r.appendLog(tx, types.OpRecord{Kind: types.OpAlloc, SegID: seg.ID()})
	return types.NewAddress(seg.ID(), 0), types.AllocSuccess
}

// Free marks a segment for deferred deallocation at the next end-of-epoch
// boundary. The first segment can never be freed.
func (r *Region) Free(tx uint64, addr types.Address) bool {
	if !r.checkRWTx(tx) {
		return false
	}

	segID := addr.SegID()
	if segID == types.FirstSeg {
		r.abort(tx, "invalid_free")
		return false
	}
	if _, ok := r.getSegment(segID); !ok {
		r.abort(tx, "invalid_range")
		return false
	}

	r.appendLog(tx, types.OpRecord{Kind: types.OpFree, SegID: segID})
	return true
}

// checkRWTx reports whether tx identifies a read/write transaction
// currently between admission and leave. It logs and returns false for an
// out-of-range id or one whose leave has already run, without touching the
// batcher: the transaction already left, so leave must not run for it a
// second time.
func (r *Region) checkRWTx(tx uint64) bool {
	if tx >= r.maxRWTx || r.left[tx] {
		level.Warn(r.logger).Log("msg", "op on unadmitted tx", "tx", tx, "err", types.ErrTxNotFound)
		return false
	}
	return true
}

func txBit(tx uint64) uint64 { return uint64(1) << tx }

func (r *Region) appendLog(tx uint64, rec types.OpRecord) {
	r.log[tx] = append(r.log[tx], rec)
}

// leave runs the per-transaction leave/rollback procedure, then hands
// off to the batcher for the epoch-counter bookkeeping (and, if this is the
// last transaction out, the end-of-epoch procedure). Read-only
// transactions never touched the access-set protocol or the log, so their
// leave is just the batcher handoff.
func (r *Region) leave(tx uint64, committed bool) {
	if !types.IsReadOnly(tx, r.maxRWTx) {
		r.finalizeLog(tx, committed)
		r.left[tx] = true
	}
	r.batcher.leave()
}

// finalizeLog walks log[tx] and applies the rollback/commit-finalize
// rules for each record kind, then frees the log.
func (r *Region) finalizeLog(tx uint64, committed bool) {
	bit := txBit(tx)
	for _, rec := range r.log[tx] {
		switch rec.Kind {
		case types.OpRead:
			if !committed {
				if seg, ok := r.getSegment(rec.SegID); ok {
					seg.RollbackRead(bit, rec.Offset, rec.Size)
				}
			}
		case types.OpWrite:
			if seg, ok := r.getSegment(rec.SegID); ok {
				if committed {
					seg.MarkWritten()
				} else {
					seg.RollbackWrite(bit, rec.Offset, rec.Size)
				}
			}
		case types.OpAlloc:
			if !committed {
				if seg, ok := r.getSegment(rec.SegID); ok {
					seg.SetFreed(true)
				}
			}
		case types.OpFree:
			if committed {
				if seg, ok := r.getSegment(rec.SegID); ok {
					seg.SetFreed(true)
				}
			}
		}
	}
	r.log[tx] = nil
}
