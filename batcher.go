// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dvstm

import (
	"sync"
	"time"

	"github.com/dreamsxin/dvstm/types"
)

// batcher is the epoch coordinator. It admits transactions in
// cohorts, blocks newcomers while the current cohort is in flight, and
// releases them together once the cohort drains. It never runs user
// transaction bodies itself: Region wires the end-of-epoch callback
// (installEndOfEpoch) in that serializes with leave() here.
type batcher struct {
	mu   sync.Mutex
	cond *sync.Cond

	epoch     uint64
	rwNext    uint64
	roNext    uint64
	remaining uint64
	blocked   uint64

	maxRWTx uint64

	// endOfEpoch runs once, holding mu, when the last transaction of a cohort
	// leaves. It must not itself touch the batcher's fields.
	endOfEpoch func()

	metrics *regionMetrics
}

func newBatcher(maxRWTx uint64, endOfEpoch func(), metrics *regionMetrics) *batcher {
	b := &batcher{
		roNext:     maxRWTx,
		maxRWTx:    maxRWTx,
		endOfEpoch: endOfEpoch,
		metrics:    metrics,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// enter admits a transaction into the current or next epoch. ok is
// false only when is_ro is false and the r/w cohort is already full; no
// counters are touched in that case and the caller must not call leave.
func (b *batcher) enter(isRO bool) (tx uint64, ok bool) {
	start := time.Now()

	b.mu.Lock()
	snapshotEpoch := b.epoch

	if b.remaining == 0 {
		// Bootstrap: nothing outstanding and nothing parked, so this
		// transaction runs immediately without waiting for a broadcast. It
		// still draws from (and advances) the normal counters so later
		// admissions in the same epoch don't collide with it.
		if isRO {
			tx = b.roNext
			b.roNext++
		} else {
			tx = b.rwNext
			b.rwNext++
		}
		b.remaining = 1
		b.mu.Unlock()
		b.observeBegin(isRO)
		return tx, true
	}

	if isRO {
		tx = b.roNext
		b.roNext++
		b.blocked++
		for b.epoch == snapshotEpoch {
			b.cond.Wait()
		}
		b.mu.Unlock()
		b.recordWait(start)
		b.observeBegin(isRO)
		return tx, true
	}

	if b.rwNext == b.maxRWTx {
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.txRejected.Inc()
		}
		return types.InvalidTx, false
	}

	tx = b.rwNext
	b.rwNext++
	b.blocked++
	for b.epoch == snapshotEpoch {
		b.cond.Wait()
	}
	b.mu.Unlock()
	b.recordWait(start)
	b.observeBegin(isRO)
	return tx, true
}

func (b *batcher) recordWait(start time.Time) {
	if b.metrics != nil {
		b.metrics.recordEpochWait(time.Since(start).Nanoseconds())
	}
}

func (b *batcher) observeBegin(isRO bool) {
	if b.metrics == nil {
		return
	}
	if isRO {
		b.metrics.txBegun.WithLabelValues("ro").Inc()
	} else {
		b.metrics.txBegun.WithLabelValues("rw").Inc()
	}
}

// leave decrements the in-epoch counter and, if this was the last
// transaction out, runs the end-of-epoch procedure and releases the next
// cohort. Per-transaction rollback/finalization must
// already have happened before this is called.
func (b *batcher) leave() {
	b.mu.Lock()
	b.remaining--
	if b.remaining == 0 {
		epochStart := time.Now()
		b.endOfEpoch()
		if b.metrics != nil {
			b.metrics.epochs.Inc()
			b.metrics.epochDuration.Observe(time.Since(epochStart).Seconds())
		}
		b.remaining = b.blocked
		b.blocked = 0
		b.rwNext = 0
		b.roNext = b.maxRWTx
		b.epoch++
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// currentEpoch returns the current epoch number. Used by tests to assert
// epoch monotonicity; Region.Epoch exposes it publicly.
func (b *batcher) currentEpoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}
