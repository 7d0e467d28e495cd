// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dvstm

import (
	"sync/atomic"
	"unsafe"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/dvstm/internal/spin"
	"github.com/dreamsxin/dvstm/segment"
	"github.com/dreamsxin/dvstm/types"
)

// segmentTable is the type stored in Region.segments. Using an
// immutable.SortedMap swapped under an atomic.Value gives readers on any
// goroutine a lock-free,
// point-in-time view, and the table only actually changes under
// Region.idMu (alloc installs) or during the single-threaded end-of-epoch window
// (free reclaims).
type segmentTable = immutable.SortedMap[uint64, *segment.Segment]

// Region is one DV-STM instance: one Batcher, a fixed-capacity segment
// table and a per-transaction operation log table.
type Region struct {
	align uint64
	size  uint64 // byte size of the first (non-freeable) segment
	start types.Address

	batcher *batcher

	// idMu serializes the segment-id stack together with
	// publishing the resulting change into segments, so that two concurrent
	// allocs (or an alloc racing the end-of-epoch reclaim) never lose an
	// update to the CoW segment table.
	idMu     spin.Flag
	segments atomic.Value // *segmentTable
	idPool   *idPool

	// log[tx] is the operation-record sequence for read/write transaction
	// tx. It is appended to only by the goroutine that owns tx
	// between begin and leave, so no lock is needed on the slice itself.
	log [][]types.OpRecord

	// left[tx] marks that tx's leave has already run this epoch, so a
	// stray op on it can be rejected (types.ErrTxNotFound) instead of
	// running leave a second time. Same single-writer-per-tx discipline
	// as log.
	left []bool

	maxRWTx uint64
	reg     prometheus.Registerer
	metrics *regionMetrics
	logger  log.Logger

	destroyed atomic.Bool
}

// Create allocates a new Region with a first segment of size bytes,
// addressed in align-byte words. align must be a power of two no smaller
// than the pointer width and size a positive multiple of align.
func Create(size, align uint64, opts ...Option) (*Region, error) {
	if err := validateSizeAlign(size, align); err != nil {
		return nil, err
	}

	r := &Region{
		align:   align,
		size:    size,
		maxRWTx: types.MaxRWTx,
		logger:  log.NewNopLogger(),
		reg:     prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.metrics = newRegionMetrics(r.reg)
	r.idPool = newIDPool(types.MaxSeg)
	r.log = make([][]types.OpRecord, r.maxRWTx)
	r.left = make([]bool, r.maxRWTx)
	r.batcher = newBatcher(r.maxRWTx, r.installEndOfEpoch, r.metrics)

	first := segment.New(types.FirstSeg, size, align)
	segs := &segmentTable{}
	segs = segs.Set(types.FirstSeg, first)
	r.segments.Store(segs)
	r.start = types.NewAddress(types.FirstSeg, 0)

	level.Debug(r.logger).Log("msg", "region created", "size", size, "align", align, "max_rw_tx", r.maxRWTx)
	return r, nil
}

func validateSizeAlign(size, align uint64) error {
	if align == 0 || align&(align-1) != 0 || align < uint64(unsafe.Sizeof(uintptr(0))) {
		return types.ErrInvalidAlign
	}
	if size == 0 || size%align != 0 {
		return types.ErrInvalidSize
	}
	return nil
}

// Destroy tears down the region. The caller must ensure no transaction is
// currently running; destroying a region with an in-flight transaction
// is undefined the same way freeing a raft WAL's files out from under an
// open reader would be.
func (r *Region) Destroy() {
	if r.destroyed.Swap(true) {
		return
	}
	level.Debug(r.logger).Log("msg", "region destroyed")
}

// Start returns the opaque address of the first, non-freeable segment.
func (r *Region) Start() types.Address { return r.start }

// Size returns the byte size of the first segment.
func (r *Region) Size() uint64 { return r.size }

// Align returns the region's word size in bytes.
func (r *Region) Align() uint64 { return r.align }

// Epoch returns the current epoch number. Useful to callers instrumenting
// or testing a region.
func (r *Region) Epoch() uint64 { return r.batcher.currentEpoch() }

// Metrics returns the region's prometheus.Registerer so callers can expose
// it on their own /metrics endpoint rather than owning the HTTP surface
// itself.
func (r *Region) Metrics() prometheus.Registerer { return r.reg }

// EpochWaitPercentile reports a percentile (0..100) of how long admitted
// transactions have spent parked in Begin waiting for the next epoch
// boundary, in nanoseconds. Used by the bench/ load generator to report
// tail latency alongside throughput.
func (r *Region) EpochWaitPercentile(p float64) int64 {
	return r.metrics.EpochWaitPercentile(p)
}

func (r *Region) loadSegments() *segmentTable {
	return r.segments.Load().(*segmentTable)
}

func (r *Region) getSegment(id uint64) (*segment.Segment, bool) {
	return r.loadSegments().Get(id)
}

// allocSegment pops a free id, builds a segment and publishes it into the
// table, all under idMu so concurrent allocs in the same epoch can't lose
// each other's update to the CoW segment table. Returns ok=false if
// the table is full (ABORT_ALLOC).
func (r *Region) allocSegment(size uint64) (*segment.Segment, bool) {
	r.idMu.Lock()
	defer r.idMu.Unlock()

	id, ok := r.idPool.pop()
	if !ok {
		return nil, false
	}
	s := segment.New(id, size, r.align)
	segs := r.loadSegments()
	segs = segs.Set(id, s)
	r.segments.Store(segs)
	return s, true
}

// reclaimSegment drops a freed/aborted segment from the table and returns
// its id to the pool, under idMu for the same reason as allocSegment. Only
// called from the single-threaded end-of-epoch window, so contention here
// is never real, just consistent.
func (r *Region) reclaimSegment(id uint64) {
	r.idMu.Lock()
	defer r.idMu.Unlock()

	segs := r.loadSegments()
	segs = segs.Delete(id)
	r.segments.Store(segs)
	r.idPool.push(id)
}

// installEndOfEpoch is the end-of-epoch procedure, run by the batcher
// while holding its mutex (i.e. single-threaded: remaining == 0 here).
func (r *Region) installEndOfEpoch() {
	segs := r.loadSegments()
	reclaimed := 0
	installed := 0

	it := segs.Iterator()
	for !it.Done() {
		id, seg, _ := it.Next()
		if id == types.FirstSeg {
			// Bootstrap segment is never freeable; it can still be written.
			if seg.Written() {
				installed++
			}
			seg.EndOfEpochReset()
			continue
		}
		if seg.Freed() {
			r.reclaimSegment(id)
			reclaimed++
			continue
		}
		if seg.Written() {
			installed++
		}
		seg.EndOfEpochReset()
	}

	for tx := range r.log {
		r.log[tx] = nil
		r.left[tx] = false
	}

	if reclaimed > 0 {
		r.metrics.segmentsFreed.Add(float64(reclaimed))
	}
	level.Debug(r.logger).Log("msg", "end of epoch", "segments_installed", installed, "segments_reclaimed", reclaimed)
}

// idPool is the stack of reusable segment ids, preloaded with every id in
// [FIRST_SEG+1, MaxSeg). Slot 0 is never used and FIRST_SEG is installed
// directly by Create and never returned to the pool. Its methods assume the caller
// already holds Region.idMu; it has no locking of its own.
type idPool struct {
	ids []uint64
}

func newIDPool(maxSeg uint64) *idPool {
	p := &idPool{ids: make([]uint64, 0, maxSeg-types.FirstSeg-1)}
	for id := uint64(types.FirstSeg + 1); id < maxSeg; id++ {
		p.ids = append(p.ids, id)
	}
	return p
}

func (p *idPool) pop() (uint64, bool) {
	if len(p.ids) == 0 {
		return 0, false
	}
	n := len(p.ids) - 1
	id := p.ids[n]
	p.ids = p.ids[:n]
	return id, true
}

func (p *idPool) push(id uint64) {
	p.ids = append(p.ids, id)
}
