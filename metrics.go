// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dvstm

import (
	"sync"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// regionMetrics is a small struct of
// promauto-registered counters and a histogram, built once in newRegionMetrics and
// poked from the batcher and transaction paths.
type regionMetrics struct {
	txBegun     *prometheus.CounterVec // label "kind": rw|ro
	txCommitted prometheus.Counter
	txAborted   *prometheus.CounterVec // label "reason": conflict|resource|invalid_free|invalid_range
	txRejected  prometheus.Counter     // begin() returned INVALID (rw capacity exhausted)

	segmentsAllocated prometheus.Counter
	segmentsFreed     prometheus.Counter

	epochs        prometheus.Counter
	epochDuration prometheus.Histogram

	// epochWait tracks, via HdrHistogram, how long admitted transactions
	// spent parked in Batcher.enter waiting for the next epoch boundary.
	// Exposed to the bench/ harness for percentile reporting alongside the
	// prometheus histogram above.
	epochWaitMu sync.Mutex
	epochWait   *hdrhistogram.Histogram
}

func newRegionMetrics(reg prometheus.Registerer) *regionMetrics {
	return &regionMetrics{
		txBegun: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dvstm_tx_begun_total",
			Help: "dvstm_tx_begun_total counts transactions admitted by the batcher, by kind (rw or ro).",
		}, []string{"kind"}),
		txCommitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dvstm_tx_committed_total",
			Help: "dvstm_tx_committed_total counts transactions that reached end() without aborting.",
		}),
		txAborted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dvstm_tx_aborted_total",
			Help: "dvstm_tx_aborted_total counts aborted transactions, by reason.",
		}, []string{"reason"}),
		txRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dvstm_tx_rejected_total",
			Help: "dvstm_tx_rejected_total counts begin() calls that returned INVALID due to r/w capacity exhaustion.",
		}),
		segmentsAllocated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dvstm_segments_allocated_total",
			Help: "dvstm_segments_allocated_total counts segments created via alloc(), including ones later rolled back.",
		}),
		segmentsFreed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dvstm_segments_freed_total",
			Help: "dvstm_segments_freed_total counts segments reclaimed during end-of-epoch (committed free or aborted alloc).",
		}),
		epochs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dvstm_epochs_total",
			Help: "dvstm_epochs_total counts end-of-epoch procedures executed.",
		}),
		epochDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "dvstm_epoch_duration_seconds",
			Help:    "dvstm_epoch_duration_seconds observes wall time spent in the end-of-epoch procedure, run by the last transaction to leave.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		epochWait: hdrhistogram.New(0, 10*1e9, 3), // nanoseconds, up to 10s, 3 significant figures
	}
}

func (m *regionMetrics) recordEpochWait(nanos int64) {
	m.epochWaitMu.Lock()
	_ = m.epochWait.RecordValue(nanos)
	m.epochWaitMu.Unlock()
}

// EpochWaitPercentile reports a percentile (0..100) of recorded enter()
// parking durations in nanoseconds. Used by the bench/ harness; zero if no
// sample has been recorded yet.
func (m *regionMetrics) EpochWaitPercentile(p float64) int64 {
	m.epochWaitMu.Lock()
	defer m.epochWaitMu.Unlock()
	return m.epochWait.ValueAtPercentile(p)
}
