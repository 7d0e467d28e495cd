// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dvstm

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/dvstm/types"
)

// Option configures a Region at Create time, the functional-options
// pattern Create(size, align uint64, opts ...Option) follows throughout.
type Option func(*Region)

// WithLogger sets the go-kit logger used for the warn/error/debug messages
// the core emits (segment exhaustion, allocator failure, end-of-epoch
// summaries). The default is a no-op logger.
func WithLogger(l log.Logger) Option {
	return func(r *Region) { r.logger = l }
}

// WithRegisterer sets the prometheus.Registerer the region's metrics are
// registered against. The default is prometheus.NewRegistry() so multiple
// regions in the same test process never collide on metric names.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Region) { r.reg = reg }
}

// WithMaxRWTx overrides the per-epoch read/write transaction cap. Production
// code should never call this: the default, types.MaxRWTx (63), is tied to
// the 64-bit access-set word's WRITTEN bit. It exists so tests can
// exercise the capacity-rejection property without spinning
// up 63 goroutines.
func WithMaxRWTx(n uint64) Option {
	return func(r *Region) {
		if n > types.MaxRWTx {
			n = types.MaxRWTx
		}
		r.maxRWTx = n
	}
}
