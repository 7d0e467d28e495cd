// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"math/rand"

	"github.com/dreamsxin/dvstm"
	"github.com/dreamsxin/dvstm/types"
)

// regionRequester drives one simulated client against a shared Region: each
// call to Send runs a short write transaction against a random word of the
// base segment, treating a conflict as a (tracked, non-fatal) abort rather
// than a load-generator failure.
type regionRequester struct {
	region  *dvstm.Region
	rng     *rand.Rand
	payload []byte
}

func newRegionRequesterFactory(r *dvstm.Region) func(uint64) *regionRequester {
	return func(number uint64) *regionRequester {
		return &regionRequester{
			region:  r,
			rng:     rand.New(rand.NewSource(int64(number))),
			payload: make([]byte, 8),
		}
	}
}

func (q *regionRequester) Setup() error { return nil }

func (q *regionRequester) Send() error {
	tx, ok := q.region.Begin(false)
	if !ok {
		return fmt.Errorf("begin rejected: r/w cohort full")
	}

	words := int(q.region.Size() / q.region.Align())
	segID := q.region.Start().SegID()
	offset := uint64(q.rng.Intn(words)) * q.region.Align()
	addr := types.NewAddress(segID, offset)

	if !q.region.Write(tx, addr, q.region.Align(), q.payload) {
		// Conflict: the transaction is already aborted, nothing left to undo.
		return nil
	}
	q.region.End(tx)
	return nil
}

func (q *regionRequester) Teardown() error { return nil }
