// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dvstm

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/dvstm/types"
)

// fuzzActionKind enumerates the solo-transaction shapes TestFuzzSoloSchedule
// exercises. Concurrent conflict behavior already has dedicated coverage in
// scenarios_test.go; this fuzzer is aimed at the sequential bookkeeping
// (segment-id conservation, epoch monotonicity, snapshot correctness across
// many alloc/write/free cycles) that's easiest to get subtly wrong at scale.
type fuzzActionKind int

const (
	fuzzWrite fuzzActionKind = iota
	fuzzAlloc
	fuzzAllocWriteFree
	fuzzReadBack
)

type fuzzAction struct {
	kind       fuzzActionKind
	byteOffset uint64 // byte offset into the base segment, a multiple of align
	byteLen    uint64 // in bytes, a multiple of align
	fill       byte
}

func fuzzActionFunc(align, baseWords uint64) func(*fuzzAction, fuzz.Continue) {
	return func(a *fuzzAction, c fuzz.Continue) {
		a.kind = fuzzActionKind(c.Intn(4))
		a.byteOffset = uint64(c.Intn(int(baseWords))) * align
		a.byteLen = (uint64(c.Intn(4)) + 1) * align
		if a.byteOffset+a.byteLen > baseWords*align {
			a.byteLen = align
			a.byteOffset = 0
		}
		a.fill = byte(c.Intn(256))
	}
}

// TestFuzzSoloSchedule runs many randomized solo (one-tx-per-epoch)
// schedules and checks invariants that must hold after every single one:
// segment-id conservation, non-decreasing epochs, and that whatever a
// committed write sets is exactly what the next read-only snapshot reports.
func TestFuzzSoloSchedule(t *testing.T) {
	const align = 8
	const baseSize = 64
	const baseWords = baseSize / align
	const rounds = 200
	const actionsPerRound = 25

	f := fuzz.New().NilChance(0).Funcs(fuzzActionFunc(align, baseWords))

	for round := 0; round < rounds; round++ {
		r, err := Create(baseSize, align)
		require.NoError(t, err)

		liveSegments := map[uint64]bool{types.FirstSeg: true}
		lastEpoch := r.Epoch()
		var lastWriteOffset, lastWriteLen uint64
		var lastWriteByte byte
		haveWrite := false

		for i := 0; i < actionsPerRound; i++ {
			var a fuzzAction
			f.Fuzz(&a)

			tx, ok := r.Begin(false)
			require.True(t, ok, "solo begin must never be rejected")

			switch a.kind {
			case fuzzWrite:
				buf := make([]byte, a.byteLen)
				for j := range buf {
					buf[j] = a.fill
				}
				dst := types.NewAddress(types.FirstSeg, a.byteOffset)
				if r.Write(tx, dst, a.byteLen, buf) {
					r.End(tx)
					lastWriteOffset, lastWriteLen, lastWriteByte = a.byteOffset, a.byteLen, a.fill
					haveWrite = true
				}

			case fuzzAlloc:
				addr, res := r.Alloc(tx, align)
				if res == types.AllocSuccess {
					require.False(t, liveSegments[addr.SegID()], "a live segment id must never be handed out twice")
					liveSegments[addr.SegID()] = true
					r.End(tx)
				}

			case fuzzAllocWriteFree:
				addr, res := r.Alloc(tx, align)
				if res != types.AllocSuccess {
					break
				}
				buf := make([]byte, align)
				for j := range buf {
					buf[j] = a.fill
				}
				if !r.Write(tx, addr, align, buf) {
					break
				}
				if !r.Free(tx, addr) {
					break
				}
				r.End(tx)

			case fuzzReadBack:
				dst := make([]byte, align)
				if r.Read(tx, r.Start(), align, dst) {
					r.End(tx)
				}
			}

			require.LessOrEqual(t, uint64(len(liveSegments)), uint64(types.MaxSeg-1),
				"segment table must never exceed its fixed capacity")
			require.GreaterOrEqual(t, r.Epoch(), lastEpoch, "epoch must never go backwards")
			lastEpoch = r.Epoch()
		}

		if haveWrite {
			roTx, ok := r.Begin(true)
			require.True(t, ok)
			dst := make([]byte, lastWriteLen)
			require.True(t, r.Read(roTx, types.NewAddress(types.FirstSeg, lastWriteOffset), lastWriteLen, dst))
			for _, b := range dst {
				require.Equal(t, lastWriteByte, b, "committed write must be visible verbatim from the next snapshot")
			}
			require.True(t, r.End(roTx))
		}
	}
}

// TestFuzzAddressRoundTrip checks that NewAddress/SegID/Offset agree for
// every segment id and in-range offset gofuzz throws at them.
func TestFuzzAddressRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0)
	for i := 0; i < 1000; i++ {
		var segID uint64
		var offset uint64
		f.Fuzz(&segID)
		f.Fuzz(&offset)
		segID %= types.MaxSeg
		offset &= (uint64(1) << 48) - 1

		addr := types.NewAddress(segID, offset)
		require.Equal(t, segID, addr.SegID())
		require.Equal(t, offset, addr.Offset())
	}
}
