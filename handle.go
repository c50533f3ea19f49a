// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

// A Handle is a soft pointer to a scheduled timer: enough information
// to find the timer record directly, plus a generation count so that a
// stale handle to a recycled slot is detected instead of aliasing the
// new occupant. Handles make Remove, ModifyTimeout and Pending O(1)
// without handing out record pointers.
//
// A Handle is the 64-bit concatenation of three bit strings:
//
//	generation (48 bits, nonzero while valid)
//	slot index (10 bits)
//	owning pcpu (6 bits)
//
// Every exit from the allocated state bumps the generation, so 48 bits
// are enough to never worry about a stale handle becoming valid again.
type Handle uint64

// HandleNone is the reserved "no timer" value; no valid handle ever
// equals it.
const HandleNone Handle = 0

const (
	maxPCPUsBits  = 6
	maxTimersBits = 10

	handlePCPUMask = (1 << maxPCPUsBits) - 1
	handleSlotMask = (1 << maxTimersBits) - 1
	handleGenShift = maxTimersBits + maxPCPUsBits
)

// MaxPCPUs is the largest number of physical CPUs the handle encoding
// supports.
const MaxPCPUs = 1 << maxPCPUsBits

func makeHandle(gen uint64, slot int, pcpu uint32) Handle {
	return Handle(gen<<handleGenShift |
		uint64(slot)<<maxPCPUsBits |
		uint64(pcpu))
}

func (h Handle) pcpu() uint32 {
	return uint32(h) & handlePCPUMask
}

func (h Handle) slot() int {
	return int(h>>maxPCPUsBits) & handleSlotMask
}

// nextGen returns the handle for the slot's next generation,
// invalidating h and skipping the reserved HandleNone value.
func (h Handle) nextGen() Handle {
	h += 1 << handleGenShift
	if h == HandleNone {
		h += 1 << handleGenShift
	}
	return h
}
