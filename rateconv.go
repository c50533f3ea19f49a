// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

import (
	"math/bits"
)

// RateConv holds fixed-point parameters for converting a value counted
// at one rate into a value counted at another:
//
//	y = y0 + (x - x0) * yrate / xrate
//	  = ((x * Mult) >> Shift) + Add
//
// computed entirely in integer arithmetic, with no division after the
// parameters are set up.
//
// Warning: the conversion is precise to only ~32 bits. Converting a
// value and then converting it back multiplies by two independent
// 32-bit approximations (of f and of 1/f), so only the first 32
// significant bits of the round trip will match the initial value.
// Converting small values, or converting in one direction only, does
// not hit this.
type RateConv struct {
	Mult  uint32
	Shift uint32
	Add   int64
}

// RateConvIdentity leaves values unchanged.
var RateConvIdentity = RateConv{Mult: 1, Shift: 0, Add: 0}

// IsIdentity returns true if the conversion is a no-op.
func (rc RateConv) IsIdentity() bool {
	return rc.Mult == 1 && rc.Shift == 0 && rc.Add == 0
}

// ComputeRateConv computes conversion parameters from the rate pair
// (xrate, yrate) with (x0, y0) as the initial point. The one division
// it performs is the only one ever paid; per-conversion cost is a
// multiply and a shift.
func ComputeRateConv(x0, xrate, y0, yrate uint64) RateConv {
	if x0 == y0 && xrate == yrate {
		return RateConvIdentity
	}
	// Left-shift yrate into the top bit of a 64-bit multiplier,
	// right-shift the divisor below 2^32, divide, and drop the
	// quotient back under 32 bits if needed.
	var shift uint32
	mult := yrate
	if mult == 0 {
		BUG("rate conversion with 0 target rate\n")
		return RateConvIdentity
	}
	for mult&(1<<63) == 0 {
		mult <<= 1
		shift++
	}
	div := xrate
	for div >= (1 << 32) {
		div >>= 1
		shift++
	}
	mult = mult / div
	for mult >= (1 << 32) {
		mult >>= 1
		shift--
	}

	rc := RateConv{Mult: uint32(mult), Shift: shift}
	rc.Add = int64(y0) - int64(mulShift(x0, rc.Mult, rc.Shift))
	return rc
}

// mulShift returns (x * mult) >> shift through a 96-bit intermediate.
func mulShift(x uint64, mult uint32, shift uint32) uint64 {
	hi, lo := bits.Mul64(x, uint64(mult))
	if shift >= 64 {
		return hi >> (shift - 64)
	}
	if shift == 0 {
		return lo
	}
	return hi<<(64-shift) | lo>>shift
}

// Unsigned converts x, applying the additive offset.
func (rc RateConv) Unsigned(x uint64) uint64 {
	return mulShift(x, rc.Mult, rc.Shift) + uint64(rc.Add)
}

// Signed converts the signed difference x, without the additive offset.
func (rc RateConv) Signed(x int64) int64 {
	if x < 0 {
		return -int64(mulShift(uint64(-x), rc.Mult, rc.Shift))
	}
	return int64(mulShift(uint64(x), rc.Mult, rc.Shift))
}
