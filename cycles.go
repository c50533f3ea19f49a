// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

import (
	"sync/atomic"

	"github.com/intuitivelabs/timestamp"
)

// AbsCycles is an absolute point in time, in timer cycles since Init.
// Timer cycles are ticks of whatever counter the clock source selected;
// they are NOT necessarily CPU clock cycles.
// The values wrap; always compare using LT/LE/GT/GE and never with the
// builtin operators.
type AbsCycles uint64

// RelCycles is a (signed) difference between two points in time, in
// timer cycles.
type RelCycles int64

// LT returns true if a < b, taking wraparound into account.
func (a AbsCycles) LT(b AbsCycles) bool {
	return int64(a-b) < 0
}

// LE returns true if a <= b, taking wraparound into account.
func (a AbsCycles) LE(b AbsCycles) bool {
	return int64(a-b) <= 0
}

// GT returns true if a > b, taking wraparound into account.
func (a AbsCycles) GT(b AbsCycles) bool {
	return int64(a-b) > 0
}

// GE returns true if a >= b, taking wraparound into account.
func (a AbsCycles) GE(b AbsCycles) bool {
	return int64(a-b) >= 0
}

// AddRel returns a shifted by the relative value r.
func (a AbsCycles) AddRel(r RelCycles) AbsCycles {
	return AbsCycles(uint64(a) + uint64(r))
}

// Sub returns the signed difference a - b.
func (a AbsCycles) Sub(b AbsCycles) RelCycles {
	return RelCycles(a - b)
}

// ClockKind selects among the known clock source implementations.
// The set is closed: the source is picked once at Init and never
// changes afterwards.
type ClockKind uint8

const (
	// ClockAuto picks ClockChipset if the topology reports divergent
	// per-node clock rates and a register reader was configured,
	// ClockScaled if a test divisor was configured and ClockMonotonic
	// otherwise.
	ClockAuto ClockKind = iota
	// ClockMonotonic counts nanoseconds on the host monotonic clock.
	ClockMonotonic
	// ClockChipset reads a narrow chipset performance counter through
	// ClockConfig.ChipsetRead and extends it to 63 bits in software.
	// Use on hardware where the per-CPU timestamp counters run at
	// noticeably different rates, since the chipset counter is global.
	ClockChipset
	// ClockScaled is ClockMonotonic divided by ClockConfig.ScaleDiv
	// (test mode, emulating a slow asymmetric-clock setup).
	ClockScaled
)

// monotonicHz is the rate of the ClockMonotonic counter (nanoseconds).
const monotonicHz = 1000 * 1000 * 1000

// ClockConfig describes the inputs for the clock source selection.
type ClockConfig struct {
	Kind ClockKind

	// ChipsetRead returns the low 32 bits of the chipset counter
	// (required for ClockChipset). It must be cheap and must never
	// block.
	ChipsetRead func() uint32
	// ChipsetHz is the chipset counter rate (required for
	// ClockChipset).
	ChipsetHz uint64

	// ScaleDiv is the ClockScaled divisor (required for ClockScaled).
	ScaleDiv uint32

	// AsymmetricNodes marks topologies where per-node clock rates
	// diverge; it makes ClockAuto prefer the chipset counter.
	AsymmetricNodes bool
}

// clockSource is the selected cycle counter. After selection only ext
// is mutable (lock-free, see getChipsetCycles); everything else is
// written once during Init, before any reader exists.
type clockSource struct {
	kind    ClockKind
	hz      uint64
	div     uint32
	readHW  func() uint32
	ref     timestamp.TS // reference for the monotonic kinds
	shiftTC uint64       // baseline shift, makes the first read ~0
	ext     uint32       // chipset counter software extension (atomic)

	selected bool
}

// select1 picks the clock implementation and zeroes the baseline.
func (c *clockSource) select1(cfg ClockConfig) error {
	kind := cfg.Kind
	if kind == ClockAuto {
		switch {
		case cfg.AsymmetricNodes && cfg.ChipsetRead != nil:
			kind = ClockChipset
		case cfg.ScaleDiv > 1:
			kind = ClockScaled
		default:
			kind = ClockMonotonic
		}
	}
	switch kind {
	case ClockMonotonic:
		c.hz = monotonicHz
		c.ref = timestamp.Now()
	case ClockChipset:
		if cfg.ChipsetRead == nil || cfg.ChipsetHz == 0 {
			return ErrInvalidParameters
		}
		c.readHW = cfg.ChipsetRead
		c.hz = cfg.ChipsetHz
		// seed the extension with a copy of hardware bit 31
		c.ext = (c.readHW() >> 31) & 1
	case ClockScaled:
		if cfg.ScaleDiv == 0 {
			return ErrInvalidParameters
		}
		c.div = cfg.ScaleDiv
		c.hz = monotonicHz / uint64(cfg.ScaleDiv)
		c.ref = timestamp.Now()
	default:
		return ErrInvalidParameters
	}
	c.kind = kind
	c.selected = true
	// make getCycles start at 0
	c.shiftTC = -uint64(c.rawCycles())
	return nil
}

// rawCycles reads the selected counter, without the baseline shift.
func (c *clockSource) rawCycles() AbsCycles {
	switch c.kind {
	case ClockChipset:
		return c.getChipsetCycles()
	case ClockScaled:
		ns := uint64(timestamp.Now().Sub(c.ref))
		return AbsCycles(ns / uint64(c.div))
	}
	return AbsCycles(timestamp.Now().Sub(c.ref))
}

// getCycles returns the current time in timer cycles, monotonic from a
// near-zero reference. It must not be called before select1.
func (c *clockSource) getCycles() AbsCycles {
	if !c.selected {
		PANIC("getCycles called before clock source selection\n")
	}
	return AbsCycles(uint64(c.rawCycles()) + c.shiftTC)
}

// getChipsetCycles extends the 32-bit hardware counter to 63 bits.
//
// The low bit of the 32-bit software extension mirrors bit 31 of the
// hardware counter. When the two disagree a wrap happened: if hardware
// bit 30 is clear this reader performs the carry itself; if bit 30 is
// also set the reader hit the rare race where another reader already
// carried after this one's hardware read, and extension-1 gives it a
// consistent value. Concurrent carriers all write the same value, so
// no lock is needed. Correctness requires a read at least once per
// 2^30 hardware ticks, which the periodic hard interrupt guarantees.
func (c *clockSource) getChipsetCycles() AbsCycles {
	e := atomic.LoadUint32(&c.ext)
	h := c.readHW()

	if (e^(h>>31))&1 != 0 {
		if h&(1<<30) != 0 {
			// lost the carry race
			e--
		} else {
			e++
			atomic.StoreUint32(&c.ext, e)
		}
	}
	return AbsCycles(uint64(e)<<31 | uint64(h))
}

// correctForShift moves the baseline by delta, e.g. after an external
// counter reset. Already-computed relative deltas are unaffected.
// The chipset counter is global and survives such resets, so only the
// monotonic kinds are adjusted.
func (c *clockSource) correctForShift(delta RelCycles) {
	switch c.kind {
	case ClockMonotonic:
		c.shiftTC += uint64(delta)
	case ClockScaled:
		c.shiftTC += uint64(delta / RelCycles(c.div))
	}
}

// cyclesPerSecond returns the rate of the selected counter in Hz.
func (c *clockSource) cyclesPerSecond() uint64 {
	if !c.selected {
		PANIC("cyclesPerSecond called before clock source selection\n")
	}
	return c.hz
}
