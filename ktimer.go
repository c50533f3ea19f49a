// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package ktimer provides per-pcpu timer wheels with generation-counted
// handles, driven by a periodic hard tick (deadline bookkeeping only)
// and a deferred soft poll (callback execution), on top of a pluggable
// cycle-counter clock source.
//
// All public entry points are safe for concurrent use; timer callbacks
// run on the goroutine polling the owning pcpu, with that pcpu's lock
// released.
package ktimer

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// NAME is the logging prefix for this package.
const NAME = "ktimer"

const (
	// MinPeriodUS is the smallest accepted period for a periodic
	// timer, in microseconds. Anything faster would let a slow
	// callback starve its own wheel.
	MinPeriodUS = 100

	// DefaultHardPeriodUS is the hard interrupt period used when the
	// configuration leaves it 0.
	DefaultHardPeriodUS = 1000

	// fixed sub-tick periods handled at interrupt level, in us
	schedPeriodUS = 1000
	jiffyPeriodUS = 10000
	statsPeriodUS = 10000

	// pseudo-TSC cross-node re-sync interval
	pseudoTSCUpdateMS = 60000

	// RemoveSync busy-wait tuning: warn after each spin-out, give up
	// (panic) after spinOutsBeforePanic of them in a row.
	spinOutIters        = 50000000
	spinOutsBeforePanic = 5
)

// Config is the Init configuration. The zero value of every optional
// field means "not used".
type Config struct {
	// NumPCPUs is the number of physical CPUs to run wheels for
	// (1 to MaxPCPUs).
	NumPCPUs uint32

	// Clock configures the cycle counter selection.
	Clock ClockConfig

	// NodeOf maps a pcpu to its node number; nil places every pcpu
	// on node 0. Used by the pseudo-TSC consensus.
	NodeOf func(pcpu uint32) uint32

	// CPUHz and BusHz are the per-pcpu nominal CPU and bus clock
	// rates. CPUHz is required for the pseudo-TSC; BusHz additionally
	// enables its cpu/bus clock multiplier sanity check.
	CPUHz []uint64
	BusHz []uint64

	// HardPeriodUS is the initial hard interrupt period
	// (0 = DefaultHardPeriodUS).
	HardPeriodUS uint32

	// SchedTick, if set, is called from Interrupt on every pcpu at
	// schedPeriodUS intervals (the scheduler tick).
	SchedTick func(pcpu uint32, now AbsCycles)

	// StatsTick, if set, is called from Interrupt on every pcpu at
	// statsPeriodUS intervals.
	StatsTick func(pcpu uint32)

	// SetHardTimer, if set, reprograms the pcpu's hardware timer to
	// the given period and returns the number of bus cycles the
	// reprogramming consumed (for the lostBusCycles statistic).
	SetHardTimer func(pcpu uint32, periodUS uint32) uint32

	// TSCRead, if set, reads the raw timestamp counter of the given
	// pcpu and enables the pseudo-TSC (requires CPUHz).
	TSCRead func(pcpu uint32) uint64
}

// KTimer is the timer service: one wheel per configured pcpu plus the
// shared clock source and rate converters. Use it only after a
// successful Init.
type KTimer struct {
	cfg   Config
	clock clockSource

	numPCPUs uint32
	wheels   []timerWheel

	// rate converters, set up once at Init (one division each)
	msToTC RateConv
	usToTC RateConv
	nsToTC RateConv
	tcToMS RateConv
	tcToUS RateConv
	tcToNS RateConv

	minPeriodTC RelCycles
	startTC     AbsCycles

	jiffies       uint64 // atomic
	jiffyPeriodTC RelCycles
	jiffyDeadline AbsCycles // guarded by wheels[0].lock

	nextGroupID uint64 // atomic

	// pseudo-TSC state, nil/empty when not enabled
	pcpus         []pcpuClock
	tcToPseudoTSC RateConv // Add re-written atomically on re-sync

	initialized uint32 // atomic

	// soft poll harness (Start/Shutdown)
	cancel chan struct{}
	wg     sync.WaitGroup
}

// Init selects the clock source, computes the rate converters and
// prepares the per-pcpu wheels. It must complete before any other
// method is used.
func (kt *KTimer) Init(cfg *Config) error {
	if cfg == nil || cfg.NumPCPUs == 0 || cfg.NumPCPUs > MaxPCPUs {
		return ErrInvalidParameters
	}
	if kt.Initialized() {
		BUG("Init called twice\n")
		return ErrInvalidParameters
	}
	if err := kt.clock.select1(cfg.Clock); err != nil {
		return err
	}
	kt.cfg = *cfg
	kt.numPCPUs = cfg.NumPCPUs

	hz := kt.clock.cyclesPerSecond()
	kt.msToTC = ComputeRateConv(0, 1000, 0, hz)
	kt.usToTC = ComputeRateConv(0, 1000*1000, 0, hz)
	kt.nsToTC = ComputeRateConv(0, 1000*1000*1000, 0, hz)
	kt.tcToMS = ComputeRateConv(0, hz, 0, 1000)
	kt.tcToUS = ComputeRateConv(0, hz, 0, 1000*1000)
	kt.tcToNS = ComputeRateConv(0, hz, 0, 1000*1000*1000)

	kt.minPeriodTC = RelCycles(kt.usToTC.Signed(MinPeriodUS))

	now := kt.clock.getCycles()
	kt.startTC = now
	kt.jiffyPeriodTC = RelCycles(kt.usToTC.Signed(jiffyPeriodUS))
	kt.jiffyDeadline = now.AddRel(kt.jiffyPeriodTC)

	hardUS := cfg.HardPeriodUS
	if hardUS == 0 {
		hardUS = DefaultHardPeriodUS
	}
	schedTC := RelCycles(kt.usToTC.Signed(schedPeriodUS))
	statsTC := RelCycles(kt.usToTC.Signed(statsPeriodUS))
	kt.wheels = make([]timerWheel, cfg.NumPCPUs)
	for i := range kt.wheels {
		kt.wheels[i].init(uint32(i), now, schedTC, statsTC, hardUS)
	}

	atomic.StoreUint32(&kt.initialized, 1)

	if cfg.TSCRead != nil {
		if err := kt.initPseudoTSC(); err != nil {
			atomic.StoreUint32(&kt.initialized, 0)
			return err
		}
	}
	return nil
}

// Initialized reports whether Init completed successfully.
func (kt *KTimer) Initialized() bool {
	return atomic.LoadUint32(&kt.initialized) != 0
}

// GetCycles returns the current time in timer cycles.
func (kt *KTimer) GetCycles() AbsCycles {
	return kt.clock.getCycles()
}

// CyclesPerSecond returns the timer cycle rate in Hz.
func (kt *KTimer) CyclesPerSecond() uint64 {
	return kt.clock.cyclesPerSecond()
}

// SysUptime returns the time elapsed since Init, in timer cycles.
func (kt *KTimer) SysUptime() RelCycles {
	return kt.GetCycles().Sub(kt.startTC)
}

// CorrectForShift moves the clock baseline by delta raw counter ticks,
// e.g. after an external counter adjustment.
func (kt *KTimer) CorrectForShift(delta RelCycles) {
	kt.clock.correctForShift(delta)
}

// MSToTC converts milliseconds to timer cycles.
func (kt *KTimer) MSToTC(ms int64) RelCycles {
	return RelCycles(kt.msToTC.Signed(ms))
}

// USToTC converts microseconds to timer cycles.
func (kt *KTimer) USToTC(us int64) RelCycles {
	return RelCycles(kt.usToTC.Signed(us))
}

// NSToTC converts nanoseconds to timer cycles.
func (kt *KTimer) NSToTC(ns int64) RelCycles {
	return RelCycles(kt.nsToTC.Signed(ns))
}

// TCToMS converts timer cycles to milliseconds.
func (kt *KTimer) TCToMS(tc RelCycles) int64 {
	return kt.tcToMS.Signed(int64(tc))
}

// TCToUS converts timer cycles to microseconds.
func (kt *KTimer) TCToUS(tc RelCycles) int64 {
	return kt.tcToUS.Signed(int64(tc))
}

// TCToNS converts timer cycles to nanoseconds.
func (kt *KTimer) TCToNS(tc RelCycles) int64 {
	return kt.tcToNS.Signed(int64(tc))
}

// AddTC schedules a timer on pcpu with the timeout (and, for Periodic,
// the period) given directly in timer cycles.
func (kt *KTimer) AddTC(pcpu uint32, timeoutTC RelCycles, flags uint32,
	f Callback, data interface{}) (Handle, error) {
	return kt.addTC(pcpu, DefaultGroup, timeoutTC, flags, f, data)
}

// Add schedules a timer on pcpu with a millisecond timeout. flags is
// OneShot or Periodic; for Periodic the timeout is also the period.
func (kt *KTimer) Add(pcpu uint32, ms uint32, flags uint32,
	f Callback, data interface{}) (Handle, error) {
	return kt.addTC(pcpu, DefaultGroup,
		RelCycles(kt.msToTC.Signed(int64(ms))), flags, f, data)
}

// AddHiRes is Add with a microsecond timeout.
func (kt *KTimer) AddHiRes(pcpu uint32, us uint32, flags uint32,
	f Callback, data interface{}) (Handle, error) {
	return kt.addTC(pcpu, DefaultGroup,
		RelCycles(kt.usToTC.Signed(int64(us))), flags, f, data)
}

// AddToGroup is Add with the timer attached to a group previously
// created on the same pcpu (see CreateGroup).
func (kt *KTimer) AddToGroup(pcpu uint32, g GroupID, ms uint32,
	flags uint32, f Callback, data interface{}) (Handle, error) {
	return kt.addTC(pcpu, g,
		RelCycles(kt.msToTC.Signed(int64(ms))), flags, f, data)
}

func (kt *KTimer) addTC(pcpu uint32, g GroupID, timeoutTC RelCycles,
	flags uint32, f Callback, data interface{}) (Handle, error) {

	if !kt.Initialized() {
		return HandleNone, ErrNotInitialized
	}
	if pcpu >= kt.numPCPUs {
		return HandleNone, ErrInvalidPCPU
	}
	mode := flags & (OneShot | Periodic)
	if f == nil || flags != mode ||
		(mode != OneShot && mode != Periodic) {
		return HandleNone, ErrInvalidParameters
	}
	if mode == Periodic && timeoutTC < kt.minPeriodTC {
		return HandleNone, ErrPeriodTooSmall
	}

	w := &kt.wheels[pcpu]
	now := kt.GetCycles()

	w.lock.Lock()
	if g != DefaultGroup {
		if _, ok := w.groups[g]; !ok {
			w.lock.Unlock()
			return HandleNone, ErrInvalidGroup
		}
	}
	tm := w.alloc()
	if tm == nil {
		if ERRon() {
			// dump the whole pool, somebody is leaking timers
			w.dumpInUse()
		}
		w.lock.Unlock()
		ERR("timer pool exhausted on pcpu %d (%d timers)\n",
			pcpu, MaxTimers)
		return HandleNone, ErrNoFreeTimers
	}
	tm.f = f
	tm.data = data
	tm.group = g
	tm.deadline = now.AddRel(timeoutTC)
	if mode == Periodic {
		tm.period = timeoutTC
	} else {
		tm.period = 0
	}
	tm.flags.assign(mode)
	h := tm.handle
	w.insert(tm)
	w.lock.Unlock()
	return h, nil
}

// lookup resolves a handle to its wheel and slot, or nil for a handle
// that can never be valid. It does not check the generation; that is
// done under the wheel lock by the caller.
func (kt *KTimer) lookup(h Handle) (*timerWheel, *timer) {
	if !kt.Initialized() || h == HandleNone {
		return nil, nil
	}
	pcpu := h.pcpu()
	slot := h.slot()
	if pcpu >= kt.numPCPUs || slot >= MaxTimers {
		return nil, nil
	}
	w := &kt.wheels[pcpu]
	return w, &w.slots[slot]
}

// Remove cancels the timer behind h. It returns true if the timer was
// found still scheduled (or firing, in which case it is marked to be
// discarded as soon as its running callback returns) and false for a
// stale or unknown handle.
//
// Remove does not wait for a running callback; use RemoveSync when the
// caller needs the callback to be finished.
func (kt *KTimer) Remove(h Handle) bool {
	w, tm := kt.lookup(h)
	if tm == nil {
		return false
	}
	w.lock.Lock()
	if tm.handle != h || tm.flags.has(fFree|fExpired) {
		w.lock.Unlock()
		return false
	}
	if tm.flags.has(fFiring) {
		// detached, callback in progress: the poller frees it
		tm.flags.set(fExpired)
		w.lock.Unlock()
		return true
	}
	lstDetach(tm)
	w.free(tm)
	w.lock.Unlock()
	return true
}

// RemoveSync cancels the timer behind h and does not return while its
// callback is executing. After a true return no callback for h is
// running or will ever run again.
//
// It must not be called from the timer's own callback or from any
// other callback on the same polling goroutine (the wait could never
// end); a wait that exceeds spinOutsBeforePanic spin-outs is treated
// as exactly that kind of deadlock and panics.
func (kt *KTimer) RemoveSync(h Handle) bool {
	w, tm := kt.lookup(h)
	if tm == nil {
		return false
	}
	spinOuts := 0
	for {
		w.lock.Lock()
		if tm.handle != h || tm.flags.has(fFree) {
			w.lock.Unlock()
			return false
		}
		if !tm.flags.has(fFiring) {
			if tm.flags.has(fExpired) {
				// already cancelled, waiting to be reaped
				w.lock.Unlock()
				return false
			}
			lstDetach(tm)
			w.free(tm)
			w.lock.Unlock()
			return true
		}
		w.lock.Unlock()
		// callback running on another goroutine, wait it out
		i := 0
		for tm.flags.has(fFiring) && i < spinOutIters {
			runtime.Gosched()
			i++
		}
		if i >= spinOutIters {
			spinOuts++
			if spinOuts >= spinOutsBeforePanic {
				PANIC("RemoveSync stuck on handle 0x%x:"+
					" callback still running after %d waits"+
					" (called from a callback on the same pcpu?)\n",
					h, spinOuts)
			}
			WARN("RemoveSync handle 0x%x: callback still running"+
				" after %d iterations (spin-out %d/%d)\n",
				h, spinOutIters, spinOuts, spinOutsBeforePanic)
		}
	}
}

// ModifyTimeoutTC re-arms the timer behind h with a new timeout (and
// period, if periodic) in timer cycles, counted from now. It returns
// false for a stale handle or a timer whose callback is currently
// running.
func (kt *KTimer) ModifyTimeoutTC(h Handle, timeoutTC RelCycles) (bool, error) {
	w, tm := kt.lookup(h)
	if tm == nil {
		return false, nil
	}
	now := kt.GetCycles()
	w.lock.Lock()
	if tm.handle != h || tm.flags.has(fFree|fExpired|fFiring) {
		w.lock.Unlock()
		return false, nil
	}
	if tm.flags.has(Periodic) {
		if timeoutTC < kt.minPeriodTC {
			w.lock.Unlock()
			return false, ErrPeriodTooSmall
		}
		tm.period = timeoutTC
	}
	lstDetach(tm)
	tm.deadline = now.AddRel(timeoutTC)
	w.insert(tm)
	w.lock.Unlock()
	return true, nil
}

// ModifyTimeout is ModifyTimeoutTC with a millisecond timeout.
func (kt *KTimer) ModifyTimeout(h Handle, ms uint32) (bool, error) {
	return kt.ModifyTimeoutTC(h, RelCycles(kt.msToTC.Signed(int64(ms))))
}

// ModifyTimeoutHiRes is ModifyTimeoutTC with a microsecond timeout.
func (kt *KTimer) ModifyTimeoutHiRes(h Handle, us uint32) (bool, error) {
	return kt.ModifyTimeoutTC(h, RelCycles(kt.usToTC.Signed(int64(us))))
}

// GetTimeoutTC returns the time left until the timer behind h fires,
// in timer cycles (negative if overdue), and whether the handle is
// still valid.
func (kt *KTimer) GetTimeoutTC(h Handle) (RelCycles, bool) {
	w, tm := kt.lookup(h)
	if tm == nil {
		return 0, false
	}
	now := kt.GetCycles()
	w.lock.Lock()
	if tm.handle != h || tm.flags.has(fFree|fExpired) {
		w.lock.Unlock()
		return 0, false
	}
	left := tm.deadline.Sub(now)
	w.lock.Unlock()
	return left, true
}

// Pending returns true while the timer behind h is still scheduled or
// firing, i.e. while its callback can still run.
func (kt *KTimer) Pending(h Handle) bool {
	w, tm := kt.lookup(h)
	if tm == nil {
		return false
	}
	w.lock.Lock()
	ok := tm.handle == h && !tm.flags.has(fFree|fExpired)
	w.lock.Unlock()
	return ok
}
