// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

import (
	"sync"
)

const (
	// MaxTimers is the timer pool size per pcpu. It must fit in
	// maxTimersBits.
	MaxTimers = 512

	// Spoke geometry: the spoke number is a middle bit-slice of the
	// deadline. The spoke width (2^spokeWidthBits cycles) should be
	// around the expected poll period; the spoke count trades space
	// for shorter per-spoke lists, like sizing any hash table.
	numSpokesBits  = 6
	NumSpokes      = 1 << numSpokesBits
	spokeMask      = NumSpokes - 1
	spokeWidthBits = 18
)

// A Callback is invoked when a timer fires, with the client data and
// the clock snapshot the poll ran with (always >= the timer's
// deadline). It runs with the wheel lock released, so it may freely
// add or remove other timers on the same pcpu.
type Callback func(data interface{}, timestamp AbsCycles)

// timer is one scheduled callback. It lives on exactly one of the free
// list, one spoke, or "firing" (detached) at any time.
type timer struct {
	next, prev *timer

	f        Callback
	flags    tFlags
	deadline AbsCycles // next time to fire
	period   RelCycles // 0 for one-shot
	data     interface{}
	group    GroupID
	handle   Handle
}

// timerWheel is the per-pcpu timer state. Each instance is owned by
// its pcpu and mutated only under its lock.
type timerWheel struct {
	lock sync.Mutex
	pcpu uint32

	slots    [MaxTimers]timer
	freeList timerLst

	spokes   [NumSpokes]timerLst
	curTC    AbsCycles // when the wheel was last checked
	curSpoke uint32    // spoke last checked

	// groups created on this pcpu, still alive
	groups map[GroupID]struct{}

	periodUS    uint32 // hard interrupt period in us
	newPeriodUS uint32 // desired hard interrupt period in us

	// stats
	interruptCount uint64
	periodSetCount uint64
	lostBusCycles  uint64
	overdueDropped uint64 // overdue periodic firings dropped

	// fixed-period sub-ticks handled at interrupt level, each
	// re-armed by adding its period (never reset to now+period) to
	// avoid drift
	schedPeriodTC   RelCycles
	schedDeadlineTC AbsCycles
	statsPeriodTC   RelCycles
	statsDeadlineTC AbsCycles
}

func spokeOf(tc AbsCycles) uint32 {
	return uint32(tc>>spokeWidthBits) & spokeMask
}

func nextSpoke(spoke uint32) uint32 {
	return (spoke + 1) & spokeMask
}

// init prepares the wheel for pcpu. nowTC is the current clock value.
func (t *timerWheel) init(pcpu uint32, nowTC AbsCycles,
	schedPeriodTC, statsPeriodTC RelCycles, periodUS uint32) {

	t.pcpu = pcpu

	t.freeList.init(spokeNone)
	for i := 0; i < MaxTimers; i++ {
		tm := &t.slots[i]
		tm.handle = makeHandle(1, i, pcpu)
		tm.flags.assign(fFree)
		tm.next = tm
		tm.prev = tm
		t.freeList.append(tm)
	}

	for i := 0; i < NumSpokes; i++ {
		t.spokes[i].init(uint16(i))
	}
	t.curTC = nowTC
	t.curSpoke = spokeOf(nowTC)
	t.groups = make(map[GroupID]struct{})

	// period 0 means "unknown" until the interrupt layer programs it
	t.periodUS = 0
	t.newPeriodUS = periodUS

	t.schedPeriodTC = schedPeriodTC
	t.schedDeadlineTC = nowTC.AddRel(schedPeriodTC)
	t.statsPeriodTC = statsPeriodTC
	t.statsDeadlineTC = nowTC.AddRel(statsPeriodTC)
}

// insert places tm on the spoke its deadline hashes to, keeping the
// spoke sorted. An already overdue deadline goes on the current spoke
// instead, so it fires at the very next poll rather than after a full
// wheel revolution. The wheel lock must be held.
func (t *timerWheel) insert(tm *timer) {
	var spoke uint32
	if tm.deadline.GT(t.curTC) {
		spoke = spokeOf(tm.deadline)
	} else {
		spoke = t.curSpoke
	}
	t.spokes[spoke].insertSorted(tm)
}

// alloc takes a timer from the free list or returns nil on exhaustion.
// The wheel lock must be held.
func (t *timerWheel) alloc() *timer {
	tm := t.freeList.first()
	if tm == nil {
		return nil
	}
	t.freeList.rm(tm)
	if !tm.flags.has(fFree) {
		PANIC("timer %p on the free list without fFree: flags 0x%x\n",
			tm, tm.flags.get())
	}
	return tm
}

// free invalidates the timer's current handle and returns the record
// to the free list. The wheel lock must be held.
func (t *timerWheel) free(tm *timer) {
	if tm.flags.has(fFree) {
		PANIC("double free of timer %p handle 0x%x\n", tm, tm.handle)
	}
	// assign a new handle, invalidating the old one
	tm.handle = tm.handle.nextGen()
	tm.f = nil
	tm.data = nil
	tm.group = DefaultGroup
	tm.flags.assign(fFree)
	t.freeList.append(tm)
}

// dumpInUse logs every allocated slot, for the pool exhaustion path.
// The wheel lock must be held.
func (t *timerWheel) dumpInUse() {
	for i := 0; i < MaxTimers; i++ {
		tm := &t.slots[i]
		if tm.flags.has(fFree) {
			continue
		}
		ERR("pcpu %d slot %d: deadline %d period %d flags 0x%x"+
			" group 0x%x handle 0x%x\n",
			t.pcpu, i, tm.deadline, tm.period, tm.flags.get(),
			tm.group, tm.handle)
	}
}
