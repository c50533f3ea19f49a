// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// TimerInfo is a snapshot of one allocated timer slot.
type TimerInfo struct {
	Handle     Handle
	Flags      uint32
	Group      GroupID
	DeadlineTC AbsCycles
	PeriodTC   RelCycles
}

// WheelStats is a consistent snapshot of one pcpu's wheel state and
// counters.
type WheelStats struct {
	PCPU           uint32
	HardPeriodUS   uint32
	Interrupts     uint64
	PeriodSets     uint64
	LostBusCycles  uint64
	OverdueDropped uint64
	Allocated      int
	Free           int
	Timers         []TimerInfo
}

// String formats the snapshot as a human readable report, one timer
// per line.
func (ws WheelStats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pcpu %d: hard period %d us, interrupts %d,"+
		" period sets %d, lost bus cycles %d, overdue dropped %d,"+
		" timers %d/%d\n",
		ws.PCPU, ws.HardPeriodUS, ws.Interrupts, ws.PeriodSets,
		ws.LostBusCycles, ws.OverdueDropped,
		ws.Allocated, ws.Allocated+ws.Free)
	for _, ti := range ws.Timers {
		fmt.Fprintf(&b, "  0x%016x flags 0x%03x group 0x%x"+
			" deadline %d period %d\n",
			uint64(ti.Handle), ti.Flags, uint64(ti.Group),
			uint64(ti.DeadlineTC), int64(ti.PeriodTC))
	}
	return b.String()
}

// Stats returns a snapshot of pcpu's wheel, taken under the wheel
// lock.
func (kt *KTimer) Stats(pcpu uint32) (WheelStats, error) {
	var ws WheelStats
	if !kt.Initialized() {
		return ws, ErrNotInitialized
	}
	if pcpu >= kt.numPCPUs {
		return ws, ErrInvalidPCPU
	}
	w := &kt.wheels[pcpu]
	w.lock.Lock()
	ws.PCPU = pcpu
	ws.HardPeriodUS = w.periodUS
	ws.Interrupts = w.interruptCount
	ws.PeriodSets = w.periodSetCount
	ws.LostBusCycles = w.lostBusCycles
	ws.OverdueDropped = w.overdueDropped
	for i := 0; i < MaxTimers; i++ {
		tm := &w.slots[i]
		if tm.flags.has(fFree) {
			continue
		}
		ws.Timers = append(ws.Timers, TimerInfo{
			Handle:     tm.handle,
			Flags:      tm.flags.get(),
			Group:      tm.group,
			DeadlineTC: tm.deadline,
			PeriodTC:   tm.period,
		})
	}
	ws.Allocated = len(ws.Timers)
	ws.Free = MaxTimers - ws.Allocated
	w.lock.Unlock()
	return ws, nil
}

// Jiffies returns the number of jiffyPeriodUS intervals elapsed since
// Init, counted on pcpu 0's hard tick.
func (kt *KTimer) Jiffies() uint64 {
	return atomic.LoadUint64(&kt.jiffies)
}

// SetHardPeriod requests a new hard interrupt period, in microseconds,
// on every pcpu (0 = DefaultHardPeriodUS). Each wheel applies it from
// its next hard tick; until then Stats still reports the old period.
func (kt *KTimer) SetHardPeriod(periodUS uint32) error {
	if !kt.Initialized() {
		return ErrNotInitialized
	}
	if periodUS == 0 {
		periodUS = DefaultHardPeriodUS
	}
	for i := range kt.wheels {
		w := &kt.wheels[i]
		w.lock.Lock()
		w.newPeriodUS = periodUS
		w.lock.Unlock()
	}
	return nil
}

// setPeriod applies a hard period change on one wheel: it reprograms
// the hardware timer through the configured hook and accounts for the
// bus cycles the reprogramming consumed. The wheel lock must be held.
func (kt *KTimer) setPeriod(w *timerWheel, us uint32) {
	if us == 0 {
		us = DefaultHardPeriodUS
	}
	if kt.cfg.SetHardTimer != nil {
		w.lostBusCycles += uint64(kt.cfg.SetHardTimer(w.pcpu, us))
	}
	w.periodUS = us
	w.newPeriodUS = us
	w.periodSetCount++
}
