// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

import (
	"sync/atomic"
)

// Interrupt is the hard tick for pcpu. It only does bookkeeping that
// must not wait for the soft poll: the fixed sub-ticks (scheduler
// tick, jiffies on pcpu 0, stats tick) and pending hard timer period
// changes. No timer callbacks run here; those belong to PollSoft.
//
// Each sub-tick deadline is re-armed by adding its period to the old
// deadline, so the sub-ticks never drift even when the interrupt
// itself is late. The clock read here also keeps the chipset counter
// software extension alive (it needs a read at least once per 2^30
// hardware ticks).
//
// The SchedTick and StatsTick hooks run with the wheel lock held and
// must not call back into timer operations for the same pcpu.
func (kt *KTimer) Interrupt(pcpu uint32) {
	if !kt.Initialized() || pcpu >= kt.numPCPUs {
		return
	}
	w := &kt.wheels[pcpu]
	w.lock.Lock()
	now := kt.GetCycles()
	w.interruptCount++

	for w.schedDeadlineTC.LE(now) {
		w.schedDeadlineTC = w.schedDeadlineTC.AddRel(w.schedPeriodTC)
		if kt.cfg.SchedTick != nil {
			kt.cfg.SchedTick(pcpu, now)
		}
	}
	if pcpu == 0 {
		for kt.jiffyDeadline.LE(now) {
			kt.jiffyDeadline = kt.jiffyDeadline.AddRel(kt.jiffyPeriodTC)
			atomic.AddUint64(&kt.jiffies, 1)
		}
	}
	for w.statsDeadlineTC.LE(now) {
		w.statsDeadlineTC = w.statsDeadlineTC.AddRel(w.statsPeriodTC)
		if kt.cfg.StatsTick != nil {
			kt.cfg.StatsTick(pcpu)
		}
	}

	if w.newPeriodUS != w.periodUS {
		kt.setPeriod(w, w.newPeriodUS)
	}
	w.lock.Unlock()
}

// PollSoft runs the expired timer callbacks for pcpu and returns how
// many fired. It scans the spokes between the last poll position and
// the current time; each spoke is sorted, so the scan stops at the
// first not-yet-due entry.
//
// The wheel lock is dropped around every callback invocation, so
// callbacks may add, modify or remove timers on any pcpu (including
// their own) and remote Remove/RemoveSync calls stay live while a
// callback runs.
func (kt *KTimer) PollSoft(pcpu uint32) int {
	if !kt.Initialized() || pcpu >= kt.numPCPUs {
		return 0
	}
	w := &kt.wheels[pcpu]
	fired := 0

	w.lock.Lock()
	now := kt.GetCycles()
	s := w.curSpoke
	target := spokeOf(now)
	n := int((target-s)&spokeMask) + 1
	if uint64(now.Sub(w.curTC)) >= uint64(NumSpokes)<<spokeWidthBits {
		// more than a full wheel revolution since the last poll
		n = NumSpokes
	}
	// from here on a concurrent insert of an already overdue deadline
	// lands on a spoke the next poll will scan
	w.curTC = now

	for i := 0; i < n; i++ {
		w.curSpoke = s
		lst := &w.spokes[s]
		for {
			tm := lst.first()
			if tm == nil || tm.deadline.GT(now) {
				break
			}
			lstDetach(tm)
			if tm.flags.has(Periodic) {
				tm.deadline = tm.deadline.AddRel(tm.period)
				if tm.deadline.LE(now) {
					// still behind after one period: resync on now
					// and account for the firings that will never
					// happen
					w.overdueDropped +=
						uint64(now.Sub(tm.deadline))/
							uint64(tm.period) + 1
					tm.deadline = now.AddRel(tm.period)
				}
			} else {
				tm.flags.set(fExpired)
			}
			tm.flags.set(fFiring)
			f := tm.f
			data := tm.data
			w.lock.Unlock()

			f(data, now)

			w.lock.Lock()
			tm.flags.clear(fFiring)
			if tm.flags.has(fExpired) {
				// one-shot, or cancelled while firing
				w.free(tm)
			} else {
				w.insert(tm)
			}
			fired++
		}
		s = nextSpoke(s)
	}
	w.curSpoke = target
	w.lock.Unlock()
	return fired
}
