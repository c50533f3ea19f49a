// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

import (
	"sync/atomic"
)

// A GroupID names a set of timers on one pcpu that can be cancelled
// together (e.g. all the timers of one client/session). The owning
// pcpu is encoded in the id, so group operations always know which
// wheel to lock.
type GroupID uint64

// DefaultGroup is the implicit group of every timer added without one.
// It cannot be removed.
const DefaultGroup GroupID = 0

const groupIDBits = 64 - maxPCPUsBits

func (g GroupID) ownerPCPU() uint32 {
	return uint32(g >> groupIDBits)
}

// CreateGroup creates a new timer group on pcpu. Timers are attached
// to it with AddToGroup; RemoveGroup cancels all of them at once.
func (kt *KTimer) CreateGroup(pcpu uint32) (GroupID, error) {
	if !kt.Initialized() {
		return DefaultGroup, ErrNotInitialized
	}
	if pcpu >= kt.numPCPUs {
		return DefaultGroup, ErrInvalidPCPU
	}
	id := atomic.AddUint64(&kt.nextGroupID, 1)
	g := GroupID(uint64(pcpu)<<groupIDBits | id&((1<<groupIDBits)-1))
	w := &kt.wheels[pcpu]
	w.lock.Lock()
	w.groups[g] = struct{}{}
	w.lock.Unlock()
	return g, nil
}

// RemoveGroup cancels every timer attached to g and destroys the
// group. It returns the number of timers cancelled. Timers whose
// callback is running at call time are marked to be discarded when the
// callback returns; RemoveGroup does not wait for them.
func (kt *KTimer) RemoveGroup(g GroupID) (int, error) {
	if !kt.Initialized() {
		return 0, ErrNotInitialized
	}
	if g == DefaultGroup {
		BUG("RemoveGroup called on the default group\n")
		return 0, ErrInvalidParameters
	}
	pcpu := g.ownerPCPU()
	if pcpu >= kt.numPCPUs {
		return 0, ErrInvalidPCPU
	}
	w := &kt.wheels[pcpu]
	removed := 0
	w.lock.Lock()
	if _, ok := w.groups[g]; !ok {
		w.lock.Unlock()
		return 0, ErrInvalidGroup
	}
	for i := range w.spokes {
		w.spokes[i].forEachSafeRm(func(tm *timer) bool {
			if tm.group == g {
				lstDetach(tm)
				w.free(tm)
				removed++
			}
			return true
		})
	}
	// firing timers are detached while their callback runs; mark them
	// for discard on return
	for i := range w.slots {
		tm := &w.slots[i]
		if tm.group == g && tm.flags.has(fFiring) &&
			!tm.flags.has(fFree|fExpired) {
			tm.flags.set(fExpired)
			removed++
		}
	}
	delete(w.groups, g)
	w.lock.Unlock()
	return removed, nil
}
