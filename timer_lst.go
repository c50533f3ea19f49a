// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

// timerLst is an intrusive circular doubly-linked timer list with a
// sentinel head. It is used both for the free list (append order) and
// for the wheel spokes (kept ascending by deadline).
// There is no internal locking; the owning wheel's lock protects it.
type timerLst struct {
	head  timer  // used only as list head (only next & prev)
	spoke uint16 // owning spoke, spokeNone for non-spoke lists (debugging)
}

const spokeNone uint16 = 65535

// init initialises the list head (circular list).
func (lst *timerLst) init(spoke uint16) {
	lst.head.next = &lst.head
	lst.head.prev = &lst.head
	lst.spoke = spoke
	lst.head.flags.assign(fHead)
}

// isEmpty returns true if the list is empty.
func (lst *timerLst) isEmpty() bool {
	return lst.head.next == &lst.head
}

// first returns the first element or nil on an empty list.
func (lst *timerLst) first() *timer {
	if lst.isEmpty() {
		return nil
	}
	return lst.head.next
}

// append adds a detached timer at the end of the list.
func (lst *timerLst) append(e *timer) {
	if !e.detached() {
		PANIC("append called on an entry not detached:"+
			" %p n: %p p: %p flags 0x%x\n",
			e, e.next, e.prev, e.flags.get())
	}
	e.prev = lst.head.prev
	e.next = &lst.head
	e.prev.next = e
	lst.head.prev = e
}

// insertSorted adds a detached timer keeping the list ascending by
// deadline. Equal deadlines keep insertion order (the new entry goes
// after the existing ones), so equal-deadline timers fire FIFO.
func (lst *timerLst) insertSorted(e *timer) {
	if !e.detached() {
		PANIC("insertSorted called on an entry not detached:"+
			" %p n: %p p: %p flags 0x%x\n",
			e, e.next, e.prev, e.flags.get())
	}
	n := lst.head.next
	for n != &lst.head && !n.deadline.GT(e.deadline) {
		n = n.next
	}
	e.prev = n.prev
	e.next = n
	e.prev.next = e
	n.prev = e
}

// rm removes a timer from the list it is linked on.
func (lst *timerLst) rm(e *timer) {
	lstDetach(e)
}

// lstDetach unlinks e from whatever list holds it and marks it
// detached. Usable when the owning list is not at hand (e.g. removing
// by handle, where only the deadline implies the spoke).
func lstDetach(e *timer) {
	if e == nil || e.next == nil || e.prev == nil {
		PANIC("detach called with nil-linked element %p\n", e)
	}
	if e.next == e || e.prev == e {
		PANIC("detach called with already detached element %p:"+
			" deadline %d flags 0x%x\n",
			e, e.deadline, e.flags.get())
	}
	if e.flags.has(fHead) {
		PANIC("trying to detach a list head %p\n", e)
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	// "mark" e as detached
	e.next = e
	e.prev = e
}

// forEach iterates over the list calling f(e) for each element.
// It stops immediately if f() returns false.
// WARNING: it does not support removing the current element from f(),
// use forEachSafeRm for that.
func (lst *timerLst) forEach(f func(e *timer) bool) {
	for v := lst.head.next; v != &lst.head; v = v.next {
		if !f(v) {
			return
		}
	}
}

// forEachSafeRm is like forEach but supports removing the current
// element from the callback (not other elements).
func (lst *timerLst) forEachSafeRm(f func(e *timer) bool) {
	s := lst.head.next
	for v, nxt := s, s.next; v != &lst.head; v, nxt = nxt, nxt.next {
		if !f(v) {
			return
		}
	}
}

// detached checks if the timer is part of a list and returns true
// if not.
func (tm *timer) detached() bool {
	return tm == tm.next || (tm.next == nil && tm.prev == nil)
}
