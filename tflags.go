// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

import (
	"sync/atomic"
)

// Timer behavior flags (also visible in status dumps).
const (
	OneShot  uint32 = 0x01
	Periodic uint32 = 0x02
)

// Internal state flags.
const (
	fFree    uint32 = 0x0200 // on the free list
	fFiring  uint32 = 0x0400 // callback currently executing
	fExpired uint32 = 0x0800 // free after the callback returns
	fHead    uint32 = 0x8000 // list head sentinel (debugging)
)

// tFlags is the timer state word. All writes happen under the owning
// wheel's lock; the word is still atomic because a remote RemoveSync
// polls fFiring without that lock.
type tFlags struct {
	v uint32
}

func (f *tFlags) get() uint32 {
	return atomic.LoadUint32(&f.v)
}

func (f *tFlags) has(mask uint32) bool {
	return atomic.LoadUint32(&f.v)&mask != 0
}

func (f *tFlags) assign(v uint32) {
	atomic.StoreUint32(&f.v, v)
}

func (f *tFlags) set(mask uint32) {
	for {
		crt := atomic.LoadUint32(&f.v)
		if atomic.CompareAndSwapUint32(&f.v, crt, crt|mask) {
			return
		}
	}
}

func (f *tFlags) clear(mask uint32) {
	for {
		crt := atomic.LoadUint32(&f.v)
		if atomic.CompareAndSwapUint32(&f.v, crt, crt & ^mask) {
			return
		}
	}
}
