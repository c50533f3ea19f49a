// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

import (
	"time"
)

// Start launches one polling goroutine per pcpu that drives Interrupt
// and PollSoft at the configured hard period. Embedders that drive the
// ticks themselves (e.g. from a real interrupt source) do not need it.
// Stop with Shutdown.
func (kt *KTimer) Start() error {
	if !kt.Initialized() {
		return ErrNotInitialized
	}
	if kt.cancel != nil {
		BUG("Start called while already running\n")
		return ErrInvalidParameters
	}
	kt.cancel = make(chan struct{})
	for i := uint32(0); i < kt.numPCPUs; i++ {
		kt.wg.Add(1)
		go kt.pollLoop(i)
	}
	return nil
}

// Shutdown stops the polling goroutines started by Start and waits for
// them (and any callback they are running) to finish.
func (kt *KTimer) Shutdown() {
	if kt.cancel == nil {
		return
	}
	close(kt.cancel)
	kt.wg.Wait()
	kt.cancel = nil
}

func (kt *KTimer) pollLoop(pcpu uint32) {
	defer kt.wg.Done()
	w := &kt.wheels[pcpu]

	w.lock.Lock()
	periodUS := w.newPeriodUS
	w.lock.Unlock()
	if periodUS == 0 {
		periodUS = DefaultHardPeriodUS
	}
	tkr := time.NewTicker(time.Duration(periodUS) * time.Microsecond)
	defer tkr.Stop()

	for {
		select {
		case <-kt.cancel:
			return
		case <-tkr.C:
			kt.Interrupt(pcpu)
			kt.PollSoft(pcpu)
			// follow hard period changes applied by Interrupt
			w.lock.Lock()
			crt := w.periodUS
			w.lock.Unlock()
			if crt != 0 && crt != periodUS {
				periodUS = crt
				tkr.Reset(time.Duration(periodUS) *
					time.Microsecond)
			}
		}
	}
}
