// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

import (
	"sync/atomic"
)

// pcpuClock is the per-pcpu clock topology view used by the
// pseudo-TSC: the node-consensus CPU rate and the conversion from the
// pcpu's raw timestamp counter to the global pseudo-TSC timebase.
type pcpuClock struct {
	node        uint32
	cpuHz       uint64 // node consensus rate
	busHz       uint64
	clockMultX2 uint64 // 2 * (cpu clock / bus clock)

	// raw TSC -> pseudo-TSC; the Add field is re-written atomically by
	// the periodic re-sync, everything else is Init-time constant
	tscToPseudoTSC RateConv

	// raw TSC -> timer cycles, for translating foreign TSC stamps
	// (e.g. from shared memory) into wheel deadlines
	tscToTC RateConv

	// true when the raw TSC already runs on the pseudo-TSC timebase
	// (same node as pcpu 0)
	identity bool

	updateH Handle
}

// ApproximatelyEqual returns true if a is within ~1.5% (b/64) of b.
// Configured and measured clock rates are nominal values; exact
// comparisons on them are meaningless.
func ApproximatelyEqual(a, b uint64) bool {
	var diff uint64
	if a > b {
		diff = a - b
	} else {
		diff = b - a
	}
	return diff < b>>6
}

func (kt *KTimer) nodeOf(pcpu uint32) uint32 {
	if kt.cfg.NodeOf == nil {
		return 0
	}
	return kt.cfg.NodeOf(pcpu)
}

// initPseudoTSC builds the pseudo-TSC: a virtual timestamp counter
// that runs at pcpu 0's CPU rate on every pcpu, even when nodes run
// their CPUs at different rates.
//
// Per node it forms a consensus rate by averaging the configured
// per-pcpu rates, alerting (non-fatally) on any pcpu that disagrees
// with its node or whose CPU clock is not an n/2 multiple of the bus
// clock. pcpus on pcpu 0's node use their raw TSC directly; the rest
// get a rate conversion plus a periodic offset re-sync that bounds the
// cross-node drift.
func (kt *KTimer) initPseudoTSC() error {
	cfg := &kt.cfg
	if uint32(len(cfg.CPUHz)) < kt.numPCPUs {
		return ErrInvalidParameters
	}
	kt.pcpus = make([]pcpuClock, kt.numPCPUs)

	// per-node consensus: plain average of the configured rates
	type nodeAcc struct {
		cpuAcc uint64
		busAcc uint64
		count  uint64
	}
	nodes := make(map[uint32]*nodeAcc)
	for i := uint32(0); i < kt.numPCPUs; i++ {
		node := kt.nodeOf(i)
		acc := nodes[node]
		if acc == nil {
			acc = &nodeAcc{}
			nodes[node] = acc
		}
		acc.cpuAcc += cfg.CPUHz[i]
		if uint32(len(cfg.BusHz)) > i {
			acc.busAcc += cfg.BusHz[i]
		}
		acc.count++
		kt.pcpus[i].node = node
	}
	for i := uint32(0); i < kt.numPCPUs; i++ {
		pc := &kt.pcpus[i]
		acc := nodes[pc.node]
		pc.cpuHz = acc.cpuAcc / acc.count
		pc.busHz = acc.busAcc / acc.count
		if !ApproximatelyEqual(cfg.CPUHz[i], pc.cpuHz) {
			ERR("pcpu %d cpu clock %d Hz disagrees with its node %d"+
				" consensus %d Hz\n",
				i, cfg.CPUHz[i], pc.node, pc.cpuHz)
		}
		if pc.busHz != 0 {
			pc.clockMultX2 = (2*pc.cpuHz + pc.busHz/2) / pc.busHz
			if !ApproximatelyEqual(pc.cpuHz,
				pc.busHz*pc.clockMultX2/2) {
				ERR("pcpu %d cpu clock %d Hz is not an n/2 multiple"+
					" of the bus clock %d Hz\n",
					i, pc.cpuHz, pc.busHz)
			}
		}
	}

	// the pseudo-TSC timebase is pcpu 0's view
	pseudoHz := kt.pcpus[0].cpuHz
	if pseudoHz == 0 {
		return ErrInvalidParameters
	}
	kt.tcToPseudoTSC = ComputeRateConv(uint64(kt.GetCycles()),
		kt.CyclesPerSecond(), cfg.TSCRead(0), pseudoHz)

	node0 := kt.pcpus[0].node
	for i := uint32(0); i < kt.numPCPUs; i++ {
		pc := &kt.pcpus[i]
		pc.tscToTC = ComputeRateConv(cfg.TSCRead(i), pc.cpuHz,
			uint64(kt.GetCycles()), kt.CyclesPerSecond())
		if pc.node == node0 {
			pc.identity = true
			continue
		}
		pseudoNow := kt.tcToPseudoTSC.Unsigned(uint64(kt.GetCycles()))
		pc.tscToPseudoTSC = ComputeRateConv(cfg.TSCRead(i), pc.cpuHz,
			pseudoNow, pseudoHz)
		h, err := kt.addTC(i, DefaultGroup,
			RelCycles(kt.msToTC.Signed(pseudoTSCUpdateMS)),
			Periodic, kt.updatePseudoTSCConv, i)
		if err != nil {
			return err
		}
		pc.updateH = h
	}
	return nil
}

// updatePseudoTSCConv is the periodic pseudo-TSC re-sync callback for
// one pcpu outside pcpu 0's node. Rates do not change at runtime, so
// only the additive offset is corrected: it is recomputed so that the
// pcpu's converted TSC matches the global pseudo-TSC right now, and
// stored atomically for lock-free PseudoTSC readers.
func (kt *KTimer) updatePseudoTSCConv(data interface{}, now AbsCycles) {
	pcpu := data.(uint32)
	pc := &kt.pcpus[pcpu]
	pseudoNow := kt.tcToPseudoTSC.Unsigned(uint64(now))
	scaled := mulShift(kt.cfg.TSCRead(pcpu),
		pc.tscToPseudoTSC.Mult, pc.tscToPseudoTSC.Shift)
	atomic.StoreInt64(&pc.tscToPseudoTSC.Add,
		int64(pseudoNow)-int64(scaled))
}

// PseudoTSC returns the pseudo-TSC value as seen from pcpu: a
// timestamp on pcpu 0's TSC timebase, usable for cross-pcpu time
// comparisons. Returns 0 when the pseudo-TSC was not configured
// (Config.TSCRead unset).
func (kt *KTimer) PseudoTSC(pcpu uint32) uint64 {
	if !kt.Initialized() || kt.pcpus == nil || pcpu >= kt.numPCPUs {
		return 0
	}
	pc := &kt.pcpus[pcpu]
	tsc := kt.cfg.TSCRead(pcpu)
	if pc.identity {
		return tsc
	}
	return mulShift(tsc, pc.tscToPseudoTSC.Mult, pc.tscToPseudoTSC.Shift) +
		uint64(atomic.LoadInt64(&pc.tscToPseudoTSC.Add))
}

// PseudoTSCHz returns the pseudo-TSC rate (pcpu 0's consensus CPU
// rate), or 0 when the pseudo-TSC was not configured.
func (kt *KTimer) PseudoTSCHz() uint64 {
	if kt.pcpus == nil {
		return 0
	}
	return kt.pcpus[0].cpuHz
}

// TCFromTSC translates a raw TSC value taken on pcpu into timer
// cycles, e.g. to arm a wheel deadline from a foreign TSC stamp.
// Returns 0 when the pseudo-TSC was not configured.
func (kt *KTimer) TCFromTSC(pcpu uint32, tsc uint64) AbsCycles {
	if !kt.Initialized() || kt.pcpus == nil || pcpu >= kt.numPCPUs {
		return 0
	}
	return AbsCycles(kt.pcpus[pcpu].tscToTC.Unsigned(tsc))
}
