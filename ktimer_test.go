// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

import (
	"math/rand"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

var seed int64

func TestMain(m *testing.M) {
	seed = time.Now().UnixNano()
	rand.Seed(seed)
	res := m.Run()
	os.Exit(res)
}

// fakeChipset is a test clock: a virtual 64-bit counter advanced by
// hand, exposed to the timer as a 32-bit chipset register. With
// ChipsetHz == testHz one cycle is one virtual nanosecond.
type fakeChipset struct {
	v uint64 // atomic
}

func (c *fakeChipset) read() uint32 {
	return uint32(atomic.LoadUint64(&c.v))
}

func (c *fakeChipset) advance(d int64) {
	atomic.AddUint64(&c.v, uint64(d))
}

const testHz = 1000 * 1000 * 1000

const ms = 1000 * 1000 // cycles per virtual millisecond

func newTestTimer(t *testing.T, pcpus uint32) (*KTimer, *fakeChipset) {
	clk := &fakeChipset{}
	var kt KTimer
	cfg := Config{
		NumPCPUs: pcpus,
		Clock: ClockConfig{
			Kind:        ClockChipset,
			ChipsetRead: clk.read,
			ChipsetHz:   testHz,
		},
	}
	if err := kt.Init(&cfg); err != nil {
		t.Fatalf("Init failed: %s\n", err)
	}
	return &kt, clk
}

func TestInitErrors(t *testing.T) {
	var kt KTimer
	if _, err := kt.Add(0, 10, OneShot, func(interface{}, AbsCycles) {},
		nil); err != ErrNotInitialized {
		t.Errorf("Add before Init: expected %s, got %v\n",
			ErrNotInitialized, err)
	}
	if err := kt.Init(&Config{NumPCPUs: 0}); err == nil {
		t.Errorf("Init with 0 pcpus succeeded\n")
	}
	if err := kt.Init(&Config{NumPCPUs: MaxPCPUs + 1}); err == nil {
		t.Errorf("Init with %d pcpus succeeded\n", MaxPCPUs+1)
	}
	clk := &fakeChipset{}
	cfg := Config{
		NumPCPUs: 2,
		Clock: ClockConfig{
			Kind:        ClockChipset,
			ChipsetRead: clk.read,
			ChipsetHz:   testHz,
		},
	}
	if err := kt.Init(&cfg); err != nil {
		t.Fatalf("Init failed: %s\n", err)
	}
	if !kt.Initialized() {
		t.Errorf("Initialized() false after successful Init\n")
	}
	if err := kt.Init(&cfg); err == nil {
		t.Errorf("second Init succeeded\n")
	}
	if _, err := kt.Add(2, 10, OneShot, func(interface{}, AbsCycles) {},
		nil); err != ErrInvalidPCPU {
		t.Errorf("Add on pcpu 2 of 2: expected %s, got %v\n",
			ErrInvalidPCPU, err)
	}
	if _, err := kt.Add(0, 10, OneShot|Periodic,
		func(interface{}, AbsCycles) {}, nil); err != ErrInvalidParameters {
		t.Errorf("Add with both mode flags: expected %s, got %v\n",
			ErrInvalidParameters, err)
	}
	if _, err := kt.Add(0, 10, OneShot, nil,
		nil); err != ErrInvalidParameters {
		t.Errorf("Add with nil callback: expected %s, got %v\n",
			ErrInvalidParameters, err)
	}
}

func TestConversions(t *testing.T) {
	kt, _ := newTestTimer(t, 1)
	if v := kt.MSToTC(1); v != ms {
		t.Errorf("MSToTC(1) = %d, expected %d\n", v, ms)
	}
	if v := kt.USToTC(1); v != 1000 {
		t.Errorf("USToTC(1) = %d, expected 1000\n", v)
	}
	if v := kt.NSToTC(1); v != 1 {
		t.Errorf("NSToTC(1) = %d, expected 1\n", v)
	}
	if v := kt.TCToMS(3 * ms); v != 3 {
		t.Errorf("TCToMS(3ms) = %d, expected 3\n", v)
	}
	if v := kt.TCToUS(-2000); v != -2 {
		t.Errorf("TCToUS(-2000) = %d, expected -2\n", v)
	}
	if v := kt.CyclesPerSecond(); v != testHz {
		t.Errorf("CyclesPerSecond() = %d, expected %d\n", v, testHz)
	}
}

func TestOneShot(t *testing.T) {
	kt, clk := newTestTimer(t, 1)
	fired := 0
	var fireTS AbsCycles
	h, err := kt.Add(0, 1, OneShot,
		func(data interface{}, now AbsCycles) {
			fired++
			fireTS = now
			if data.(int) != 42 {
				t.Errorf("callback data: got %v, expected 42\n", data)
			}
		}, 42)
	if err != nil {
		t.Fatalf("Add failed: %s\n", err)
	}
	if h == HandleNone {
		t.Fatalf("Add returned HandleNone\n")
	}
	if !kt.Pending(h) {
		t.Errorf("Pending false on a scheduled timer\n")
	}

	clk.advance(ms - 1)
	if n := kt.PollSoft(0); n != 0 || fired != 0 {
		t.Errorf("timer fired before its deadline (n %d fired %d)\n",
			n, fired)
	}
	clk.advance(2)
	if n := kt.PollSoft(0); n != 1 || fired != 1 {
		t.Errorf("timer did not fire past its deadline"+
			" (n %d fired %d)\n", n, fired)
	}
	if fireTS != AbsCycles(ms+1) {
		t.Errorf("callback timestamp %d, expected %d\n", fireTS, ms+1)
	}
	if kt.Pending(h) {
		t.Errorf("Pending true after a one-shot fired\n")
	}
	if kt.Remove(h) {
		t.Errorf("Remove succeeded on a spent one-shot handle\n")
	}
	clk.advance(10 * ms)
	if n := kt.PollSoft(0); n != 0 || fired != 1 {
		t.Errorf("one-shot fired more than once (n %d fired %d)\n",
			n, fired)
	}
}

func TestZeroTimeout(t *testing.T) {
	kt, _ := newTestTimer(t, 1)
	fired := 0
	if _, err := kt.AddTC(0, 0, OneShot,
		func(interface{}, AbsCycles) { fired++ }, nil); err != nil {
		t.Fatalf("AddTC failed: %s\n", err)
	}
	// already due: must fire on the very next poll, not after a full
	// wheel revolution
	if n := kt.PollSoft(0); n != 1 || fired != 1 {
		t.Errorf("0 timeout timer did not fire on the next poll"+
			" (n %d fired %d)\n", n, fired)
	}
}

func TestPeriodic(t *testing.T) {
	kt, clk := newTestTimer(t, 1)
	fired := 0
	h, err := kt.Add(0, 1, Periodic,
		func(interface{}, AbsCycles) { fired++ }, nil)
	if err != nil {
		t.Fatalf("Add failed: %s\n", err)
	}
	for i := 0; i < 5; i++ {
		clk.advance(ms)
		kt.PollSoft(0)
	}
	if fired != 5 {
		t.Errorf("periodic timer fired %d times in 5 periods\n", fired)
	}
	if !kt.Pending(h) {
		t.Errorf("Pending false on a live periodic timer\n")
	}
	// late polls must not shift the period grid
	clk.advance(ms + ms/2)
	kt.PollSoft(0)
	if fired != 6 {
		t.Errorf("periodic timer fired %d times, expected 6\n", fired)
	}
	left, ok := kt.GetTimeoutTC(h)
	if !ok || left != ms/2 {
		t.Errorf("deadline drifted: %d cycles left (ok %v),"+
			" expected %d\n", left, ok, ms/2)
	}
	if !kt.Remove(h) {
		t.Errorf("Remove failed on a live periodic timer\n")
	}
	clk.advance(10 * ms)
	if n := kt.PollSoft(0); n != 0 || fired != 6 {
		t.Errorf("periodic timer fired after Remove (n %d fired %d)\n",
			n, fired)
	}
}

func TestPeriodTooSmall(t *testing.T) {
	kt, _ := newTestTimer(t, 1)
	cb := func(interface{}, AbsCycles) {}
	if _, err := kt.AddHiRes(0, MinPeriodUS-1, Periodic,
		cb, nil); err != ErrPeriodTooSmall {
		t.Errorf("Periodic below the minimum: expected %s, got %v\n",
			ErrPeriodTooSmall, err)
	}
	if _, err := kt.AddHiRes(0, MinPeriodUS, Periodic, cb, nil); err != nil {
		t.Errorf("Periodic at the minimum failed: %s\n", err)
	}
	// one-shots have no minimum
	if _, err := kt.AddHiRes(0, 1, OneShot, cb, nil); err != nil {
		t.Errorf("1 us one-shot failed: %s\n", err)
	}
}

func TestEqualDeadlinesFIFO(t *testing.T) {
	kt, clk := newTestTimer(t, 1)
	var order []int
	cb := func(data interface{}, _ AbsCycles) {
		order = append(order, data.(int))
	}
	// same virtual instant, same timeout: identical deadlines
	for i := 0; i < 4; i++ {
		if _, err := kt.Add(0, 1, OneShot, cb, i); err != nil {
			t.Fatalf("Add %d failed: %s\n", i, err)
		}
	}
	clk.advance(2 * ms)
	kt.PollSoft(0)
	if len(order) != 4 {
		t.Fatalf("fired %d timers, expected 4\n", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Errorf("equal deadlines fired out of order: %v\n", order)
			break
		}
	}
}

func TestOverduePeriodic(t *testing.T) {
	kt, clk := newTestTimer(t, 1)
	fired := 0
	h, err := kt.Add(0, 5, Periodic,
		func(interface{}, AbsCycles) { fired++ }, nil)
	if err != nil {
		t.Fatalf("Add failed: %s\n", err)
	}
	// starve past 3 periods (deadlines at 5, 10 and 15 ms): a single
	// catch-up fire, the other 2 dropped and counted
	clk.advance(16 * ms)
	if n := kt.PollSoft(0); n != 1 || fired != 1 {
		t.Errorf("starved periodic timer fired %d times (n %d),"+
			" expected 1\n", fired, n)
	}
	ws, err := kt.Stats(0)
	if err != nil {
		t.Fatalf("Stats failed: %s\n", err)
	}
	if ws.OverdueDropped != 2 {
		t.Errorf("overdue dropped %d, expected 2\n", ws.OverdueDropped)
	}
	// resynced on the poll time: next fire one period after it
	left, ok := kt.GetTimeoutTC(h)
	if !ok || left != 5*ms {
		t.Errorf("post-starvation deadline %d cycles away (ok %v),"+
			" expected %d\n", left, ok, 5*ms)
	}
}

func TestPoolExhaustion(t *testing.T) {
	kt, clk := newTestTimer(t, 1)
	cb := func(interface{}, AbsCycles) {}
	handles := make([]Handle, 0, MaxTimers)
	for i := 0; i < MaxTimers; i++ {
		h, err := kt.Add(0, 100, OneShot, cb, nil)
		if err != nil {
			t.Fatalf("Add %d of %d failed: %s\n", i, MaxTimers, err)
		}
		handles = append(handles, h)
	}
	if _, err := kt.Add(0, 100, OneShot, cb, nil); err != ErrNoFreeTimers {
		t.Errorf("Add on a full pool: expected %s, got %v\n",
			ErrNoFreeTimers, err)
	}
	// freeing one slot makes the pool usable again, with a fresh
	// generation on the recycled slot
	if !kt.Remove(handles[0]) {
		t.Fatalf("Remove failed on a scheduled timer\n")
	}
	h, err := kt.Add(0, 100, OneShot, cb, nil)
	if err != nil {
		t.Fatalf("Add after freeing a slot failed: %s\n", err)
	}
	if h == handles[0] {
		t.Errorf("recycled slot reused the old handle 0x%x\n", h)
	}
	if h.slot() != handles[0].slot() {
		t.Errorf("expected the freed slot %d to be recycled, got %d\n",
			handles[0].slot(), h.slot())
	}
	// the stale handle must stay dead
	if kt.Pending(handles[0]) || kt.Remove(handles[0]) {
		t.Errorf("stale handle 0x%x still alive\n", handles[0])
	}
	// drain everything; more than a wheel revolution passed at once,
	// so a single poll must scan all the spokes
	clk.advance(200 * ms)
	if n := kt.PollSoft(0); n != MaxTimers {
		t.Errorf("drained %d timers, expected %d\n", n, MaxTimers)
	}
	ws, err := kt.Stats(0)
	if err != nil || ws.Allocated != 0 {
		t.Errorf("pool not empty after the drain: %d allocated"+
			" (err %v)\n", ws.Allocated, err)
	}
}

func TestModifyTimeout(t *testing.T) {
	kt, clk := newTestTimer(t, 1)
	fired := 0
	h, err := kt.Add(0, 1, OneShot,
		func(interface{}, AbsCycles) { fired++ }, nil)
	if err != nil {
		t.Fatalf("Add failed: %s\n", err)
	}
	if ok, err := kt.ModifyTimeout(h, 3); !ok || err != nil {
		t.Fatalf("ModifyTimeout failed: ok %v err %v\n", ok, err)
	}
	// old deadline passes without a fire
	clk.advance(2 * ms)
	if kt.PollSoft(0); fired != 0 {
		t.Errorf("timer fired at its pre-modify deadline\n")
	}
	clk.advance(ms + 1)
	if kt.PollSoft(0); fired != 1 {
		t.Errorf("timer did not fire at its new deadline\n")
	}

	// periodic: the period changes too
	h, err = kt.Add(0, 1, Periodic,
		func(interface{}, AbsCycles) { fired++ }, nil)
	if err != nil {
		t.Fatalf("Add failed: %s\n", err)
	}
	if ok, err := kt.ModifyTimeoutHiRes(h, MinPeriodUS-1); ok ||
		err != ErrPeriodTooSmall {
		t.Errorf("period below minimum accepted: ok %v err %v\n", ok, err)
	}
	if ok, err := kt.ModifyTimeout(h, 2); !ok || err != nil {
		t.Fatalf("ModifyTimeout failed: ok %v err %v\n", ok, err)
	}
	fired = 0
	for i := 0; i < 4; i++ {
		clk.advance(2 * ms)
		kt.PollSoft(0)
	}
	if fired != 4 {
		t.Errorf("modified periodic fired %d times in 4 new periods\n",
			fired)
	}
	kt.Remove(h)

	if ok, _ := kt.ModifyTimeout(HandleNone, 1); ok {
		t.Errorf("ModifyTimeout succeeded on HandleNone\n")
	}
}

func TestGetTimeoutTC(t *testing.T) {
	kt, clk := newTestTimer(t, 1)
	h, err := kt.Add(0, 5, OneShot, func(interface{}, AbsCycles) {}, nil)
	if err != nil {
		t.Fatalf("Add failed: %s\n", err)
	}
	if left, ok := kt.GetTimeoutTC(h); !ok || left != 5*ms {
		t.Errorf("GetTimeoutTC = %d, %v; expected %d, true\n",
			left, ok, 5*ms)
	}
	clk.advance(2 * ms)
	if left, ok := kt.GetTimeoutTC(h); !ok || left != 3*ms {
		t.Errorf("GetTimeoutTC = %d, %v; expected %d, true\n",
			left, ok, 3*ms)
	}
	kt.Remove(h)
	if _, ok := kt.GetTimeoutTC(h); ok {
		t.Errorf("GetTimeoutTC succeeded on a removed timer\n")
	}
}

func TestAddFromCallback(t *testing.T) {
	kt, clk := newTestTimer(t, 1)
	fired := 0
	innerFired := 0
	_, err := kt.Add(0, 1, OneShot,
		func(interface{}, AbsCycles) {
			fired++
			// already due: must run within the same poll
			if _, err := kt.AddTC(0, 0, OneShot,
				func(interface{}, AbsCycles) { innerFired++ },
				nil); err != nil {
				t.Errorf("Add from callback failed: %s\n", err)
			}
		}, nil)
	if err != nil {
		t.Fatalf("Add failed: %s\n", err)
	}
	clk.advance(ms + 1)
	if n := kt.PollSoft(0); n != 2 || fired != 1 || innerFired != 1 {
		t.Errorf("nested add: n %d fired %d inner %d\n",
			n, fired, innerFired)
	}
}

func TestRemoveFromOwnCallback(t *testing.T) {
	kt, clk := newTestTimer(t, 1)
	fired := 0
	var h Handle
	var err error
	h, err = kt.Add(0, 1, Periodic,
		func(interface{}, AbsCycles) {
			fired++
			if !kt.Remove(h) {
				t.Errorf("Remove from own callback failed\n")
			}
		}, nil)
	if err != nil {
		t.Fatalf("Add failed: %s\n", err)
	}
	clk.advance(ms + 1)
	kt.PollSoft(0)
	if fired != 1 {
		t.Fatalf("fired %d times, expected 1\n", fired)
	}
	if kt.Pending(h) {
		t.Errorf("Pending true after Remove from the callback\n")
	}
	clk.advance(10 * ms)
	if kt.PollSoft(0); fired != 1 {
		t.Errorf("periodic re-armed after Remove from its callback\n")
	}
}

func TestRemoveSyncWaitsForCallback(t *testing.T) {
	kt, clk := newTestTimer(t, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	h, err := kt.Add(0, 1, Periodic,
		func(interface{}, AbsCycles) {
			started <- struct{}{}
			<-release
		}, nil)
	if err != nil {
		t.Fatalf("Add failed: %s\n", err)
	}
	clk.advance(ms + 1)
	polled := make(chan struct{})
	go func() {
		kt.PollSoft(0)
		close(polled)
	}()
	<-started
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	// must block until the callback finished, then cancel for good
	if !kt.RemoveSync(h) {
		t.Errorf("RemoveSync failed on a live periodic timer\n")
	}
	select {
	case <-release:
	default:
		t.Errorf("RemoveSync returned while the callback was running\n")
	}
	<-polled
	if kt.Pending(h) {
		t.Errorf("Pending true after RemoveSync\n")
	}
	clk.advance(10 * ms)
	if n := kt.PollSoft(0); n != 0 {
		t.Errorf("timer fired after RemoveSync\n")
	}

	if kt.RemoveSync(h) {
		t.Errorf("RemoveSync succeeded on a stale handle\n")
	}
}

func TestInterruptSubTicks(t *testing.T) {
	clk := &fakeChipset{}
	var schedTicks, statsTicks uint32
	var kt KTimer
	cfg := Config{
		NumPCPUs: 2,
		Clock: ClockConfig{
			Kind:        ClockChipset,
			ChipsetRead: clk.read,
			ChipsetHz:   testHz,
		},
		SchedTick: func(pcpu uint32, _ AbsCycles) {
			if pcpu == 0 {
				atomic.AddUint32(&schedTicks, 1)
			}
		},
		StatsTick: func(pcpu uint32) {
			if pcpu == 0 {
				atomic.AddUint32(&statsTicks, 1)
			}
		},
	}
	if err := kt.Init(&cfg); err != nil {
		t.Fatalf("Init failed: %s\n", err)
	}
	if kt.Jiffies() != 0 {
		t.Errorf("jiffies %d right after Init\n", kt.Jiffies())
	}
	// a single late hard tick catches up on all the sub-ticks
	clk.advance(50 * ms)
	kt.Interrupt(0)
	kt.Interrupt(1)
	if kt.Jiffies() != 5 {
		t.Errorf("jiffies %d after 50 ms, expected 5\n", kt.Jiffies())
	}
	if schedTicks != 50 {
		t.Errorf("sched ticks %d after 50 ms, expected 50\n", schedTicks)
	}
	if statsTicks != 5 {
		t.Errorf("stats ticks %d after 50 ms, expected 5\n", statsTicks)
	}
	// jiffies are counted on pcpu 0 only
	clk.advance(10 * ms)
	kt.Interrupt(1)
	if kt.Jiffies() != 5 {
		t.Errorf("pcpu 1 interrupt advanced the jiffies\n")
	}
	ws, err := kt.Stats(0)
	if err != nil {
		t.Fatalf("Stats failed: %s\n", err)
	}
	if ws.Interrupts != 1 {
		t.Errorf("interrupt count %d, expected 1\n", ws.Interrupts)
	}
}

func TestSetHardPeriod(t *testing.T) {
	clk := &fakeChipset{}
	type setCall struct {
		pcpu     uint32
		periodUS uint32
	}
	var calls []setCall
	var kt KTimer
	cfg := Config{
		NumPCPUs: 1,
		Clock: ClockConfig{
			Kind:        ClockChipset,
			ChipsetRead: clk.read,
			ChipsetHz:   testHz,
		},
		SetHardTimer: func(pcpu, periodUS uint32) uint32 {
			calls = append(calls, setCall{pcpu, periodUS})
			return 7 // bus cycles eaten by the reprogramming
		},
	}
	if err := kt.Init(&cfg); err != nil {
		t.Fatalf("Init failed: %s\n", err)
	}
	// the initial period is programmed on the first hard tick
	kt.Interrupt(0)
	ws, _ := kt.Stats(0)
	if ws.HardPeriodUS != DefaultHardPeriodUS || ws.PeriodSets != 1 ||
		ws.LostBusCycles != 7 {
		t.Errorf("after first interrupt: period %d sets %d lost %d\n",
			ws.HardPeriodUS, ws.PeriodSets, ws.LostBusCycles)
	}
	if err := kt.SetHardPeriod(2000); err != nil {
		t.Fatalf("SetHardPeriod failed: %s\n", err)
	}
	// not applied until the next hard tick
	ws, _ = kt.Stats(0)
	if ws.HardPeriodUS != DefaultHardPeriodUS {
		t.Errorf("period change applied outside the hard tick\n")
	}
	kt.Interrupt(0)
	ws, _ = kt.Stats(0)
	if ws.HardPeriodUS != 2000 || ws.PeriodSets != 2 ||
		ws.LostBusCycles != 14 {
		t.Errorf("after period change: period %d sets %d lost %d\n",
			ws.HardPeriodUS, ws.PeriodSets, ws.LostBusCycles)
	}
	if len(calls) != 2 || calls[1].periodUS != 2000 {
		t.Errorf("hard timer hook calls: %v\n", calls)
	}
	// steady state: no reprogramming
	kt.Interrupt(0)
	if len(calls) != 2 {
		t.Errorf("hard timer reprogrammed without a period change\n")
	}
}

func TestStatsSnapshot(t *testing.T) {
	kt, _ := newTestTimer(t, 1)
	g, err := kt.CreateGroup(0)
	if err != nil {
		t.Fatalf("CreateGroup failed: %s\n", err)
	}
	cb := func(interface{}, AbsCycles) {}
	h1, _ := kt.Add(0, 10, OneShot, cb, nil)
	h2, _ := kt.AddToGroup(0, g, 20, Periodic, cb, nil)
	ws, err := kt.Stats(0)
	if err != nil {
		t.Fatalf("Stats failed: %s\n", err)
	}
	if ws.Allocated != 2 || ws.Free != MaxTimers-2 {
		t.Errorf("allocated %d free %d, expected 2 / %d\n",
			ws.Allocated, ws.Free, MaxTimers-2)
	}
	found := 0
	for _, ti := range ws.Timers {
		switch ti.Handle {
		case h1:
			found++
			if ti.Flags&OneShot == 0 || ti.Group != DefaultGroup {
				t.Errorf("h1 snapshot: flags 0x%x group 0x%x\n",
					ti.Flags, ti.Group)
			}
		case h2:
			found++
			if ti.Flags&Periodic == 0 || ti.Group != g ||
				ti.PeriodTC != 20*ms {
				t.Errorf("h2 snapshot: flags 0x%x group 0x%x"+
					" period %d\n", ti.Flags, ti.Group, ti.PeriodTC)
			}
		}
	}
	if found != 2 {
		t.Errorf("snapshot misses timers: %d of 2\n", found)
	}
	if len(ws.String()) == 0 {
		t.Errorf("empty stats report\n")
	}
	if _, err := kt.Stats(1); err != ErrInvalidPCPU {
		t.Errorf("Stats on invalid pcpu: expected %s, got %v\n",
			ErrInvalidPCPU, err)
	}
}

func TestSysUptime(t *testing.T) {
	kt, clk := newTestTimer(t, 1)
	clk.advance(123 * ms)
	if up := kt.SysUptime(); up != 123*ms {
		t.Errorf("SysUptime = %d, expected %d\n", up, 123*ms)
	}
}

// storm self-test: a random mix of one-shot and periodic timers driven
// tick by tick, checking exact fire counts and full pool recovery
func TestTimerStorm(t *testing.T) {
	kt, clk := newTestTimer(t, 1)

	const oneShots = 200
	const periodics = 50
	const runMS = 60

	osFired := make([]int, oneShots)
	osTimeout := make([]uint32, oneShots)
	for i := 0; i < oneShots; i++ {
		osTimeout[i] = uint32(rand.Intn(50) + 1)
		idx := i
		if _, err := kt.Add(0, osTimeout[i], OneShot,
			func(interface{}, AbsCycles) { osFired[idx]++ },
			nil); err != nil {
			t.Fatalf("one-shot %d: Add failed: %s\n", i, err)
		}
	}
	pFired := make([]int, periodics)
	pPeriod := make([]uint32, periodics)
	pH := make([]Handle, periodics)
	for i := 0; i < periodics; i++ {
		pPeriod[i] = uint32(rand.Intn(10) + 1)
		idx := i
		var err error
		if pH[i], err = kt.Add(0, pPeriod[i], Periodic,
			func(interface{}, AbsCycles) { pFired[idx]++ },
			nil); err != nil {
			t.Fatalf("periodic %d: Add failed: %s\n", i, err)
		}
	}

	for i := 0; i < runMS; i++ {
		clk.advance(ms)
		kt.Interrupt(0)
		kt.PollSoft(0)
	}

	for i := 0; i < oneShots; i++ {
		if osFired[i] != 1 {
			t.Errorf("one-shot %d (timeout %d ms) fired %d times"+
				" (seed %d)\n", i, osTimeout[i], osFired[i], seed)
		}
	}
	for i := 0; i < periodics; i++ {
		want := runMS / int(pPeriod[i])
		if pFired[i] != want {
			t.Errorf("periodic %d (period %d ms) fired %d times,"+
				" expected %d (seed %d)\n",
				i, pPeriod[i], pFired[i], want, seed)
		}
		if !kt.Remove(pH[i]) {
			t.Errorf("periodic %d: Remove failed\n", i)
		}
	}
	// everything accounted for: the pool is whole again
	ws, err := kt.Stats(0)
	if err != nil {
		t.Fatalf("Stats failed: %s\n", err)
	}
	if ws.Allocated != 0 || ws.Free != MaxTimers {
		t.Errorf("pool not drained: allocated %d free %d\n",
			ws.Allocated, ws.Free)
	}
}

func TestStartShutdown(t *testing.T) {
	var kt KTimer
	cfg := Config{
		NumPCPUs: 2,
		Clock:    ClockConfig{Kind: ClockMonotonic},
	}
	if err := kt.Init(&cfg); err != nil {
		t.Fatalf("Init failed: %s\n", err)
	}
	if err := kt.Start(); err != nil {
		t.Fatalf("Start failed: %s\n", err)
	}
	ch := make(chan struct{}, 1)
	if _, err := kt.Add(1, 20, OneShot,
		func(interface{}, AbsCycles) { ch <- struct{}{} }, nil); err != nil {
		t.Fatalf("Add failed: %s\n", err)
	}
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timer did not fire within 5s (asked for 20ms)\n")
	}
	kt.Shutdown()
	if kt.Jiffies() == 0 {
		t.Errorf("jiffies did not advance while running\n")
	}
}
