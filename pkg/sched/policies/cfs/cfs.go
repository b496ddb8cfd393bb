// Copyright The Schedcore Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfs implements a completely-fair-scheduler style policy (spec
// §4.6): every runnable task carries a virtual runtime that advances in
// inverse proportion to its nice-derived weight, the timeline is kept
// ordered by vruntime so the leftmost (smallest) task always runs next,
// and a small "sleeper credit" keeps a task that just woke up from being
// immediately starved by everything that kept accruing vruntime while it
// slept.
//
// The original source keeps the timeline in a red-black tree; a sorted
// singly-linked list (the same structure the priority policy uses for
// its ready queue) gives identical pick-leftmost/insert-in-order
// semantics without pulling in a tree library nothing else in this
// module needs.
package cfs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	logger "github.com/containers/schedcore/pkg/log"
	"github.com/containers/schedcore/pkg/sched"
	"github.com/containers/schedcore/pkg/sched/pool"
)

const (
	NiceMin    = -20
	NiceMax    = 19
	NiceLevels = 40

	WeightNice0 = 1024

	defaultTargetLatency  = 20
	defaultMinGranularity = 4
)

// niceToWeight is the standard nice-to-scheduling-weight table, index 0
// corresponding to nice -20.
var niceToWeight = [NiceLevels]uint32{
	88761, 71755, 56483, 46273, 36291,
	29154, 23254, 18705, 14949, 11916,
	9548, 7620, 6100, 4904, 3906,
	3121, 2501, 1991, 1586, 1277,
	1024, 820, 655, 526, 423,
	335, 272, 215, 172, 137,
	110, 87, 70, 56, 45,
	36, 29, 23, 18, 15,
}

var log logger.Logger = logger.Get("policy.cfs")

func init() {
	sched.Register(sched.CFS, New)
}

type task struct {
	nice        int8
	weight      uint32
	vruntime    uint64
	execStart   uint64
	sumExec     uint64
	prevSumExec uint64
	sleepStart  uint64

	onRQ bool
	next sched.Pid // sorted-by-vruntime timeline link
}

// Stats mirrors the original source's cfs_stats_t.
type Stats struct {
	Switches      uint64
	TotalRuntime  uint64
	WaitTime      uint64
	SleepTime     uint64
	NRMigrations  uint32
	FairnessIndex float64
}

// Backend implements sched.Backend for the CFS-style policy.
type Backend struct {
	tasks *pool.Pool[task]

	timeline sched.Pid // head == leftmost, lowest vruntime
	nrRunning uint32
	loadWeight uint32
	minVruntime uint64
	clock       uint64

	current sched.Pid

	targetLatency  uint64
	minGranularity uint64
	sleeperCredit  bool

	stats Stats
}

// New constructs an uninitialized CFS backend.
func New() sched.Backend {
	return &Backend{timeline: sched.NoPid, current: sched.NoPid}
}

func (b *Backend) Name() string        { return string(sched.CFS) }
func (b *Backend) Description() string { return "completely-fair scheduling by virtual runtime" }

func (b *Backend) Setup(opts *sched.BackendOptions) error {
	b.tasks = pool.New[task](opts.Table.Capacity())
	b.timeline = sched.NoPid
	b.current = sched.NoPid
	b.nrRunning = 0
	b.loadWeight = 0
	b.minVruntime = 0
	b.clock = 0
	b.targetLatency = defaultTargetLatency
	b.minGranularity = defaultMinGranularity
	b.sleeperCredit = true
	if opts.Config != nil {
		if opts.Config.CFSTargetLatency != 0 {
			b.targetLatency = opts.Config.CFSTargetLatency
		}
		if opts.Config.CFSMinGranularity != 0 {
			b.minGranularity = opts.Config.CFSMinGranularity
		}
		b.sleeperCredit = opts.Config.CFSSleeperCreditEnabled
	}
	b.stats = Stats{FairnessIndex: 1}
	log.Info("cfs policy set up: target_latency=%d min_granularity=%d", b.targetLatency, b.minGranularity)
	return nil
}

func (b *Backend) Shutdown() {
	b.tasks.Each(func(pid int, _ *task) { b.tasks.Release(pid) })
	b.timeline = sched.NoPid
	b.current = sched.NoPid
}

func niceToWeightOf(nice int8) uint32 {
	idx := int(nice) + 20
	if idx < 0 {
		idx = 0
	}
	if idx >= NiceLevels {
		idx = NiceLevels - 1
	}
	return niceToWeight[idx]
}

// calcDelta scales a raw execution delta into vruntime units, inversely
// weighted: a low-weight (nice, deprioritized) task accrues vruntime
// faster per tick of real CPU time.
func calcDelta(deltaExec uint64, weight uint32) uint64 {
	if weight == 0 {
		weight = 1
	}
	return deltaExec * WeightNice0 / uint64(weight)
}

func (b *Backend) insertSorted(pid sched.Pid) {
	n, _ := b.tasks.Get(int(pid))
	if b.timeline == sched.NoPid || func() bool {
		h, _ := b.tasks.Get(int(b.timeline))
		return n.vruntime < h.vruntime
	}() {
		n.next = b.timeline
		b.timeline = pid
		return
	}
	prev := b.timeline
	prevTask, _ := b.tasks.Get(int(prev))
	for prevTask.next != sched.NoPid {
		cand, _ := b.tasks.Get(int(prevTask.next))
		if n.vruntime < cand.vruntime {
			break
		}
		prev = prevTask.next
		prevTask = cand
	}
	n.next = prevTask.next
	prevTask.next = pid
}

func (b *Backend) remove(pid sched.Pid) {
	n, ok := b.tasks.Get(int(pid))
	if !ok || !n.onRQ {
		return
	}
	if b.timeline == pid {
		b.timeline = n.next
	} else {
		cur := b.timeline
		for cur != sched.NoPid {
			c, _ := b.tasks.Get(int(cur))
			if c.next == pid {
				c.next = n.next
				break
			}
			cur = c.next
		}
	}
	n.next = sched.NoPid
	n.onRQ = false
}

func (b *Backend) updateMinVruntime() {
	candidate := b.minVruntime
	if b.current != sched.NoPid {
		if c, ok := b.tasks.Get(int(b.current)); ok {
			candidate = c.vruntime
		}
	}
	if b.timeline != sched.NoPid {
		if h, ok := b.tasks.Get(int(b.timeline)); ok && h.vruntime < candidate {
			candidate = h.vruntime
		}
	}
	if candidate > b.minVruntime {
		b.minVruntime = candidate
	}
}

// placeTask seeds a task's vruntime on (re)admission: brand new tasks
// start at min_vruntime; tasks waking from sleep get a bounded credit so
// they don't re-enter starved behind everything that ran while asleep.
func (b *Backend) placeTask(pid sched.Pid, initial bool) {
	n, _ := b.tasks.Get(int(pid))
	if initial {
		n.vruntime = b.minVruntime
		return
	}
	if !b.sleeperCredit || n.sleepStart == 0 {
		if n.vruntime < b.minVruntime {
			n.vruntime = b.minVruntime
		}
		return
	}
	sleepTime := b.clock - n.sleepStart
	credit := b.computeSleeperCredit(sleepTime)
	if n.vruntime > credit && n.vruntime-credit > b.minVruntime {
		n.vruntime -= credit
	} else {
		n.vruntime = b.minVruntime
	}
	n.sleepStart = 0
}

// computeSleeperCredit caps the wakeup vruntime credit at half the scheduling
// period, the original source's cfs_sleeper_credit.
func (b *Backend) computeSleeperCredit(sleepTime uint64) uint64 {
	max := b.targetLatency / 2
	if sleepTime > max {
		return max
	}
	return sleepTime
}

func (b *Backend) Enqueue(pid sched.Pid) error {
	n, ok := b.tasks.Alloc(int(pid))
	if !ok {
		return errors.Errorf("cfs: pid %d out of range", pid)
	}
	if n.onRQ {
		return nil
	}
	initial := n.weight == 0
	if initial {
		n.nice = 0
		n.weight = WeightNice0
	}
	b.placeTask(pid, initial)
	n.onRQ = true
	b.insertSorted(pid)
	b.nrRunning++
	b.loadWeight += n.weight
	b.updateMinVruntime()
	return nil
}

func (b *Backend) Dequeue(pid sched.Pid) error {
	n, ok := b.tasks.Get(int(pid))
	if !ok {
		return nil
	}
	if n.onRQ {
		b.remove(pid)
		if b.nrRunning > 0 {
			b.nrRunning--
		}
		if b.loadWeight >= n.weight {
			b.loadWeight -= n.weight
		}
	}
	b.tasks.Release(int(pid))
	return nil
}

func (b *Backend) PickNext() sched.Pid { return b.timeline }

func (b *Backend) Schedule() sched.Pid {
	if b.current != sched.NoPid {
		if cur, ok := b.tasks.Get(int(b.current)); ok && !cur.onRQ {
			cur.onRQ = true
			b.insertSorted(b.current)
		}
		b.current = sched.NoPid
	}
	next := b.timeline
	if next == sched.NoPid {
		b.current = sched.NoPid
		return sched.NoPid
	}
	b.remove(next)
	n, _ := b.tasks.Get(int(next))
	n.execStart = b.clock
	n.prevSumExec = n.sumExec
	b.current = next
	b.stats.Switches++
	return next
}

// schedSlice computes the scheduling period that timeslice divides among
// tasks by weight: the period grows past the target latency once there are
// more runnable tasks than it can fairly cover at minimum granularity
// (spec §4.6).
func (b *Backend) schedSlice() uint64 {
	period := b.targetLatency
	if uint64(b.nrRunning)*b.minGranularity > period {
		period = uint64(b.nrRunning) * b.minGranularity
	}
	return period
}

func (b *Backend) timeslice(weight uint32) uint64 {
	period := b.schedSlice()
	total := b.loadWeight
	if b.current != sched.NoPid {
		total += weight
	}
	if total == 0 {
		return b.minGranularity
	}
	ts := period * uint64(weight) / uint64(total)
	if ts < b.minGranularity {
		ts = b.minGranularity
	}
	return ts
}

func (b *Backend) Tick(now uint64) bool {
	delta := uint64(1)
	b.clock = now

	if b.current == sched.NoPid {
		return false
	}
	n, ok := b.tasks.Get(int(b.current))
	if !ok {
		return false
	}
	n.sumExec += delta
	n.vruntime += calcDelta(delta, n.weight)
	b.stats.TotalRuntime += delta
	b.updateMinVruntime()

	used := n.sumExec - n.prevSumExec
	if used >= b.timeslice(n.weight) {
		return true
	}
	return b.checkPreempt()
}

// checkPreempt reports whether the leftmost waiting task has accrued
// enough of a vruntime lead over the running task to justify an early
// preemption, mirroring cfs_check_preempt.
func (b *Backend) checkPreempt() bool {
	if b.current == sched.NoPid || b.timeline == sched.NoPid {
		return false
	}
	cur, _ := b.tasks.Get(int(b.current))
	left, _ := b.tasks.Get(int(b.timeline))
	return cur.vruntime > left.vruntime+b.minGranularity
}

func (b *Backend) Yield(pid sched.Pid) bool {
	if b.current == pid && pid != sched.NoPid {
		n, _ := b.tasks.Get(int(pid))
		n.onRQ = true
		b.insertSorted(pid)
		b.current = sched.NoPid
	}
	return true
}

func (b *Backend) Preempt(pid sched.Pid) bool {
	if b.current == pid && pid != sched.NoPid {
		n, _ := b.tasks.Get(int(pid))
		n.onRQ = true
		b.insertSorted(pid)
		b.current = sched.NoPid
	}
	return true
}

// Sleep records that pid is going to sleep, the anchor used to compute
// its wakeup sleeper credit.
func (b *Backend) Sleep(pid sched.Pid) {
	n, ok := b.tasks.Get(int(pid))
	if !ok {
		return
	}
	n.sleepStart = b.clock
}

// Wakeup re-admits a sleeping task with its sleeper credit applied.
func (b *Backend) Wakeup(pid sched.Pid) {
	if err := b.Enqueue(pid); err != nil {
		log.Warn("cfs wakeup enqueue pid %d: %v", pid, err)
	}
}

func (b *Backend) SetPriority(pid sched.Pid, priority uint32) error {
	nice := int8(int(priority) - 20)
	return b.setNice(pid, nice)
}

func (b *Backend) setNice(pid sched.Pid, nice int8) error {
	if nice < NiceMin {
		nice = NiceMin
	}
	if nice > NiceMax {
		nice = NiceMax
	}
	n, ok := b.tasks.Alloc(int(pid))
	if !ok {
		return errors.Errorf("cfs: pid %d out of range", pid)
	}
	oldWeight := n.weight
	n.nice = nice
	n.weight = niceToWeightOf(nice)
	if n.onRQ {
		b.loadWeight = b.loadWeight - oldWeight + n.weight
	}
	return nil
}

func (b *Backend) GetPriority(pid sched.Pid) (uint32, error) {
	n, ok := b.tasks.Get(int(pid))
	if !ok {
		return 0, errors.Errorf("cfs: pid %d has no task", pid)
	}
	return uint32(int(n.nice) + 20), nil
}

func (b *Backend) SetQuantum(q uint32) {
	if q != 0 {
		b.minGranularity = uint64(q)
	}
}
func (b *Backend) GetQuantum() uint32 { return uint32(b.minGranularity) }

func (b *Backend) Stats() interface{} { return b.stats }
func (b *Backend) ResetStats()        { b.stats = Stats{FairnessIndex: 1} }

func (b *Backend) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cfs timeline (min_vruntime=%d):", b.minVruntime)
	for pid := b.timeline; pid != sched.NoPid; {
		n, _ := b.tasks.Get(int(pid))
		fmt.Fprintf(&sb, " pid=%d(vr=%d,w=%d)", pid, n.vruntime, n.weight)
		pid = n.next
	}
	if b.current != sched.NoPid {
		fmt.Fprintf(&sb, " | running=%d", b.current)
	}
	return sb.String()
}

func (b *Backend) Validate() error {
	count := 0
	var last uint64
	for pid := b.timeline; pid != sched.NoPid; {
		n, ok := b.tasks.Get(int(pid))
		if !ok {
			return errors.Errorf("cfs: queued pid %d has no task", pid)
		}
		if count > 0 && n.vruntime < last {
			return errors.Errorf("cfs: timeline not sorted ascending at pid %d", pid)
		}
		last = n.vruntime
		count++
		pid = n.next
		if count > b.tasks.Capacity() {
			return errors.New("cfs: timeline does not terminate")
		}
	}
	if uint32(count) != b.nrRunning {
		return errors.Errorf("cfs: timeline has %d tasks but nr_running=%d", count, b.nrRunning)
	}
	return nil
}
