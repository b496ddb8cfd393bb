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

// Package priority implements priority scheduling with aging (spec §4.3):
// a singly-linked list kept sorted by current_priority non-increasing
// (higher value runs first), with periodic aging and an anti-starvation
// boost so a long-waiting low-priority task eventually preempts a CPU hog.
package priority

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	logger "github.com/containers/schedcore/pkg/log"
	"github.com/containers/schedcore/pkg/sched"
	"github.com/containers/schedcore/pkg/sched/pool"
)

const (
	// NumLevels is the number of distinct priority values (NumLevels-1 highest).
	NumLevels = 100
	// IOBonus is how much an I/O-bound task's priority improves on wakeup.
	IOBonus = 5
	// decayAmount is how much a running task's priority worsens per tick,
	// the counterweight to aging, so CPU-bound tasks lose ground to
	// waiting ones (classic decay-priority balance).
	decayAmount = 1
)

var log logger.Logger = logger.Get("policy.priority")

func init() {
	sched.Register(sched.PRIORITY, New)
}

type node struct {
	basePriority    uint32
	currentPriority uint32
	waitTime        uint64
	lastRun         uint64
	cpuBurst        uint32
	ioBound         bool
	next            sched.Pid
	linked          bool
}

// Stats mirrors the original source's prio_stats_t.
type Stats struct {
	TotalSchedules     uint64
	ContextSwitches    uint64
	PriorityChanges    uint32
	AgingBoosts        uint32
	StarvationBoosts   uint32
	Preemptions        uint32
	CurrentQueueLength uint32
	AvgWaitTime        uint32
}

// Backend implements sched.Backend for priority-with-aging scheduling.
type Backend struct {
	nodes *pool.Pool[node]

	head    sched.Pid // NoPid when empty
	current sched.Pid

	agingEnabled  bool
	agingInterval uint32
	agingAmount   uint32
	starvation    uint64

	stats Stats
}

// New constructs an uninitialized priority backend.
func New() sched.Backend {
	return &Backend{head: sched.NoPid, current: sched.NoPid}
}

func (b *Backend) Name() string { return string(sched.PRIORITY) }
func (b *Backend) Description() string {
	return "priority scheduling with aging and starvation prevention"
}

func (b *Backend) Setup(opts *sched.BackendOptions) error {
	b.nodes = pool.New[node](opts.Table.Capacity())
	b.head = sched.NoPid
	b.current = sched.NoPid
	b.agingEnabled = true
	b.agingInterval = 10
	b.agingAmount = 1
	b.starvation = 200
	if opts.Config != nil {
		if opts.Config.PriorityAgingInterval != 0 {
			b.agingInterval = opts.Config.PriorityAgingInterval
		}
		if opts.Config.PriorityAgingAmount != 0 {
			b.agingAmount = opts.Config.PriorityAgingAmount
		}
		if opts.Config.PriorityStarvationThreshold != 0 {
			b.starvation = opts.Config.PriorityStarvationThreshold
		}
	}
	b.stats = Stats{}
	log.Info("priority policy set up: aging_interval=%d aging_amount=%d starvation=%d",
		b.agingInterval, b.agingAmount, b.starvation)
	return nil
}

func (b *Backend) Shutdown() {
	b.nodes.Each(func(pid int, _ *node) { b.nodes.Release(pid) })
	b.head = sched.NoPid
	b.current = sched.NoPid
}

func clampPriority(p uint32) uint32 {
	if p >= NumLevels {
		return NumLevels - 1
	}
	return p
}

// insertOrdered splices pid into the list, after every existing node whose
// priority is >= pid's (so equal priorities preserve FIFO order), keeping
// the list sorted by current_priority non-increasing — head is the
// highest-priority node.
func (b *Backend) insertOrdered(pid sched.Pid) {
	n, _ := b.nodes.Get(int(pid))
	n.linked = true

	if b.head == sched.NoPid {
		b.head = pid
		n.next = sched.NoPid
		return
	}
	headNode, _ := b.nodes.Get(int(b.head))
	if n.currentPriority > headNode.currentPriority {
		n.next = b.head
		b.head = pid
		return
	}
	prev := b.head
	prevNode := headNode
	for prevNode.next != sched.NoPid {
		candNode, _ := b.nodes.Get(int(prevNode.next))
		if n.currentPriority > candNode.currentPriority {
			break
		}
		prev = prevNode.next
		prevNode = candNode
	}
	n.next = prevNode.next
	prevNode.next = pid
	_ = prev
}

func (b *Backend) remove(pid sched.Pid) {
	n, ok := b.nodes.Get(int(pid))
	if !ok || !n.linked {
		return
	}
	if b.head == pid {
		b.head = n.next
	} else {
		cur := b.head
		for cur != sched.NoPid {
			curNode, _ := b.nodes.Get(int(cur))
			if curNode.next == pid {
				curNode.next = n.next
				break
			}
			cur = curNode.next
		}
	}
	n.next = sched.NoPid
	n.linked = false
}

func (b *Backend) reposition(pid sched.Pid) {
	b.remove(pid)
	b.insertOrdered(pid)
}

func (b *Backend) Enqueue(pid sched.Pid) error {
	n, ok := b.nodes.Alloc(int(pid))
	if !ok {
		return errors.Errorf("priority: pid %d out of range", pid)
	}
	if n.linked {
		return nil
	}
	if n.basePriority == 0 && n.currentPriority == 0 && n.cpuBurst == 0 {
		n.basePriority = NumLevels / 2
	}
	n.currentPriority = n.basePriority
	if n.ioBound {
		n.currentPriority = clampPriority(n.currentPriority + IOBonus)
	}
	n.waitTime = 0
	b.insertOrdered(pid)
	b.updateQueueLength()
	return nil
}

func saturatingSub(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}

func (b *Backend) Dequeue(pid sched.Pid) error {
	if !b.nodes.InUse(int(pid)) {
		return nil
	}
	b.remove(pid)
	b.nodes.Release(int(pid))
	b.updateQueueLength()
	return nil
}

func (b *Backend) updateQueueLength() {
	b.stats.CurrentQueueLength = uint32(b.nodes.Allocated())
}

func (b *Backend) PickNext() sched.Pid { return b.head }

func (b *Backend) Schedule() sched.Pid {
	if b.current != sched.NoPid {
		if cur, ok := b.nodes.Get(int(b.current)); ok && !cur.linked {
			b.insertOrdered(b.current)
		}
		b.current = sched.NoPid
	}
	if b.head == sched.NoPid {
		b.current = sched.NoPid
		return sched.NoPid
	}
	next := b.head
	b.remove(next)
	n, _ := b.nodes.Get(int(next))
	n.lastRun++
	b.current = next
	b.stats.TotalSchedules++
	return next
}

// Tick ages every waiting node, applies the anti-starvation boost, decays
// the running task, and reports whether the new head now outranks it.
func (b *Backend) Tick(now uint64) bool {
	if b.agingEnabled {
		b.ageAll()
	}
	b.checkStarvation()

	if b.current == sched.NoPid {
		return false
	}
	curNode, ok := b.nodes.Get(int(b.current))
	if ok {
		curNode.cpuBurst++
		curNode.currentPriority = saturatingSub(curNode.currentPriority, decayAmount)
	}
	if b.head == sched.NoPid {
		return false
	}
	headNode, _ := b.nodes.Get(int(b.head))
	if ok && headNode.currentPriority > curNode.currentPriority {
		b.stats.Preemptions++
		return true
	}
	return false
}

func (b *Backend) ageAll() {
	pid := b.head
	var moved []sched.Pid
	for pid != sched.NoPid {
		n, _ := b.nodes.Get(int(pid))
		next := n.next
		n.waitTime++
		if b.agingInterval != 0 && n.waitTime%uint64(b.agingInterval) == 0 {
			if n.currentPriority < NumLevels-1 {
				if n.currentPriority+b.agingAmount >= NumLevels-1 {
					n.currentPriority = NumLevels - 1
				} else {
					n.currentPriority += b.agingAmount
				}
				b.stats.AgingBoosts++
				moved = append(moved, pid)
			}
		}
		pid = next
	}
	for _, p := range moved {
		b.reposition(p)
	}
}

func (b *Backend) checkStarvation() {
	pid := b.head
	var moved []sched.Pid
	for pid != sched.NoPid {
		n, _ := b.nodes.Get(int(pid))
		next := n.next
		if n.waitTime >= b.starvation && n.currentPriority != NumLevels-1 {
			n.currentPriority = NumLevels - 1
			b.stats.StarvationBoosts++
			moved = append(moved, pid)
		}
		pid = next
	}
	for _, p := range moved {
		b.reposition(p)
	}
}

func (b *Backend) Yield(pid sched.Pid) bool {
	return b.head != sched.NoPid
}

func (b *Backend) Preempt(pid sched.Pid) bool {
	return true
}

func (b *Backend) SetPriority(pid sched.Pid, priority uint32) error {
	priority = clampPriority(priority)
	n, ok := b.nodes.Alloc(int(pid))
	if !ok {
		return errors.Errorf("priority: pid %d out of range", pid)
	}
	n.basePriority = priority
	if n.linked {
		n.currentPriority = priority
		b.reposition(pid)
	} else if pid == b.current {
		n.currentPriority = priority
	}
	b.stats.PriorityChanges++
	return nil
}

func (b *Backend) GetPriority(pid sched.Pid) (uint32, error) {
	n, ok := b.nodes.Get(int(pid))
	if !ok {
		return 0, errors.Errorf("priority: pid %d has no node", pid)
	}
	return n.currentPriority, nil
}

func (b *Backend) SetQuantum(q uint32) {}
func (b *Backend) GetQuantum() uint32  { return 0 }

func (b *Backend) Stats() interface{} { return b.stats }
func (b *Backend) ResetStats()        { b.stats = Stats{} }

func (b *Backend) Dump() string {
	var sb strings.Builder
	sb.WriteString("priority queue (descending):")
	for pid := b.head; pid != sched.NoPid; {
		n, _ := b.nodes.Get(int(pid))
		fmt.Fprintf(&sb, " pid=%d(prio=%d,base=%d,wait=%d)", pid, n.currentPriority, n.basePriority, n.waitTime)
		pid = n.next
	}
	if b.current != sched.NoPid {
		fmt.Fprintf(&sb, " | running=%d", b.current)
	}
	return sb.String()
}

func (b *Backend) Validate() error {
	count := 0
	lastPriority := uint32(0)
	for pid := b.head; pid != sched.NoPid; {
		n, ok := b.nodes.Get(int(pid))
		if !ok {
			return errors.Errorf("priority: queued pid %d has no pool node", pid)
		}
		if count > 0 && n.currentPriority > lastPriority {
			return errors.Errorf("priority: list not sorted descending at pid %d", pid)
		}
		lastPriority = n.currentPriority
		count++
		pid = n.next
		if count > b.nodes.Capacity() {
			return errors.New("priority: list does not terminate, possible cycle")
		}
	}
	expected := b.nodes.Allocated()
	if b.current != sched.NoPid {
		expected--
	}
	if count != expected {
		return errors.Errorf("priority: list has %d nodes but expected %d allocated-minus-running", count, expected)
	}
	return nil
}
