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

// Package mlfq implements the multi-level feedback queue policy (spec
// §4.4): eight round-robin levels with exponentially growing quanta,
// demotion once a task has used its level's time allotment (twice the
// level quantum), periodic global priority boosts, and an
// I/O bonus that rewards interactive tasks with a level promotion.
package mlfq

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	logger "github.com/containers/schedcore/pkg/log"
	"github.com/containers/schedcore/pkg/sched"
	"github.com/containers/schedcore/pkg/sched/pool"
)

const (
	// NumLevels is the number of feedback queues, 0 highest priority.
	NumLevels = 8
	// IOBonusLevels is how many levels an I/O-bound task is promoted
	// once it crosses the I/O bonus threshold.
	IOBonusLevels = 1
)

var log logger.Logger = logger.Get("policy.mlfq")

func init() {
	sched.Register(sched.MLFQ, New)
}

type node struct {
	level          uint32
	allotmentUsed  uint32
	timeUsed       uint32
	arrival        uint64
	ioCount        uint32
	next, prev     sched.Pid
	linked         bool
}

type levelQueue struct {
	head, tail sched.Pid
	count      uint32
	quantum    uint32
	allotment  uint32
}

// Stats mirrors the original source's mlfq_stats_t.
type Stats struct {
	TotalSchedules  uint64
	ContextSwitches uint64
	Promotions      uint32
	Demotions       uint32
	PriorityBoosts  uint32
	IOBonuses       uint32
	PerLevelCount   [NumLevels]uint32
	PerLevelTime    [NumLevels]uint64
}

// Backend implements sched.Backend for the MLFQ policy.
type Backend struct {
	nodes  *pool.Pool[node]
	levels [NumLevels]levelQueue

	current sched.Pid
	ticks   uint64

	boostInterval   uint64
	boostEnabled    bool
	ioBonusEnabled  bool
	ioBonusAt       uint32

	stats Stats
}

// New constructs an uninitialized MLFQ backend.
func New() sched.Backend {
	return &Backend{current: sched.NoPid}
}

func (b *Backend) Name() string        { return string(sched.MLFQ) }
func (b *Backend) Description() string { return "multi-level feedback queue, 8 levels, boost + I/O bonus" }

func (b *Backend) Setup(opts *sched.BackendOptions) error {
	b.nodes = pool.New[node](opts.Table.Capacity())
	for i := range b.levels {
		q := uint32(1) << uint(i)
		b.levels[i] = levelQueue{
			head: sched.NoPid, tail: sched.NoPid,
			quantum: q, allotment: q * 2,
		}
	}
	b.current = sched.NoPid
	b.ticks = 0
	b.boostInterval = 1000
	b.boostEnabled = true
	b.ioBonusEnabled = true
	b.ioBonusAt = 5
	if opts.Config != nil {
		if opts.Config.MLFQBoostInterval != 0 {
			b.boostInterval = opts.Config.MLFQBoostInterval
		}
		if opts.Config.MLFQIOBonusThreshold != 0 {
			b.ioBonusAt = opts.Config.MLFQIOBonusThreshold
		}
	}
	b.stats = Stats{}
	log.Info("mlfq policy set up: levels=%d boost_interval=%d io_bonus_at=%d", NumLevels, b.boostInterval, b.ioBonusAt)
	return nil
}

func (b *Backend) Shutdown() {
	b.nodes.Each(func(pid int, _ *node) { b.nodes.Release(pid) })
	for i := range b.levels {
		b.levels[i].head, b.levels[i].tail, b.levels[i].count = sched.NoPid, sched.NoPid, 0
	}
	b.current = sched.NoPid
}

func (b *Backend) pushTail(level uint32, pid sched.Pid) {
	n, _ := b.nodes.Get(int(pid))
	q := &b.levels[level]
	n.next, n.prev = sched.NoPid, q.tail
	n.linked = true
	if q.tail != sched.NoPid {
		t, _ := b.nodes.Get(int(q.tail))
		t.next = pid
	} else {
		q.head = pid
	}
	q.tail = pid
	q.count++
}

func (b *Backend) unlink(level uint32, pid sched.Pid) {
	n, ok := b.nodes.Get(int(pid))
	if !ok || !n.linked {
		return
	}
	q := &b.levels[level]
	if n.prev != sched.NoPid {
		p, _ := b.nodes.Get(int(n.prev))
		p.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != sched.NoPid {
		nx, _ := b.nodes.Get(int(n.next))
		nx.prev = n.prev
	} else {
		q.tail = n.prev
	}
	n.next, n.prev = sched.NoPid, sched.NoPid
	n.linked = false
	if q.count > 0 {
		q.count--
	}
}

func (b *Backend) Enqueue(pid sched.Pid) error {
	n, ok := b.nodes.Alloc(int(pid))
	if !ok {
		return errors.Errorf("mlfq: pid %d out of range", pid)
	}
	if n.linked {
		return nil
	}
	n.arrival = b.ticks
	n.timeUsed = 0
	n.allotmentUsed = 0
	b.pushTail(n.level, pid)
	b.syncLevelCounts()
	return nil
}

func (b *Backend) Dequeue(pid sched.Pid) error {
	n, ok := b.nodes.Get(int(pid))
	if !ok {
		return nil
	}
	if n.linked {
		b.unlink(n.level, pid)
	}
	b.nodes.Release(int(pid))
	b.syncLevelCounts()
	return nil
}

func (b *Backend) syncLevelCounts() {
	for i := range b.levels {
		b.stats.PerLevelCount[i] = b.levels[i].count
	}
}

func (b *Backend) PickNext() sched.Pid {
	for i := range b.levels {
		if b.levels[i].head != sched.NoPid {
			return b.levels[i].head
		}
	}
	return sched.NoPid
}

func (b *Backend) Schedule() sched.Pid {
	if b.current != sched.NoPid {
		if cur, ok := b.nodes.Get(int(b.current)); ok && !cur.linked {
			b.pushTail(cur.level, b.current)
		}
		b.current = sched.NoPid
	}
	next := b.PickNext()
	if next == sched.NoPid {
		b.current = sched.NoPid
		return sched.NoPid
	}
	n, _ := b.nodes.Get(int(next))
	b.unlink(n.level, next)
	b.current = next
	b.stats.TotalSchedules++
	return next
}

// MoveToLevel forcibly relocates pid, requeuing it at the new level's tail.
func (b *Backend) MoveToLevel(pid sched.Pid, level uint32) {
	if level >= NumLevels {
		level = NumLevels - 1
	}
	n, ok := b.nodes.Get(int(pid))
	if !ok {
		return
	}
	wasLinked := n.linked
	oldLevel := n.level
	if wasLinked {
		b.unlink(oldLevel, pid)
	}
	n.level = level
	n.timeUsed = 0
	n.allotmentUsed = 0
	if wasLinked {
		b.pushTail(level, pid)
	}
	b.syncLevelCounts()
}

// Demote pushes pid one level down (toward lower priority).
func (b *Backend) Demote(pid sched.Pid) {
	n, ok := b.nodes.Get(int(pid))
	if !ok {
		return
	}
	if n.level+1 < NumLevels {
		b.MoveToLevel(pid, n.level+1)
		b.stats.Demotions++
	}
}

// Promote pulls pid one level up (toward higher priority).
func (b *Backend) Promote(pid sched.Pid) {
	n, ok := b.nodes.Get(int(pid))
	if !ok {
		return
	}
	if n.level > 0 {
		b.MoveToLevel(pid, n.level-1)
		b.stats.Promotions++
	}
}

// PriorityBoost resets every tracked process to level 0, the classic MLFQ
// anti-starvation rule (spec §4.4).
func (b *Backend) PriorityBoost() {
	var all []sched.Pid
	b.nodes.Each(func(pid int, n *node) {
		if n.linked {
			all = append(all, sched.Pid(pid))
		}
	})
	for _, pid := range all {
		n, _ := b.nodes.Get(int(pid))
		b.unlink(n.level, pid)
	}
	for _, pid := range all {
		n, _ := b.nodes.Get(int(pid))
		n.level = 0
		n.timeUsed = 0
		n.allotmentUsed = 0
		b.pushTail(0, pid)
	}
	if b.current != sched.NoPid {
		if n, ok := b.nodes.Get(int(b.current)); ok {
			n.level = 0
			n.timeUsed = 0
			n.allotmentUsed = 0
		}
	}
	if len(all) > 0 || b.current != sched.NoPid {
		b.stats.PriorityBoosts++
	}
	b.syncLevelCounts()
}

// IODone records that pid finished an I/O operation; once its I/O count
// crosses the configured threshold it is promoted IOBonusLevels levels.
func (b *Backend) IODone(pid sched.Pid) {
	n, ok := b.nodes.Get(int(pid))
	if !ok {
		return
	}
	n.ioCount++
	if b.ioBonusEnabled && n.ioCount > b.ioBonusAt {
		target := n.level
		if target >= IOBonusLevels {
			target -= IOBonusLevels
		} else {
			target = 0
		}
		n.ioCount = 0
		b.MoveToLevel(pid, target)
		b.stats.IOBonuses++
	}
}

func (b *Backend) Tick(now uint64) bool {
	b.ticks = now
	needResched := false

	if b.current != sched.NoPid {
		n, ok := b.nodes.Get(int(b.current))
		if ok {
			n.timeUsed++
			n.allotmentUsed++
			b.stats.PerLevelTime[n.level]++
			if n.timeUsed >= b.levels[n.level].quantum {
				needResched = true
				n.timeUsed = 0
				if n.allotmentUsed >= b.levels[n.level].allotment && n.level+1 < NumLevels {
					n.level++
					n.allotmentUsed = 0
					b.stats.Demotions++
				}
				b.pushTail(n.level, b.current)
				b.current = sched.NoPid
			}
		}
	}

	if b.boostEnabled && b.boostInterval != 0 && now%b.boostInterval == 0 && now != 0 {
		b.PriorityBoost()
		needResched = true
	}

	return needResched
}

func (b *Backend) Yield(pid sched.Pid) bool {
	if b.current == pid && pid != sched.NoPid {
		if n, ok := b.nodes.Get(int(pid)); ok {
			n.timeUsed = 0
			b.pushTail(n.level, pid)
			b.current = sched.NoPid
		}
	}
	return true
}

func (b *Backend) Preempt(pid sched.Pid) bool {
	if b.current == pid && pid != sched.NoPid {
		if n, ok := b.nodes.Get(int(pid)); ok {
			n.timeUsed = 0
			b.pushTail(n.level, pid)
			b.current = sched.NoPid
		}
	}
	return true
}

func (b *Backend) SetPriority(pid sched.Pid, priority uint32) error {
	level := priority % NumLevels
	b.MoveToLevel(pid, level)
	return nil
}

func (b *Backend) GetPriority(pid sched.Pid) (uint32, error) {
	n, ok := b.nodes.Get(int(pid))
	if !ok {
		return 0, errors.Errorf("mlfq: pid %d has no node", pid)
	}
	return n.level, nil
}

func (b *Backend) SetQuantum(q uint32) {
	if q == 0 {
		return
	}
	b.levels[0].quantum = q
	b.levels[0].allotment = q * 2
}
func (b *Backend) GetQuantum() uint32 { return b.levels[0].quantum }

func (b *Backend) Stats() interface{} { return b.stats }
func (b *Backend) ResetStats()        { b.stats = Stats{} }

func (b *Backend) Dump() string {
	var sb strings.Builder
	for i := range b.levels {
		fmt.Fprintf(&sb, "L%d(q=%d):", i, b.levels[i].quantum)
		for pid := b.levels[i].head; pid != sched.NoPid; {
			n, _ := b.nodes.Get(int(pid))
			fmt.Fprintf(&sb, " %d", pid)
			pid = n.next
		}
		sb.WriteString(" | ")
	}
	if b.current != sched.NoPid {
		fmt.Fprintf(&sb, "running=%d", b.current)
	}
	return sb.String()
}

func (b *Backend) Validate() error {
	total := 0
	for i := range b.levels {
		count := 0
		for pid := b.levels[i].head; pid != sched.NoPid; {
			n, ok := b.nodes.Get(int(pid))
			if !ok {
				return errors.Errorf("mlfq: level %d has dangling pid %d", i, pid)
			}
			if int(n.level) != i {
				return errors.Errorf("mlfq: pid %d queued at level %d but node says level %d", pid, i, n.level)
			}
			count++
			pid = n.next
			if count > b.nodes.Capacity() {
				return errors.Errorf("mlfq: level %d queue does not terminate", i)
			}
		}
		if uint32(count) != b.levels[i].count {
			return errors.Errorf("mlfq: level %d reports count %d but has %d linked nodes", i, b.levels[i].count, count)
		}
		total += count
	}
	expected := b.nodes.Allocated()
	if b.current != sched.NoPid {
		expected--
	}
	if total != expected {
		return errors.Errorf("mlfq: queues hold %d nodes but expected %d", total, expected)
	}
	return nil
}
