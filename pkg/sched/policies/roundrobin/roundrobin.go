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

// Package roundrobin implements the round-robin scheduling policy (spec
// §4.2): a circular doubly-linked ready queue and a fixed quantum, the
// simplest of the six backends.
package roundrobin

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	logger "github.com/containers/schedcore/pkg/log"
	"github.com/containers/schedcore/pkg/sched"
	"github.com/containers/schedcore/pkg/sched/pool"
)

const (
	minQuantum     uint32 = 1
	maxQuantum     uint32 = 100
	defaultQuantum uint32 = 10
)

var log logger.Logger = logger.Get("policy.rr")

func init() {
	sched.Register(sched.RR, New)
}

// node is the per-process bookkeeping kept in the circular queue.
type node struct {
	timeRemaining uint32
	totalTime     uint64
	rounds        uint32
	next          sched.Pid
	prev          sched.Pid
	linked        bool
}

// Stats mirrors the original source's rr_stats_t.
type Stats struct {
	TotalProcesses        uint32
	TotalContextSwitches   uint64
	TotalQuantumExpires    uint64
	AvgWaitTime            uint32
	CurrentQueueLength     uint32
	MaxQueueLength         uint32
}

// Backend implements sched.Backend for the round-robin policy.
type Backend struct {
	table   sched.ProcessTable
	nodes   *pool.Pool[node]
	quantum uint32

	head sched.Pid // NoPid when the queue is empty
	stats Stats
}

// New constructs an uninitialized round-robin backend; Setup must be
// called before use.
func New() sched.Backend {
	return &Backend{head: sched.NoPid, quantum: defaultQuantum}
}

func (b *Backend) Name() string        { return string(sched.RR) }
func (b *Backend) Description() string { return "round-robin: fixed quantum, circular ready queue" }

func (b *Backend) Setup(opts *sched.BackendOptions) error {
	b.table = opts.Table
	b.nodes = pool.New[node](opts.Table.Capacity())
	b.quantum = defaultQuantum
	if opts.Config != nil && opts.Config.Quantum != 0 {
		b.quantum = clamp(opts.Config.Quantum)
	}
	b.head = sched.NoPid
	b.stats = Stats{}
	log.Info("round-robin policy set up: quantum=%d capacity=%d", b.quantum, opts.Table.Capacity())
	return nil
}

func (b *Backend) Shutdown() {
	b.nodes.Each(func(pid int, _ *node) { b.nodes.Release(pid) })
	b.head = sched.NoPid
}

func clamp(q uint32) uint32 {
	if q < minQuantum {
		return minQuantum
	}
	if q > maxQuantum {
		return maxQuantum
	}
	return q
}

// link splices pid's node in just before head, i.e. at the tail of the ring.
func (b *Backend) link(pid sched.Pid) {
	n, _ := b.nodes.Get(int(pid))
	if b.head == sched.NoPid {
		b.head = pid
		n.next, n.prev = pid, pid
		n.linked = true
		return
	}
	headNode, _ := b.nodes.Get(int(b.head))
	tail := headNode.prev
	tailNode, _ := b.nodes.Get(int(tail))

	n.next = b.head
	n.prev = tail
	tailNode.next = pid
	headNode.prev = pid
	n.linked = true
}

// unlink removes pid from the ring, adjusting head if necessary.
func (b *Backend) unlink(pid sched.Pid) {
	n, ok := b.nodes.Get(int(pid))
	if !ok || !n.linked {
		return
	}
	if n.next == pid {
		// sole member
		b.head = sched.NoPid
	} else {
		prevNode, _ := b.nodes.Get(int(n.prev))
		nextNode, _ := b.nodes.Get(int(n.next))
		prevNode.next = n.next
		nextNode.prev = n.prev
		if b.head == pid {
			b.head = n.next
		}
	}
	n.linked = false
}

func (b *Backend) Enqueue(pid sched.Pid) error {
	n, ok := b.nodes.Alloc(int(pid))
	if !ok {
		return errors.Errorf("roundrobin: pid %d out of range", pid)
	}
	if n.linked {
		return nil // already queued: silent no-op
	}
	if n.timeRemaining == 0 {
		n.timeRemaining = b.quantum
	}
	b.link(pid)
	b.stats.TotalProcesses++
	b.updateQueueLength()
	return nil
}

func (b *Backend) Dequeue(pid sched.Pid) error {
	if !b.nodes.InUse(int(pid)) {
		return nil
	}
	b.unlink(pid)
	b.nodes.Release(int(pid))
	b.updateQueueLength()
	return nil
}

func (b *Backend) updateQueueLength() {
	b.stats.CurrentQueueLength = uint32(b.nodes.Allocated())
	if b.stats.CurrentQueueLength > b.stats.MaxQueueLength {
		b.stats.MaxQueueLength = b.stats.CurrentQueueLength
	}
}

// PickNext returns the cursor without moving it (spec §4.2's pick_next).
func (b *Backend) PickNext() sched.Pid {
	return b.head
}

// Schedule also just returns the cursor: unlike the queue-based policies,
// round-robin's "current" process stays linked in the ring while it runs,
// so there is nothing to remove here. Only rotate() (driven by quantum
// expiry in Tick, or a forced rotation in Yield) ever advances the cursor.
func (b *Backend) Schedule() sched.Pid {
	return b.head
}

// rotate advances the cursor to the current head's successor and resets
// the new head's time slice to a full quantum (spec §4.2's rotate()).
func (b *Backend) rotate() {
	if b.head == sched.NoPid {
		return
	}
	n, _ := b.nodes.Get(int(b.head))
	b.head = n.next
	if next, ok := b.nodes.Get(int(b.head)); ok {
		next.timeRemaining = b.quantum
	}
}

func (b *Backend) Tick(now uint64) bool {
	if b.head == sched.NoPid {
		return false
	}
	n, ok := b.nodes.Get(int(b.head))
	if !ok {
		return false
	}
	n.totalTime++
	if n.timeRemaining > 0 {
		n.timeRemaining--
	}
	if n.timeRemaining == 0 {
		n.rounds++
		b.stats.TotalQuantumExpires++
		b.rotate()
		return true
	}
	return false
}

func (b *Backend) Yield(pid sched.Pid) bool {
	b.rotate()
	return true
}

func (b *Backend) Preempt(pid sched.Pid) bool {
	return true
}

func (b *Backend) SetPriority(pid sched.Pid, priority uint32) error {
	return nil // round-robin has no notion of priority
}

func (b *Backend) GetPriority(pid sched.Pid) (uint32, error) {
	return 0, nil
}

func (b *Backend) SetQuantum(q uint32) {
	b.quantum = clamp(q)
}

func (b *Backend) GetQuantum() uint32 {
	return b.quantum
}

func (b *Backend) Stats() interface{} {
	b.stats.TotalContextSwitches = b.stats.TotalQuantumExpires
	return b.stats
}

func (b *Backend) ResetStats() {
	b.stats = Stats{}
}

func (b *Backend) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "round-robin queue (quantum=%d):", b.quantum)
	if b.head == sched.NoPid {
		sb.WriteString(" <empty>")
		return sb.String()
	}
	cur := b.head
	for {
		n, _ := b.nodes.Get(int(cur))
		fmt.Fprintf(&sb, " pid=%d(rem=%d,rounds=%d)", cur, n.timeRemaining, n.rounds)
		cur = n.next
		if cur == b.head {
			break
		}
	}
	return sb.String()
}

func (b *Backend) Validate() error {
	if b.head == sched.NoPid {
		if b.nodes.Allocated() != 0 {
			return errors.New("roundrobin: empty head but allocated nodes remain")
		}
		return nil
	}
	seen := map[sched.Pid]bool{}
	cur := b.head
	for {
		if seen[cur] {
			return errors.Errorf("roundrobin: cycle does not close back to head, revisited pid %d", cur)
		}
		seen[cur] = true
		n, ok := b.nodes.Get(int(cur))
		if !ok {
			return errors.Errorf("roundrobin: queued pid %d has no pool node", cur)
		}
		next, ok := b.nodes.Get(int(n.next))
		if !ok || next.prev != cur {
			return errors.Errorf("roundrobin: broken prev/next link at pid %d", cur)
		}
		cur = n.next
		if cur == b.head {
			break
		}
	}
	if len(seen) != b.nodes.Allocated() {
		return errors.Errorf("roundrobin: ring has %d nodes but pool reports %d allocated", len(seen), b.nodes.Allocated())
	}
	return nil
}
