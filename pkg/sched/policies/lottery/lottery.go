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

// Package lottery implements lottery scheduling (spec §4.5): every ready
// process holds a number of tickets, a deterministic draw picks the
// winner each quantum weighted by ticket share, and tickets can be
// transferred between processes or temporarily boosted ("compensated")
// for a process that yielded before using its full quantum.
package lottery

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	logger "github.com/containers/schedcore/pkg/log"
	"github.com/containers/schedcore/pkg/sched"
	"github.com/containers/schedcore/pkg/sched/pool"
)

const (
	DefaultTickets uint32 = 100
	MinTickets     uint32 = 1
	MaxTickets     uint32 = 10000

	LowTickets      uint32 = 25
	NormalTickets   uint32 = 100
	HighTickets     uint32 = 400
	RealtimeTickets uint32 = 1600
)

var log logger.Logger = logger.Get("policy.lottery")

func init() {
	sched.Register(sched.LOTTERY, New)
}

type entry struct {
	baseTickets     uint32
	currentTickets  uint32
	compensation    uint32
	wins            uint64
	totalTickets    uint64
	next            sched.Pid
	linked          bool
}

// Stats mirrors the original source's lottery_stats_t.
type Stats struct {
	TotalLotteries      uint64
	TotalTickets        uint64
	ParticipantCount    uint32
	TicketsTransferred  uint32
	CompensationGiven   uint32
	FairnessIndex       float64
}

// Backend implements sched.Backend for lottery scheduling.
type Backend struct {
	entries *pool.Pool[entry]
	head    sched.Pid // ready list, unordered; draw walks it linearly

	current       sched.Pid
	rng           *rng
	quantum       uint32
	quantumUsed   uint32
	compensation  bool

	stats Stats
}

// New constructs an uninitialized lottery backend.
func New() sched.Backend {
	return &Backend{head: sched.NoPid, current: sched.NoPid}
}

func (b *Backend) Name() string        { return string(sched.LOTTERY) }
func (b *Backend) Description() string { return "lottery scheduling: weighted random ticket draw" }

func (b *Backend) Setup(opts *sched.BackendOptions) error {
	b.entries = pool.New[entry](opts.Table.Capacity())
	b.head = sched.NoPid
	b.current = sched.NoPid
	seed := uint32(1)
	b.quantum = 10
	b.compensation = true
	if opts.Config != nil {
		if opts.Config.LotterySeed != 0 {
			seed = opts.Config.LotterySeed
		}
		if opts.Config.LotteryQuantum != 0 {
			b.quantum = opts.Config.LotteryQuantum
		}
		b.compensation = opts.Config.LotteryCompensationEnabled
	}
	b.rng = newRNG(seed)
	b.stats = Stats{FairnessIndex: 1}
	log.Info("lottery policy set up: seed=%d quantum=%d compensation=%v", seed, b.quantum, b.compensation)
	return nil
}

func (b *Backend) Shutdown() {
	b.entries.Each(func(pid int, _ *entry) { b.entries.Release(pid) })
	b.head = sched.NoPid
	b.current = sched.NoPid
}

// SetSeed reseeds the draw, exposed for deterministic test setup and the
// lottery_set_seed original-source operation.
func (b *Backend) SetSeed(seed uint32) {
	b.rng = newRNG(seed)
}

func clampTickets(t uint32) uint32 {
	if t < MinTickets {
		return MinTickets
	}
	if t > MaxTickets {
		return MaxTickets
	}
	return t
}

func (b *Backend) link(pid sched.Pid) {
	n, _ := b.entries.Get(int(pid))
	n.next = b.head
	n.linked = true
	b.head = pid
}

func (b *Backend) unlink(pid sched.Pid) {
	n, ok := b.entries.Get(int(pid))
	if !ok || !n.linked {
		return
	}
	if b.head == pid {
		b.head = n.next
	} else {
		cur := b.head
		for cur != sched.NoPid {
			curEntry, _ := b.entries.Get(int(cur))
			if curEntry.next == pid {
				curEntry.next = n.next
				break
			}
			cur = curEntry.next
		}
	}
	n.next = sched.NoPid
	n.linked = false
}

func (b *Backend) Enqueue(pid sched.Pid) error {
	n, ok := b.entries.Alloc(int(pid))
	if !ok {
		return errors.Errorf("lottery: pid %d out of range", pid)
	}
	if n.linked {
		return nil
	}
	if n.baseTickets == 0 {
		n.baseTickets = DefaultTickets
	}
	n.currentTickets = n.baseTickets + n.compensation
	b.link(pid)
	return nil
}

func (b *Backend) Dequeue(pid sched.Pid) error {
	if !b.entries.InUse(int(pid)) {
		return nil
	}
	b.unlink(pid)
	b.entries.Release(int(pid))
	return nil
}

// IsParticipant reports whether pid currently holds tickets in the pool.
func (b *Backend) IsParticipant(pid sched.Pid) bool {
	return b.entries.InUse(int(pid))
}

func (b *Backend) totalTickets() uint64 {
	var sum uint64
	for pid := b.head; pid != sched.NoPid; {
		n, _ := b.entries.Get(int(pid))
		sum += uint64(n.currentTickets)
		pid = n.next
	}
	return sum
}

// Draw runs one weighted random draw over the ready list and returns the
// winning pid (NoPid if the list is empty).
func (b *Backend) Draw() sched.Pid {
	total := b.totalTickets()
	if total == 0 {
		return sched.NoPid
	}
	winning := uint64(b.rng.intn(uint32(total)))
	var acc uint64
	for pid := b.head; pid != sched.NoPid; {
		n, _ := b.entries.Get(int(pid))
		acc += uint64(n.currentTickets)
		if winning < acc {
			n.wins++
			n.totalTickets += uint64(n.currentTickets)
			b.stats.TotalLotteries++
			b.stats.TotalTickets += total
			return pid
		}
		pid = n.next
	}
	return sched.NoPid
}

func (b *Backend) PickNext() sched.Pid {
	return b.Draw()
}

func (b *Backend) Schedule() sched.Pid {
	winner := b.Draw()
	if winner == sched.NoPid {
		b.current = sched.NoPid
		return sched.NoPid
	}
	b.unlink(winner)
	b.current = winner
	b.quantumUsed = 0
	b.refreshParticipantCount()
	return winner
}

func (b *Backend) refreshParticipantCount() {
	count := uint32(b.entries.Allocated())
	b.stats.ParticipantCount = count
}

func (b *Backend) Tick(now uint64) bool {
	if b.current == sched.NoPid {
		return false
	}
	b.quantumUsed++
	if b.quantumUsed >= b.quantum {
		fraction := 1.0
		b.compensate(b.current, float32(fraction))
		if n, ok := b.entries.Get(int(b.current)); ok {
			n.currentTickets = n.baseTickets + n.compensation
			b.link(b.current)
		}
		b.current = sched.NoPid
		return true
	}
	return false
}

func (b *Backend) Yield(pid sched.Pid) bool {
	if b.current == pid && pid != sched.NoPid {
		fraction := float32(0)
		if b.quantum > 0 {
			fraction = float32(b.quantumUsed) / float32(b.quantum)
		}
		b.compensate(pid, fraction)
		if n, ok := b.entries.Get(int(pid)); ok {
			n.currentTickets = n.baseTickets + n.compensation
			b.link(pid)
		}
		b.current = sched.NoPid
	}
	return true
}

func (b *Backend) Preempt(pid sched.Pid) bool {
	if b.current == pid && pid != sched.NoPid {
		if n, ok := b.entries.Get(int(pid)); ok {
			b.link(pid)
			_ = n
		}
		b.current = sched.NoPid
	}
	return true
}

// compensate boosts a process's ticket count in proportion to how little
// of its quantum it actually used, so an I/O-bound process that yields
// early does not lose its fair long-run CPU share (spec §4.5).
func (b *Backend) compensate(pid sched.Pid, fractionUsed float32) {
	if !b.compensation {
		return
	}
	n, ok := b.entries.Get(int(pid))
	if !ok {
		return
	}
	if fractionUsed <= 0 {
		fractionUsed = 0.01
	}
	if fractionUsed >= 1 {
		n.compensation = 0
		return
	}
	boost := float32(n.baseTickets) * (1/fractionUsed - 1)
	if boost < 0 {
		boost = 0
	}
	n.compensation = clampTickets(uint32(boost))
	b.stats.CompensationGiven++
}

// SetTickets sets pid's base ticket allocation, clamped to
// [MinTickets, MaxTickets], returning the applied value.
func (b *Backend) SetTickets(pid sched.Pid, tickets uint32) uint32 {
	tickets = clampTickets(tickets)
	n, ok := b.entries.Alloc(int(pid))
	if !ok {
		return 0
	}
	n.baseTickets = tickets
	n.currentTickets = tickets + n.compensation
	return tickets
}

// GetTickets returns pid's base ticket allocation.
func (b *Backend) GetTickets(pid sched.Pid) uint32 {
	n, ok := b.entries.Get(int(pid))
	if !ok {
		return 0
	}
	return n.baseTickets
}

func (b *Backend) AddTickets(pid sched.Pid, tickets uint32) {
	n, ok := b.entries.Get(int(pid))
	if !ok {
		return
	}
	n.baseTickets = clampTickets(n.baseTickets + tickets)
	n.currentTickets = n.baseTickets + n.compensation
}

func (b *Backend) RemoveTickets(pid sched.Pid, tickets uint32) {
	n, ok := b.entries.Get(int(pid))
	if !ok {
		return
	}
	if tickets >= n.baseTickets {
		n.baseTickets = MinTickets
	} else {
		n.baseTickets -= tickets
	}
	n.currentTickets = n.baseTickets + n.compensation
}

// TransferTickets moves tickets from one process's allocation to
// another's, used to counter priority inversion when a low-ticket holder
// owns a resource a high-ticket process is waiting on.
func (b *Backend) TransferTickets(from, to sched.Pid, tickets uint32) uint32 {
	fromEntry, ok := b.entries.Get(int(from))
	if !ok {
		return 0
	}
	toEntry, ok := b.entries.Get(int(to))
	if !ok {
		return 0
	}
	if tickets > fromEntry.baseTickets-MinTickets {
		tickets = fromEntry.baseTickets - MinTickets
	}
	if tickets > MaxTickets-toEntry.baseTickets {
		tickets = MaxTickets - toEntry.baseTickets
	}
	fromEntry.baseTickets -= tickets
	toEntry.baseTickets = clampTickets(toEntry.baseTickets + tickets)
	fromEntry.currentTickets = fromEntry.baseTickets + fromEntry.compensation
	toEntry.currentTickets = toEntry.baseTickets + toEntry.compensation
	b.stats.TicketsTransferred += tickets
	return tickets
}

// Inflate scales every participant's base tickets by factor, the
// original source's currency-inflation knob for rebasing a long-running
// pool.
func (b *Backend) Inflate(factor float32) {
	b.entries.Each(func(_ int, n *entry) {
		n.baseTickets = clampTickets(uint32(float32(n.baseTickets) * factor))
		n.currentTickets = n.baseTickets + n.compensation
	})
}

// FairnessIndex computes Jain's fairness index over wins-per-ticket-share.
func (b *Backend) FairnessIndex() float64 {
	var ratios []float64
	total := b.totalTickets()
	if total == 0 {
		return 1
	}
	b.entries.Each(func(_ int, n *entry) {
		if n.currentTickets == 0 {
			return
		}
		expectedShare := float64(n.currentTickets) / float64(total)
		if b.stats.TotalLotteries == 0 {
			ratios = append(ratios, 1)
			return
		}
		actualShare := float64(n.wins) / float64(b.stats.TotalLotteries)
		if expectedShare == 0 {
			return
		}
		ratios = append(ratios, actualShare/expectedShare)
	})
	return sched.FairnessIndex(ratios)
}

func (b *Backend) SetPriority(pid sched.Pid, priority uint32) error {
	tickets := priority
	if tickets == 0 {
		tickets = NormalTickets
	}
	b.SetTickets(pid, tickets)
	return nil
}

func (b *Backend) GetPriority(pid sched.Pid) (uint32, error) {
	return b.GetTickets(pid), nil
}

func (b *Backend) SetQuantum(q uint32) { b.quantum = q }
func (b *Backend) GetQuantum() uint32  { return b.quantum }

func (b *Backend) Stats() interface{} {
	b.stats.FairnessIndex = b.FairnessIndex()
	return b.stats
}

func (b *Backend) ResetStats() {
	b.stats = Stats{FairnessIndex: 1}
}

func (b *Backend) Dump() string {
	var sb strings.Builder
	sb.WriteString("lottery pool:")
	for pid := b.head; pid != sched.NoPid; {
		n, _ := b.entries.Get(int(pid))
		fmt.Fprintf(&sb, " pid=%d(tickets=%d,wins=%d)", pid, n.currentTickets, n.wins)
		pid = n.next
	}
	if b.current != sched.NoPid {
		fmt.Fprintf(&sb, " | running=%d", b.current)
	}
	return sb.String()
}

func (b *Backend) Validate() error {
	count := 0
	for pid := b.head; pid != sched.NoPid; {
		n, ok := b.entries.Get(int(pid))
		if !ok {
			return errors.Errorf("lottery: queued pid %d has no entry", pid)
		}
		if n.currentTickets < MinTickets {
			return errors.Errorf("lottery: pid %d has %d tickets, below minimum", pid, n.currentTickets)
		}
		count++
		pid = n.next
		if count > b.entries.Capacity() {
			return errors.New("lottery: ready list does not terminate")
		}
	}
	expected := b.entries.Allocated()
	if b.current != sched.NoPid {
		expected--
	}
	if count != expected {
		return errors.Errorf("lottery: ready list has %d entries but expected %d", count, expected)
	}
	return nil
}
