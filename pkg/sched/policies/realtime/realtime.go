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

// Package realtime implements periodic real-time scheduling (spec §4.7)
// behind a single backend that supports four interchangeable
// sub-algorithms selected at runtime: Earliest Deadline First, Rate
// Monotonic, Deadline Monotonic, and Least Laxity First. Tasks are
// declared with a period/deadline/WCET up front, released periodically
// by the tick handler, and checked against their absolute deadlines every
// tick under one of four configurable miss policies.
package realtime

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"

	logger "github.com/containers/schedcore/pkg/log"
	"github.com/containers/schedcore/pkg/sched"
	"github.com/containers/schedcore/pkg/sched/pool"
)

// Algorithm selects how the ready set is ranked.
type Algorithm string

const (
	EDF Algorithm = "EDF"
	RMS Algorithm = "RMS"
	DMS Algorithm = "DMS"
	LLF Algorithm = "LLF"
)

// MissPolicy selects what happens when a task's absolute deadline passes
// before it completes.
type MissPolicy string

const (
	MissSkip     MissPolicy = "SKIP"
	MissContinue MissPolicy = "CONTINUE"
	MissAbort    MissPolicy = "ABORT"
	MissNotify   MissPolicy = "NOTIFY"
)

// TaskState is a real-time task's lifecycle state.
type TaskState int

const (
	StateInactive TaskState = iota
	StateReady
	StateRunning
	StateBlocked
	StateCompleted
	StateMissed
)

func (s TaskState) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateCompleted:
		return "COMPLETED"
	case StateMissed:
		return "MISSED"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultPeriod     = 100
	defaultDeadline   = 100
	defaultWCET       = 10
	maxTasks          = 64
	maxRTAIterations  = 10000
)

var log logger.Logger = logger.Get("policy.realtime")

func init() {
	sched.Register(sched.EDF, New)
}

// TaskParams is a task's static real-time contract.
type TaskParams struct {
	Period     uint32
	Deadline   uint32
	WCET       uint32
	Phase      uint32
	MissPolicy MissPolicy
}

// DeadlineMissEvent is delivered through BackendOptions.SendEvent under
// MissNotify.
type DeadlineMissEvent struct {
	Pid      sched.Pid
	Deadline uint64
	Now      uint64
}

type rtTask struct {
	params TaskParams
	state  TaskState

	nextRelease      uint64
	releaseTime      uint64
	absoluteDeadline uint64
	remainingTime    uint64
	startTime        uint64

	instances         uint64
	completions       uint64
	deadlineMisses    uint64
	totalResponseTime uint64
	worstResponseTime uint64
	totalExecTime     uint64

	rmsPriority uint32
	laxity      int64

	initialized bool
}

// Stats mirrors the original source's rt_stats_t.
type Stats struct {
	TotalReleases        uint64
	TotalCompletions     uint64
	TotalDeadlineMisses  uint64
	Preemptions          uint64
	ContextSwitches      uint64
	Utilization          float64
	SchedulabilityBound  float64
	Schedulable          bool
}

// Backend implements sched.Backend for the real-time policy family.
type Backend struct {
	tasks *pool.Pool[rtTask]

	algorithm     Algorithm
	defaultMiss   MissPolicy
	clock         uint64
	current       sched.Pid
	sendEvent     func(interface{})

	stats Stats
}

// New constructs an uninitialized real-time backend defaulting to EDF.
func New() sched.Backend {
	return &Backend{algorithm: EDF, defaultMiss: MissNotify, current: sched.NoPid}
}

func (b *Backend) Name() string { return string(sched.EDF) }
func (b *Backend) Description() string {
	return fmt.Sprintf("real-time scheduling (%s)", b.algorithm)
}

func (b *Backend) Setup(opts *sched.BackendOptions) error {
	b.tasks = pool.New[rtTask](opts.Table.Capacity())
	b.current = sched.NoPid
	b.clock = 0
	b.algorithm = EDF
	b.defaultMiss = MissNotify
	b.sendEvent = opts.SendEvent
	if opts.Config != nil {
		if alg := Algorithm(opts.Config.RTDefaultAlgorithm); alg != "" {
			b.algorithm = alg
		}
		if mp := MissPolicy(opts.Config.RTDefaultMissPolicy); mp != "" {
			b.defaultMiss = mp
		}
	}
	b.stats = Stats{}
	log.Info("realtime policy set up: algorithm=%s miss_policy=%s", b.algorithm, b.defaultMiss)
	return nil
}

func (b *Backend) Shutdown() {
	b.tasks.Each(func(pid int, _ *rtTask) { b.tasks.Release(pid) })
	b.current = sched.NoPid
}

// SetAlgorithm switches the active ranking algorithm; priorities for
// RMS/DMS are recomputed immediately when switching to either.
func (b *Backend) SetAlgorithm(algo Algorithm) {
	b.algorithm = algo
	switch algo {
	case RMS:
		b.assignRMSPriorities()
	case DMS:
		b.assignDMSPriorities()
	}
}

func (b *Backend) GetAlgorithm() Algorithm { return b.algorithm }

func clampParams(p TaskParams) TaskParams {
	if p.Period == 0 {
		p.Period = defaultPeriod
	}
	if p.Deadline == 0 {
		p.Deadline = defaultDeadline
	}
	if p.WCET == 0 {
		p.WCET = defaultWCET
	}
	if p.MissPolicy == "" {
		p.MissPolicy = MissNotify
	}
	return p
}

// CreateTask declares pid as a periodic real-time task. It starts
// INACTIVE until its phase elapses and the tick handler releases it.
func (b *Backend) CreateTask(pid sched.Pid, params TaskParams) error {
	n, ok := b.tasks.Alloc(int(pid))
	if !ok {
		return errors.Errorf("realtime: pid %d out of range", pid)
	}
	params = clampParams(params)
	n.params = params
	n.state = StateInactive
	n.nextRelease = uint64(params.Phase)
	n.initialized = true
	if b.algorithm == RMS {
		b.assignRMSPriorities()
	} else if b.algorithm == DMS {
		b.assignDMSPriorities()
	}
	return nil
}

func (b *Backend) SetParams(pid sched.Pid, params TaskParams) error {
	n, ok := b.tasks.Get(int(pid))
	if !ok {
		return errors.Errorf("realtime: pid %d has no task", pid)
	}
	n.params = clampParams(params)
	if b.algorithm == RMS {
		b.assignRMSPriorities()
	} else if b.algorithm == DMS {
		b.assignDMSPriorities()
	}
	return nil
}

func (b *Backend) GetParams(pid sched.Pid) (TaskParams, error) {
	n, ok := b.tasks.Get(int(pid))
	if !ok {
		return TaskParams{}, errors.Errorf("realtime: pid %d has no task", pid)
	}
	return n.params, nil
}

// release admits pid into the ready set for its current period.
func (b *Backend) release(pid sched.Pid, n *rtTask) {
	n.state = StateReady
	n.releaseTime = b.clock
	n.absoluteDeadline = b.clock + uint64(n.params.Deadline)
	n.remainingTime = uint64(n.params.WCET)
	n.instances++
	b.stats.TotalReleases++
}

// Enqueue admits pid as an aperiodic release: if pid has no declared
// real-time task yet, one is created with the defaults, then released
// immediately (spec's uniform Backend.Enqueue covering ad hoc admission
// as well as the periodic case driven internally by Tick).
func (b *Backend) Enqueue(pid sched.Pid) error {
	n, ok := b.tasks.Get(int(pid))
	if !ok {
		var err error
		if err = b.CreateTask(pid, TaskParams{MissPolicy: b.defaultMiss}); err != nil {
			return err
		}
		n, _ = b.tasks.Get(int(pid))
	}
	if n.state == StateReady || n.state == StateRunning {
		return nil
	}
	b.release(pid, n)
	return nil
}

func (b *Backend) Dequeue(pid sched.Pid) error {
	n, ok := b.tasks.Get(int(pid))
	if !ok {
		return nil
	}
	if pid == b.current {
		b.current = sched.NoPid
	}
	n.state = StateInactive
	b.tasks.Release(int(pid))
	return nil
}

func (b *Backend) readyCandidates() []sched.Pid {
	var out []sched.Pid
	b.tasks.Each(func(pid int, n *rtTask) {
		if n.state == StateReady || (sched.Pid(pid) == b.current && n.state == StateRunning) {
			out = append(out, sched.Pid(pid))
		}
	})
	return out
}

// best picks the best ranked pid among candidates per the active
// algorithm, ties broken by lowest pid.
func (b *Backend) best(candidates []sched.Pid) sched.Pid {
	if len(candidates) == 0 {
		return sched.NoPid
	}
	if b.algorithm == LLF {
		b.updateLaxity()
	}
	winner := candidates[0]
	winnerTask, _ := b.tasks.Get(int(winner))
	for _, pid := range candidates[1:] {
		n, _ := b.tasks.Get(int(pid))
		if b.less(pid, n, winner, winnerTask) {
			winner, winnerTask = pid, n
		}
	}
	return winner
}

// less reports whether task a outranks task b under the active algorithm.
func (b *Backend) less(a sched.Pid, aTask *rtTask, bb sched.Pid, bTask *rtTask) bool {
	switch b.algorithm {
	case EDF:
		if aTask.absoluteDeadline != bTask.absoluteDeadline {
			return aTask.absoluteDeadline < bTask.absoluteDeadline
		}
	case RMS, DMS:
		if aTask.rmsPriority != bTask.rmsPriority {
			return aTask.rmsPriority < bTask.rmsPriority
		}
	case LLF:
		if aTask.laxity != bTask.laxity {
			return aTask.laxity < bTask.laxity
		}
	}
	return a < bb
}

func (b *Backend) PickNext() sched.Pid {
	return b.best(b.readyCandidates())
}

func (b *Backend) Schedule() sched.Pid {
	candidates := b.readyCandidates()
	next := b.best(candidates)
	if next == sched.NoPid {
		b.current = sched.NoPid
		return sched.NoPid
	}
	if next != b.current {
		if n, ok := b.tasks.Get(int(next)); ok && n.state == StateReady {
			n.state = StateRunning
			n.startTime = b.clock
		}
		if b.current != sched.NoPid {
			if cur, ok := b.tasks.Get(int(b.current)); ok && cur.state == StateRunning {
				cur.state = StateReady
			}
		}
		b.stats.ContextSwitches++
	}
	b.current = next
	return next
}

func (b *Backend) Tick(now uint64) bool {
	b.clock = now
	needResched := b.checkReleases()
	if b.checkDeadlines() {
		needResched = true
	}

	if b.current != sched.NoPid {
		n, ok := b.tasks.Get(int(b.current))
		if ok && n.state == StateRunning {
			n.totalExecTime++
			if n.remainingTime > 0 {
				n.remainingTime--
			}
			if n.remainingTime == 0 {
				b.complete(b.current, n)
				needResched = true
			}
		}
	}

	if b.algorithm == LLF {
		b.updateLaxity()
	}
	if !needResched && b.current != sched.NoPid {
		needResched = b.checkPreempt()
	}
	return needResched
}

func (b *Backend) checkReleases() bool {
	released := false
	b.tasks.Each(func(pid int, n *rtTask) {
		if !n.initialized {
			return
		}
		if (n.state == StateInactive || n.state == StateCompleted || n.state == StateMissed) && b.clock >= n.nextRelease {
			b.release(sched.Pid(pid), n)
			n.nextRelease += uint64(n.params.Period)
			released = true
		}
	})
	return released
}

func (b *Backend) checkDeadlines() bool {
	resched := false
	b.tasks.Each(func(pid int, n *rtTask) {
		if n.state != StateReady && n.state != StateRunning {
			return
		}
		if b.clock <= n.absoluteDeadline {
			return
		}
		b.handleMiss(sched.Pid(pid), n)
		resched = true
	})
	return resched
}

func (b *Backend) handleMiss(pid sched.Pid, n *rtTask) {
	n.deadlineMisses++
	b.stats.TotalDeadlineMisses++

	policy := n.params.MissPolicy
	if policy == "" {
		policy = b.defaultMiss
	}

	switch policy {
	case MissAbort:
		n.state = StateMissed
		n.remainingTime = 0
		if pid == b.current {
			b.current = sched.NoPid
		}
	case MissSkip:
		n.state = StateMissed
		if pid == b.current {
			b.current = sched.NoPid
		}
	case MissContinue:
		// leave state as-is; task keeps running/waiting past its deadline.
	case MissNotify:
		if b.sendEvent != nil {
			b.sendEvent(DeadlineMissEvent{Pid: pid, Deadline: n.absoluteDeadline, Now: b.clock})
		}
	}
}

func (b *Backend) complete(pid sched.Pid, n *rtTask) {
	n.state = StateCompleted
	n.completions++
	b.stats.TotalCompletions++
	response := b.clock - n.releaseTime + 1
	n.totalResponseTime += response
	if response > n.worstResponseTime {
		n.worstResponseTime = response
	}
	if pid == b.current {
		b.current = sched.NoPid
	}
}

func (b *Backend) updateLaxity() {
	b.tasks.Each(func(_ int, n *rtTask) {
		if n.state != StateReady && n.state != StateRunning {
			return
		}
		timeLeft := int64(n.absoluteDeadline) - int64(b.clock)
		n.laxity = timeLeft - int64(n.remainingTime)
	})
}

// checkPreempt reports whether some ready task now outranks the running
// one under the active algorithm.
func (b *Backend) checkPreempt() bool {
	cur, ok := b.tasks.Get(int(b.current))
	if !ok {
		return false
	}
	preempted := false
	b.tasks.Each(func(pid int, n *rtTask) {
		if preempted || sched.Pid(pid) == b.current || n.state != StateReady {
			return
		}
		if b.less(sched.Pid(pid), n, b.current, cur) {
			preempted = true
			b.stats.Preemptions++
		}
	})
	return preempted
}

func (b *Backend) Yield(pid sched.Pid) bool {
	if pid == b.current {
		if n, ok := b.tasks.Get(int(pid)); ok && n.state == StateRunning {
			n.state = StateReady
		}
		b.current = sched.NoPid
	}
	return true
}

func (b *Backend) Preempt(pid sched.Pid) bool {
	if pid == b.current {
		if n, ok := b.tasks.Get(int(pid)); ok && n.state == StateRunning {
			n.state = StateReady
		}
		b.current = sched.NoPid
	}
	return true
}

func (b *Backend) SetPriority(pid sched.Pid, priority uint32) error {
	n, ok := b.tasks.Get(int(pid))
	if !ok {
		return errors.Errorf("realtime: pid %d has no task", pid)
	}
	n.rmsPriority = priority
	return nil
}

func (b *Backend) GetPriority(pid sched.Pid) (uint32, error) {
	n, ok := b.tasks.Get(int(pid))
	if !ok {
		return 0, errors.Errorf("realtime: pid %d has no task", pid)
	}
	return n.rmsPriority, nil
}

func (b *Backend) SetQuantum(q uint32) {}
func (b *Backend) GetQuantum() uint32  { return 0 }

// assignRMSPriorities ranks tasks by ascending period: the shorter the
// period, the higher the (numerically lower) priority.
func (b *Backend) assignRMSPriorities() {
	type ranked struct {
		pid    int
		period uint32
	}
	var all []ranked
	b.tasks.Each(func(pid int, n *rtTask) {
		all = append(all, ranked{pid, n.params.Period})
	})
	sort.Slice(all, func(i, j int) bool { return all[i].period < all[j].period })
	for i, r := range all {
		n, _ := b.tasks.Get(r.pid)
		n.rmsPriority = uint32(i)
	}
}

// assignDMSPriorities ranks tasks by ascending relative deadline.
func (b *Backend) assignDMSPriorities() {
	type ranked struct {
		pid      int
		deadline uint32
	}
	var all []ranked
	b.tasks.Each(func(pid int, n *rtTask) {
		all = append(all, ranked{pid, n.params.Deadline})
	})
	sort.Slice(all, func(i, j int) bool { return all[i].deadline < all[j].deadline })
	for i, r := range all {
		n, _ := b.tasks.Get(r.pid)
		n.rmsPriority = uint32(i)
	}
}

func (b *Backend) CalcUtilization() float64 {
	var sum float64
	b.tasks.Each(func(_ int, n *rtTask) {
		if n.params.Period == 0 {
			return
		}
		sum += float64(n.params.WCET) / float64(n.params.Period)
	})
	return sum
}

// UtilizationBound is the Liu & Layland RMS sufficient schedulability
// bound for n periodic tasks: n*(2^(1/n) - 1).
func UtilizationBound(n int) float64 {
	if n <= 0 {
		return 1
	}
	return float64(n) * (math.Pow(2, 1/float64(n)) - 1)
}

// IsSchedulable runs the schedulability test appropriate to the active
// algorithm and caches the verdict in Stats.
func (b *Backend) IsSchedulable() bool {
	u := b.CalcUtilization()
	b.stats.Utilization = u

	switch b.algorithm {
	case EDF, LLF:
		b.stats.SchedulabilityBound = 1.0
		b.stats.Schedulable = u <= 1.0
	case RMS:
		n := b.taskCount()
		bound := UtilizationBound(n)
		b.stats.SchedulabilityBound = bound
		if u <= bound {
			b.stats.Schedulable = true
		} else {
			b.stats.Schedulable = b.responseTimeAnalysis(func(n *rtTask) uint32 { return n.rmsPriority })
		}
	case DMS:
		b.stats.SchedulabilityBound = 1.0
		b.stats.Schedulable = b.responseTimeAnalysis(func(n *rtTask) uint32 { return n.rmsPriority })
	}
	return b.stats.Schedulable
}

func (b *Backend) taskCount() int {
	return b.tasks.Allocated()
}

// responseTimeAnalysis runs the classic fixed-point worst-case
// response-time iteration for fixed-priority scheduling: R = C + sum of
// ceil(R/Tj)*Cj over every higher-priority task j, until R stops growing
// or exceeds the task's own deadline.
func (b *Backend) responseTimeAnalysis(priorityOf func(*rtTask) uint32) bool {
	type entry struct {
		pid    int
		period uint32
		wcet   uint32
		deadline uint32
		prio   uint32
	}
	var all []entry
	b.tasks.Each(func(pid int, n *rtTask) {
		if n.params.Period == 0 {
			return
		}
		all = append(all, entry{pid, n.params.Period, n.params.WCET, n.params.Deadline, priorityOf(n)})
	})

	for _, t := range all {
		r := uint64(t.wcet)
		for iter := 0; iter < maxRTAIterations; iter++ {
			sum := uint64(t.wcet)
			for _, other := range all {
				if other.pid == t.pid || other.prio >= t.prio {
					continue
				}
				sum += ceilDiv(r, uint64(other.period)) * uint64(other.wcet)
			}
			if sum == r {
				break
			}
			r = sum
			if r > uint64(t.deadline) {
				return false
			}
		}
		if r > uint64(t.deadline) {
			return false
		}
	}
	return true
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// ResponseTime returns pid's worst observed response time across its
// completed instances, whatever the active algorithm (0 if pid has no
// task or no completed instance).
func (b *Backend) ResponseTime(pid sched.Pid) uint64 {
	n, ok := b.tasks.Get(int(pid))
	if !ok {
		return 0
	}
	return n.worstResponseTime
}

func (b *Backend) Stats() interface{} { return b.stats }
func (b *Backend) ResetStats()        { b.stats = Stats{} }

func (b *Backend) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "realtime tasks (algo=%s, t=%d):", b.algorithm, b.clock)
	b.tasks.Each(func(pid int, n *rtTask) {
		fmt.Fprintf(&sb, " pid=%d(%s,dl=%d,rem=%d,lax=%d)", pid, n.state, n.absoluteDeadline, n.remainingTime, n.laxity)
	})
	return sb.String()
}

func (b *Backend) Validate() error {
	var err error
	b.tasks.Each(func(pid int, n *rtTask) {
		if n.state == StateRunning && n.remainingTime > uint64(n.params.WCET) {
			err = errors.Errorf("realtime: pid %d remaining_time exceeds wcet", pid)
		}
		if n.state == StateRunning && sched.Pid(pid) != b.current {
			err = errors.Errorf("realtime: pid %d is RUNNING but is not the current pid", pid)
		}
	})
	if err != nil {
		return err
	}
	if b.current != sched.NoPid {
		if n, ok := b.tasks.Get(int(b.current)); !ok || n.state != StateRunning {
			return errors.Errorf("realtime: current pid %d is not in RUNNING state", b.current)
		}
	}
	return nil
}
