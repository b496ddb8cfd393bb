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

// Package sched is the dispatcher (spec §4.1): one externally stable
// interface routing every scheduling syscall to whichever policy Backend
// is currently active, plus the cross-cutting state the spec assigns to
// the dispatcher rather than to any one policy — the tick counter, the
// need_resched flag, aggregate statistics, and the critical-section
// serialization (spec §5).
package sched

import (
	"sync"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	logger "github.com/containers/schedcore/pkg/log"
)

var log logger.Logger = logger.Get("dispatcher")

// factories is the registry of installable policies, populated by each
// policy package's own init() (spec §6's "Policy enumeration" realized as
// a name -> constructor table, analogous to database/sql driver
// registration). Policy packages import sched but sched never imports a
// policy package, so there is no import cycle.
var factories = map[PolicyKind]func() Backend{}

// Register makes a policy constructor available under kind. Policy
// packages call this from their own init().
func Register(kind PolicyKind, factory func() Backend) {
	factories[kind] = factory
}

// ContextSwitch is the out-of-scope context switcher named in spec §1: "a
// single operation context_switch(old_pid, new_pid) that saves and
// restores register state." The dispatcher calls it on every actual
// switch; a host kernel replaces it with its own implementation. The
// default is a no-op, suitable for the in-process simulator.
var ContextSwitch = func(oldPid, newPid Pid) {}

// Scheduler is the dispatcher's owned state (spec §9: "package all
// scheduler state into a single owned Scheduler value passed explicitly
// to every entry point"), replacing the original source's file-scope
// globals (current_scheduler, sched_stats, ready_queue, currpid, ...).
type Scheduler struct {
	mu sync.Mutex // the critical-section guard of spec §5

	table ProcessTable
	cfg   *Config

	kind   PolicyKind
	active Backend

	ticks       uint64
	needResched bool
	current     Pid

	stats     Stats
	procStats map[Pid]*ProcStats

	firstReady map[Pid]uint64
	lastReady  map[Pid]uint64

	waitAccum        uint64
	waitSamples      uint64
	turnaroundAccum  uint64
	turnaroundSample uint64

	onEvent func(interface{})
}

// New creates a Scheduler over the given process table and configuration.
// No policy is installed yet; Init must be called before Schedule does
// anything.
func New(table ProcessTable, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		table:      table,
		cfg:        cfg,
		current:    NoPid,
		procStats:  map[Pid]*ProcStats{},
		firstReady: map[Pid]uint64{},
		lastReady:  map[Pid]uint64{},
	}
}

// SetEventHandler installs a callback for backend-originated events (a
// real-time deadline miss notification, for instance). Mirrors the
// teacher's policy.Options.SendEvent.
func (s *Scheduler) SetEventHandler(fn func(interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = fn
}

func (s *Scheduler) sendEvent(event interface{}) {
	if s.onEvent != nil {
		s.onEvent(event)
	}
}

// Init installs kind as the active policy. It is scheduler_init(policy).
func (s *Scheduler) Init(kind PolicyKind) error {
	return s.Switch(kind)
}

// Switch tears down the current policy (if any) and installs kind,
// preserving aggregate statistics (spec §4.1). It is scheduler_switch(policy).
func (s *Scheduler) Switch(kind PolicyKind) error {
	factory, ok := factories[kind]
	if !ok {
		return unknownPolicyErr(kind)
	}
	return s.SwitchBackend(kind, factory())
}

// SwitchBackend installs an already-constructed Backend under kind. This
// is the lower-level entry point tests and embedders use to inject a
// custom or mock Backend, mirroring the teacher's NewPolicy(backend, ...).
func (s *Scheduler) SwitchBackend(kind PolicyKind, backend Backend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := backend.Setup(&BackendOptions{
		Table:     s.table,
		Config:    s.cfg,
		SendEvent: s.sendEvent,
	}); err != nil {
		return errors.Wrapf(err, "setup of policy %q failed", backend.Name())
	}

	if s.active != nil {
		log.Info("switching policy %q -> %q", s.active.Name(), backend.Name())
		s.active.Shutdown()
	} else {
		log.Info("activating policy %q", backend.Name())
	}

	s.active = backend
	s.kind = kind
	s.current = NoPid
	return nil
}

// ActivePolicy returns the name of the currently installed policy, or ""
// if none is installed.
func (s *Scheduler) ActivePolicy() PolicyKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Ticks returns the monotonic tick counter.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Current returns the pid currently assigned the CPU, or NoPid.
func (s *Scheduler) Current() Pid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Schedule clears need_resched and delegates to the active policy; a
// no-op returning NoPid when uninitialized.
func (s *Scheduler) Schedule() Pid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked()
}

func (s *Scheduler) scheduleLocked() Pid {
	s.needResched = false
	if s.active == nil {
		return NoPid
	}

	next := s.active.Schedule()
	old := s.current
	s.stats.TotalSchedules++

	if next != NoPid {
		s.table.SetState(next, ProcCurr)
		if first, ok := s.firstReady[next]; ok {
			s.turnaroundAccum += 0 // turnaround is finalized at Exit; see Exit
			_ = first
		}
		if last, ok := s.lastReady[next]; ok && s.ticks >= last {
			wait := s.ticks - last
			s.waitAccum += wait
			s.waitSamples++
			if s.waitSamples > 0 {
				s.stats.AvgWaitTime = s.waitAccum / s.waitSamples
			}
			s.procStatsFor(next).TotalWaitTime += wait
		}
	}
	if old != NoPid && old != next {
		if st, ok := s.table.State(old); ok && st == ProcCurr {
			s.table.SetState(old, ProcReady)
		}
	}

	if next != old {
		s.stats.ContextSwitches++
		if old != NoPid {
			s.procStatsFor(old).ContextSwitches++
		}
		ContextSwitch(old, next)
	}

	s.current = next
	if next != NoPid {
		ps := s.procStatsFor(next)
		ps.TimesScheduled++
		ps.LastScheduled = s.ticks
	}
	return next
}

// Resched sets need_resched and immediately calls Schedule.
func (s *Scheduler) Resched() Pid {
	s.mu.Lock()
	s.needResched = true
	defer s.mu.Unlock()
	return s.scheduleLocked()
}

// Yield is a voluntary reschedule request from the current process.
func (s *Scheduler) Yield() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.VoluntaryYields++
	if s.current != NoPid {
		s.procStatsFor(s.current).VoluntarySwitches++
	}
	if s.active == nil {
		return
	}
	if s.active.Yield(s.current) {
		s.needResched = true
	}
	if s.needResched {
		s.scheduleLocked()
	}
}

// Preempt is a forced reschedule request (e.g. a higher-priority process
// became ready).
func (s *Scheduler) Preempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Preemptions++
	if s.current != NoPid {
		s.procStatsFor(s.current).InvoluntarySwitches++
	}
	if s.active == nil {
		return
	}
	if s.active.Preempt(s.current) {
		s.needResched = true
	}
	if s.needResched {
		s.scheduleLocked()
	}
}

// Tick is the per-timer-interrupt entry point: increment the tick
// counter, accumulate the current process's runtime, and forward to the
// active policy's own tick handler.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++

	if s.current != NoPid {
		s.procStatsFor(s.current).TotalRuntime++
		s.stats.BusyTime++
	} else {
		s.stats.IdleTime++
	}

	if s.active == nil {
		return
	}
	if s.active.Tick(s.ticks) {
		s.needResched = true
		s.scheduleLocked()
	}
}

func (s *Scheduler) checkPidRange(pid Pid) error {
	if pid < 0 || int(pid) >= s.table.Capacity() {
		return badPidErr(pid)
	}
	return nil
}

func (s *Scheduler) checkPidNotFree(pid Pid) error {
	if err := s.checkPidRange(pid); err != nil {
		return err
	}
	st, ok := s.table.State(pid)
	if !ok || st == ProcFree {
		return freeSlotErr(pid)
	}
	return nil
}

func (s *Scheduler) adjustCounts(prev, next ProcState) {
	isRunnable := func(st ProcState) bool { return st == ProcReady || st == ProcCurr }
	isBlocked := func(st ProcState) bool { return st == ProcWait || st == ProcSleep }

	if isRunnable(prev) && !isRunnable(next) && s.stats.RunnableCount > 0 {
		s.stats.RunnableCount--
	}
	if !isRunnable(prev) && isRunnable(next) {
		s.stats.RunnableCount++
		if s.stats.RunnableCount > s.stats.MaxRunnable {
			s.stats.MaxRunnable = s.stats.RunnableCount
		}
	}
	if isBlocked(prev) && !isBlocked(next) && s.stats.BlockedCount > 0 {
		s.stats.BlockedCount--
	}
	if !isBlocked(prev) && isBlocked(next) {
		s.stats.BlockedCount++
	}
}

// Ready marks pid runnable and enqueues it with the active policy. Silent
// on a bad pid (spec §6's entry point table).
func (s *Scheduler) Ready(pid Pid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPidRange(pid); err != nil {
		log.Warn("sched_ready: %v", err)
		return
	}
	prev, _ := s.table.State(pid)
	s.table.SetState(pid, ProcReady)
	s.adjustCounts(prev, ProcReady)

	now := s.ticks
	s.lastReady[pid] = now
	if _, ok := s.firstReady[pid]; !ok {
		s.firstReady[pid] = now
	}

	if s.active != nil {
		if err := s.active.Enqueue(pid); err != nil {
			log.Warn("sched_ready: enqueue pid %d: %v", pid, err)
		}
	}
}

// Block transitions pid out of the ready structure into WAIT. Silent on a
// bad pid.
func (s *Scheduler) Block(pid Pid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPidRange(pid); err != nil {
		log.Warn("sched_block: %v", err)
		return
	}
	prev, _ := s.table.State(pid)
	s.table.SetState(pid, ProcWait)
	s.adjustCounts(prev, ProcWait)
	if s.active != nil {
		if err := s.active.Dequeue(pid); err != nil {
			log.Warn("sched_block: dequeue pid %d: %v", pid, err)
		}
	}
	if pid == s.current {
		s.needResched = true
		s.scheduleLocked()
	}
}

// Wakeup transitions a WAIT/SLEEP process back to READY and re-enqueues
// it. Silent on a bad pid.
func (s *Scheduler) Wakeup(pid Pid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPidRange(pid); err != nil {
		log.Warn("sched_wakeup: %v", err)
		return
	}
	prev, _ := s.table.State(pid)
	s.table.SetState(pid, ProcReady)
	s.adjustCounts(prev, ProcReady)
	s.lastReady[pid] = s.ticks
	if s.active != nil {
		if err := s.active.Enqueue(pid); err != nil {
			log.Warn("sched_wakeup: enqueue pid %d: %v", pid, err)
		}
	}
}

// Exit retires pid: dequeues it, marks its table slot FREE, finalizes its
// turnaround time, and drops its per-process statistics. Silent on a bad pid.
func (s *Scheduler) Exit(pid Pid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPidRange(pid); err != nil {
		log.Warn("sched_exit: %v", err)
		return
	}
	prev, _ := s.table.State(pid)
	if s.active != nil {
		if err := s.active.Dequeue(pid); err != nil {
			log.Warn("sched_exit: dequeue pid %d: %v", pid, err)
		}
	}
	if first, ok := s.firstReady[pid]; ok && s.ticks >= first {
		s.turnaroundAccum += s.ticks - first
		s.turnaroundSample++
		s.stats.AvgTurnaround = s.turnaroundAccum / s.turnaroundSample
	}
	delete(s.firstReady, pid)
	delete(s.lastReady, pid)
	delete(s.procStats, pid)

	s.table.SetState(pid, ProcFree)
	s.adjustCounts(prev, ProcFree)
	if pid == s.current {
		s.current = NoPid
		s.needResched = true
		s.scheduleLocked()
	}
}

func (s *Scheduler) setPriorityLocked(pid Pid, priority uint32) error {
	if s.active == nil {
		return ErrNotInitialized
	}
	priority = ClampPriority(priority)
	s.table.SetBasePriority(pid, priority)
	if err := s.active.SetPriority(pid, priority); err != nil {
		return err
	}
	st, _ := s.table.State(pid)
	if st == ProcReady || pid == s.current {
		s.needResched = true
		s.scheduleLocked()
	}
	return nil
}

// SetPriority validates pid, clamps priority into [PriorityMin,
// PriorityMax], applies it through the active policy, and requests a
// reschedule when the target is READY or is the current process.
func (s *Scheduler) SetPriority(pid Pid, priority uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPidNotFree(pid); err != nil {
		return err
	}
	return s.setPriorityLocked(pid, priority)
}

// GetPriority returns pid's current effective priority from the active policy.
func (s *Scheduler) GetPriority(pid Pid) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPidNotFree(pid); err != nil {
		return 0, err
	}
	if s.active == nil {
		return 0, ErrNotInitialized
	}
	return s.active.GetPriority(pid)
}

// Nice applies a relative priority change: delta is added to the priority
// the active policy reports for pid, the result is clamped to
// [PriorityMin, PriorityMax], and it is applied through SetPriority.
func (s *Scheduler) Nice(pid Pid, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPidNotFree(pid); err != nil {
		return err
	}
	if s.active == nil {
		return ErrNotInitialized
	}
	cur, err := s.active.GetPriority(pid)
	if err != nil {
		return err
	}
	next := int(cur) + delta
	if next < int(PriorityMin) {
		next = int(PriorityMin)
	}
	if next > int(PriorityMax) {
		next = int(PriorityMax)
	}
	return s.setPriorityLocked(pid, uint32(next))
}

// SetQuantum clamps and applies a new base quantum.
func (s *Scheduler) SetQuantum(q uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q = ClampQuantum(q)
	s.cfg.Quantum = q
	if s.active != nil {
		s.active.SetQuantum(q)
	}
}

// GetQuantum returns the active policy's current base quantum.
func (s *Scheduler) GetQuantum() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return s.active.GetQuantum()
	}
	return s.cfg.Quantum
}

func (s *Scheduler) procStatsFor(pid Pid) *ProcStats {
	ps, ok := s.procStats[pid]
	if !ok {
		ps = &ProcStats{}
		s.procStats[pid] = ps
	}
	return ps
}

// Stats returns a snapshot of the dispatcher's aggregate statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ProcStats returns a snapshot of pid's per-process statistics.
func (s *Scheduler) ProcStats(pid Pid) (ProcStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPidRange(pid); err != nil {
		return ProcStats{}, err
	}
	if ps, ok := s.procStats[pid]; ok {
		return *ps, nil
	}
	return ProcStats{}, nil
}

// ResetStats zeros both aggregate and per-process statistics, and asks
// the active policy to reset its own.
func (s *Scheduler) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{}
	s.procStats = map[Pid]*ProcStats{}
	s.waitAccum, s.waitSamples = 0, 0
	s.turnaroundAccum, s.turnaroundSample = 0, 0
	if s.active != nil {
		s.active.ResetStats()
	}
}

// PrintStats writes a human-readable stats table to the console log sink
// (spec's "console log sink" external collaborator).
func (s *Scheduler) PrintStats() {
	s.mu.Lock()
	st := s.stats
	kind := s.kind
	ticks := s.ticks
	active := s.active
	s.mu.Unlock()

	log.Info("=== scheduler stats (policy=%s, ticks=%d) ===", kind, ticks)
	log.Info("  schedules=%d switches=%d preemptions=%d yields=%d quantum_exp=%d",
		st.TotalSchedules, st.ContextSwitches, st.Preemptions, st.VoluntaryYields, st.QuantumExpirations)
	log.Info("  runnable=%d blocked=%d max_runnable=%d idle=%d busy=%d avg_wait=%d avg_turnaround=%d",
		st.RunnableCount, st.BlockedCount, st.MaxRunnable, st.IdleTime, st.BusyTime, st.AvgWaitTime, st.AvgTurnaround)
	if active != nil {
		log.Info("%s", active.Dump())
	}
}

// Validate checks dispatcher-level invariants and delegates to the active
// policy's own Validate, accumulating every violation found rather than
// stopping at the first (spec §7: "never panics").
func (s *Scheduler) Validate() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var merr *multierror.Error
	if int(s.stats.RunnableCount) > s.table.Capacity() {
		merr = multierror.Append(merr, errors.New("runnable count exceeds process table capacity"))
	}
	if s.active != nil {
		if err := s.active.Validate(); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "policy %q", s.active.Name()))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return false, err
	}
	return true, nil
}
