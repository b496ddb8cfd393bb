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

package sched

// PolicyKind names one of the six interchangeable scheduling policies
// (spec §6's "Policy enumeration").
type PolicyKind string

const (
	// RR is the round-robin policy (§4.2).
	RR PolicyKind = "rr"
	// PRIORITY is the priority-with-aging policy (§4.3).
	PRIORITY PolicyKind = "priority"
	// MLFQ is the multi-level feedback queue policy (§4.4).
	MLFQ PolicyKind = "mlfq"
	// LOTTERY is the lottery scheduling policy (§4.5).
	LOTTERY PolicyKind = "lottery"
	// CFS is the completely-fair-scheduler policy (§4.6).
	CFS PolicyKind = "cfs"
	// EDF is the real-time policy (§4.7); it also exposes RMS, DMS, and
	// LLF through Config.RTDefaultAlgorithm and the real-time backend's
	// SetAlgorithm, the "sub-selector" spec §6 names.
	EDF PolicyKind = "edf"
)

// BackendOptions is passed to a Backend's Setup, mirroring the teacher's
// policy.BackendOptions: everything a policy needs to know about its
// environment, assembled by the dispatcher so that no backend constructs
// its own dependencies.
type BackendOptions struct {
	// Table is the process table to read/write states and priorities from.
	Table ProcessTable
	// Config is the validated scheduler-wide configuration.
	Config *Config
	// SendEvent, if non-nil, lets a backend report an asynchronous event
	// (a deadline miss notification, for instance) to whatever is
	// hosting the scheduler. Mirrors policy.SendEventFn.
	SendEvent func(event interface{})
}

// Backend is the ops vtable every policy module implements (spec §6, §9's
// "Ops dispatch": "the function-pointer vtable translates directly to an
// interface... selected by the tag of the active policy variant").
//
// Backend methods are called only while the dispatcher holds its
// critical-section guard (spec §5); a Backend implementation does not
// need its own locking for state the dispatcher exclusively owns.
type Backend interface {
	// Name is this backend's PolicyKind as a string.
	Name() string
	// Description is a short human-readable summary.
	Description() string

	// Setup initializes the backend's pools and per-policy state.
	Setup(opts *BackendOptions) error
	// Shutdown tears down all of the backend's records. Called before a
	// different backend is installed (spec §3's "Switching policies
	// tears the prior policy's state down before installing the new one").
	Shutdown()

	// Enqueue makes pid ready under this policy. A no-op if pid is
	// already present (spec §5).
	Enqueue(pid Pid) error
	// Dequeue removes pid from this policy's ready structure. A no-op
	// if pid is absent.
	Dequeue(pid Pid) error

	// PickNext returns the pid that would run next without removing it
	// from the ready structure (NoPid if nothing is ready).
	PickNext() Pid
	// Schedule returns the next pid to run (NoPid if nothing is ready)
	// and makes it this policy's current process. Queue-based policies
	// take it off their ready structure; round-robin and real-time leave
	// it in place.
	Schedule() Pid

	// Tick performs this policy's per-timer-interrupt maintenance (aging,
	// demotion, vruntime update, release/deadline checks, ...) and
	// reports whether a reschedule is now needed.
	Tick(now uint64) (needResched bool)
	// Yield handles a voluntary reschedule request from the current
	// process and reports whether a reschedule is now needed.
	Yield(pid Pid) (needResched bool)
	// Preempt handles a forced reschedule request and reports whether a
	// reschedule is now needed.
	Preempt(pid Pid) (needResched bool)

	// SetPriority applies a validated priority change to pid.
	SetPriority(pid Pid, priority uint32) error
	// GetPriority returns pid's current effective priority.
	GetPriority(pid Pid) (uint32, error)

	// SetQuantum sets this policy's base quantum, already clamped by the
	// dispatcher to [MinQuantum, MaxQuantum].
	SetQuantum(q uint32)
	// GetQuantum returns this policy's current base quantum.
	GetQuantum() uint32

	// Stats returns a snapshot of this policy's own statistics. The
	// concrete type varies by policy (spec §4.2-§4.7 each define their
	// own stats struct); callers that need a specific shape type-assert.
	Stats() interface{}
	// ResetStats zeros this policy's statistics.
	ResetStats()
	// Dump renders every ready-structure node for diagnostics. The
	// dispatcher is responsible for writing it to the console log sink.
	Dump() string

	// Validate checks this policy's invariants (spec §3's per-policy
	// invariants, §8's per-policy laws) and returns a single error
	// describing one violation found, or nil; violations are not
	// accumulated.
	Validate() error
}
