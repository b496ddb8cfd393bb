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

import "github.com/pkg/errors"

// Sentinel errors returned from syscall entry points (spec §7's
// invalid-argument taxonomy). Callers recover the sentinel with
// errors.Is or errors.Cause.
var (
	// ErrBadPid is returned for a pid outside [0, NPROC).
	ErrBadPid = errors.New("schedcore: pid out of range")
	// ErrFreeSlot is returned for a pid whose process table entry is FREE.
	ErrFreeSlot = errors.New("schedcore: process table entry is free")
	// ErrUnknownPolicy is returned by Switch for an unregistered policy kind.
	ErrUnknownPolicy = errors.New("schedcore: unknown scheduling policy")
	// ErrNotInitialized is returned when an operation requires an active
	// policy and none has been installed yet.
	ErrNotInitialized = errors.New("schedcore: scheduler not initialized")
)

func badPidErr(pid Pid) error {
	return errors.Wrapf(ErrBadPid, "pid %d", pid)
}

func freeSlotErr(pid Pid) error {
	return errors.Wrapf(ErrFreeSlot, "pid %d", pid)
}

func unknownPolicyErr(kind PolicyKind) error {
	return errors.Wrapf(ErrUnknownPolicy, "%q", string(kind))
}
