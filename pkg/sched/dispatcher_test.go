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

package sched_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/schedcore/pkg/sched"
	"github.com/containers/schedcore/pkg/sched/policies/priority"
	"github.com/containers/schedcore/pkg/sched/policies/roundrobin"
	"github.com/containers/schedcore/pkg/testutils"
)

func newTestScheduler(t *testing.T, capacity int) *sched.Scheduler {
	t.Helper()
	table := sched.NewArrayProcessTable(capacity)
	s := sched.New(table, sched.DefaultConfig())
	require.NoError(t, s.Init(sched.RR))
	return s
}

func TestReadyScheduleAdvancesCurrent(t *testing.T) {
	s := newTestScheduler(t, 4)

	require.Equal(t, sched.NoPid, s.Current())

	s.Ready(0)
	s.Ready(1)

	require.Equal(t, sched.Pid(0), s.Schedule())
	require.Equal(t, sched.Pid(0), s.Current())
}

func TestBlockWakeupRoundTrip(t *testing.T) {
	s := newTestScheduler(t, 4)
	s.Ready(0)
	s.Ready(1)
	s.Schedule()

	s.Block(0)
	st := s.Stats()
	require.EqualValues(t, 1, st.BlockedCount)

	s.Wakeup(0)
	st = s.Stats()
	require.EqualValues(t, 0, st.BlockedCount)
}

func TestExitFinalizesProcStats(t *testing.T) {
	s := newTestScheduler(t, 2)
	s.Ready(0)
	s.Schedule()
	s.Tick()
	s.Tick()

	before, err := s.ProcStats(0)
	require.NoError(t, err)
	require.Greater(t, before.TotalRuntime, uint64(0))

	s.Exit(0)

	after, err := s.ProcStats(0)
	require.NoError(t, err)
	require.Zero(t, after, "per-process stats should be dropped on exit")
}

func TestSetPriorityClampsOutOfRangeValue(t *testing.T) {
	table := sched.NewArrayProcessTable(2)
	s := sched.New(table, sched.DefaultConfig())
	require.NoError(t, s.SwitchBackend(sched.PRIORITY, priority.New()))
	s.Ready(0)

	require.NoError(t, s.SetPriority(0, sched.PriorityMax+50))
	got, err := s.GetPriority(0)
	require.NoError(t, err)
	require.Equal(t, sched.PriorityMax, got)
}

func TestValidateHealthySchedulerReportsNoErrors(t *testing.T) {
	s := newTestScheduler(t, 4)
	s.Ready(0)
	s.Schedule()

	ok, err := s.Validate()
	require.True(t, ok)
	testutils.VerifyError(t, err, 0, nil)
}

func TestSwitchBackendToDifferentPolicy(t *testing.T) {
	table := sched.NewArrayProcessTable(4)
	s := sched.New(table, sched.DefaultConfig())

	require.NoError(t, s.SwitchBackend(sched.RR, roundrobin.New()))
	require.Equal(t, sched.RR, s.ActivePolicy())

	require.NoError(t, s.Switch(sched.PRIORITY))
	require.Equal(t, sched.PRIORITY, s.ActivePolicy())
}
