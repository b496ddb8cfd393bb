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

package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/schedcore/pkg/sched"
)

func newBackend(t *testing.T, capacity int) *Backend {
	t.Helper()
	table := sched.NewArrayProcessTable(capacity)
	b := New().(*Backend)
	require.NoError(t, b.Setup(&sched.BackendOptions{Table: table, Config: sched.DefaultConfig()}))
	return b
}

func TestEDFPicksEarliestDeadline(t *testing.T) {
	b := newBackend(t, 4)
	require.NoError(t, b.CreateTask(0, TaskParams{Period: 50, Deadline: 50, WCET: 10}))
	require.NoError(t, b.CreateTask(1, TaskParams{Period: 20, Deadline: 20, WCET: 5}))

	b.checkReleases()
	require.Equal(t, sched.Pid(1), b.PickNext())
}

func TestRMSAssignsShorterPeriodHigherPriority(t *testing.T) {
	b := newBackend(t, 4)
	b.SetAlgorithm(RMS)
	require.NoError(t, b.CreateTask(0, TaskParams{Period: 100, Deadline: 100, WCET: 10}))
	require.NoError(t, b.CreateTask(1, TaskParams{Period: 20, Deadline: 20, WCET: 5}))

	n0, _ := b.tasks.Get(0)
	n1, _ := b.tasks.Get(1)
	require.Less(t, n1.rmsPriority, n0.rmsPriority)
}

func TestUtilizationBoundMatchesLiuLayland(t *testing.T) {
	require.InDelta(t, 1.0, UtilizationBound(1), 1e-9)
	require.InDelta(t, 0.828, UtilizationBound(2), 1e-3)
}

func TestDeadlineMissNotifySendsEvent(t *testing.T) {
	var gotEvent DeadlineMissEvent
	fired := false
	table := sched.NewArrayProcessTable(2)
	b := New().(*Backend)
	cfg := sched.DefaultConfig()
	cfg.RTDefaultMissPolicy = "NOTIFY"
	require.NoError(t, b.Setup(&sched.BackendOptions{
		Table:  table,
		Config: cfg,
		SendEvent: func(e interface{}) {
			fired = true
			gotEvent = e.(DeadlineMissEvent)
		},
	}))
	require.NoError(t, b.CreateTask(0, TaskParams{Period: 10, Deadline: 5, WCET: 20, MissPolicy: MissNotify}))
	b.checkReleases()
	b.clock = 10
	b.checkDeadlines()

	require.True(t, fired)
	require.Equal(t, sched.Pid(0), gotEvent.Pid)
}

func TestMissAbortStopsTask(t *testing.T) {
	b := newBackend(t, 2)
	require.NoError(t, b.CreateTask(0, TaskParams{Period: 10, Deadline: 5, WCET: 20, MissPolicy: MissAbort}))
	b.checkReleases()
	b.clock = 10
	b.checkDeadlines()

	n, _ := b.tasks.Get(0)
	require.Equal(t, StateMissed, n.state)
}

func TestCompleteRecordsResponseTime(t *testing.T) {
	b := newBackend(t, 2)
	require.NoError(t, b.CreateTask(0, TaskParams{Period: 50, Deadline: 50, WCET: 3}))
	b.checkReleases()
	b.Schedule()
	for i := uint64(1); i <= 3; i++ {
		b.Tick(i)
	}
	n, _ := b.tasks.Get(0)
	require.EqualValues(t, 1, n.completions)
	require.Greater(t, n.worstResponseTime, uint64(0))
}

func TestValidateRejectsRunningWithoutCurrent(t *testing.T) {
	b := newBackend(t, 2)
	require.NoError(t, b.CreateTask(0, TaskParams{Period: 50, Deadline: 50, WCET: 3}))
	b.checkReleases()
	b.Schedule()
	require.NoError(t, b.Validate())

	b.current = sched.NoPid
	require.Error(t, b.Validate())
}
