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

package cfs

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

func TestNewTasksStartAtMinVruntime(t *testing.T) {
	b := newBackend(t, 4)
	require.NoError(t, b.Enqueue(0))
	n, ok := b.tasks.Get(0)
	require.True(t, ok)
	require.Equal(t, b.minVruntime, n.vruntime)
}

func TestScheduleReturnsLeftmost(t *testing.T) {
	b := newBackend(t, 4)
	require.NoError(t, b.Enqueue(0))
	require.NoError(t, b.Enqueue(1))

	n1, _ := b.tasks.Get(1)
	b.remove(1)
	n1.vruntime = 5
	b.insertSorted(1)

	require.Equal(t, sched.Pid(0), b.PickNext())
}

func TestNiceChangesWeight(t *testing.T) {
	b := newBackend(t, 4)
	require.NoError(t, b.Enqueue(0))
	require.NoError(t, b.setNice(0, -20))
	n, _ := b.tasks.Get(0)
	require.EqualValues(t, 88761, n.weight)

	require.NoError(t, b.setNice(0, 19))
	n, _ = b.tasks.Get(0)
	require.EqualValues(t, 15, n.weight)
}

func TestLowerWeightAccruesVruntimeFaster(t *testing.T) {
	a := newBackend(t, 2)
	bb := newBackend(t, 2)
	require.NoError(t, a.Enqueue(0))
	require.NoError(t, bb.Enqueue(0))
	require.NoError(t, a.setNice(0, 19))  // low weight
	require.NoError(t, bb.setNice(0, -19)) // high weight

	a.Schedule()
	bb.Schedule()
	a.Tick(1)
	bb.Tick(1)

	na, _ := a.tasks.Get(0)
	nb, _ := bb.tasks.Get(0)
	require.Greater(t, na.vruntime, nb.vruntime)
}

func TestMinVruntimeIsMonotonic(t *testing.T) {
	b := newBackend(t, 2)
	require.NoError(t, b.Enqueue(0))
	b.Schedule()
	b.Tick(1)
	before := b.minVruntime
	b.Tick(2)
	require.GreaterOrEqual(t, b.minVruntime, before)
}

func TestValidateDetectsUnsortedTimeline(t *testing.T) {
	b := newBackend(t, 4)
	require.NoError(t, b.Enqueue(0))
	require.NoError(t, b.Enqueue(1))
	require.NoError(t, b.Validate())

	head, _ := b.tasks.Get(int(b.timeline))
	head.vruntime = 999999
	require.Error(t, b.Validate())
}
