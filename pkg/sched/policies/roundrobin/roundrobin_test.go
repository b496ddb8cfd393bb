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

package roundrobin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/schedcore/pkg/sched"
)

func newBackend(t *testing.T, capacity int, quantum uint32) (*Backend, sched.ProcessTable) {
	t.Helper()
	table := sched.NewArrayProcessTable(capacity)
	cfg := sched.DefaultConfig()
	cfg.Quantum = quantum
	b := New().(*Backend)
	require.NoError(t, b.Setup(&sched.BackendOptions{Table: table, Config: cfg}))
	return b, table
}

func TestScheduleAndPickNextAreReadOnly(t *testing.T) {
	b, _ := newBackend(t, 4, 3)
	require.NoError(t, b.Enqueue(0))
	require.NoError(t, b.Enqueue(1))
	require.NoError(t, b.Enqueue(2))

	for i := 0; i < 5; i++ {
		require.Equal(t, sched.Pid(0), b.PickNext())
		require.Equal(t, sched.Pid(0), b.Schedule())
	}
}

func TestRotationOnlyAdvancesOnQuantumExpiry(t *testing.T) {
	b, _ := newBackend(t, 4, 2)
	require.NoError(t, b.Enqueue(0))
	require.NoError(t, b.Enqueue(1))
	require.NoError(t, b.Enqueue(2))

	require.Equal(t, sched.Pid(0), b.Schedule())
	require.False(t, b.Tick(1))
	require.Equal(t, sched.Pid(0), b.Schedule(), "cursor must not move before quantum expiry")

	require.True(t, b.Tick(2))
	require.Equal(t, sched.Pid(1), b.Schedule(), "quantum expiry rotates the cursor exactly once")

	require.False(t, b.Tick(3))
	require.True(t, b.Tick(4))
	require.Equal(t, sched.Pid(2), b.Schedule())
}

func TestYieldForcesRotation(t *testing.T) {
	b, _ := newBackend(t, 4, 5)
	require.NoError(t, b.Enqueue(0))
	require.NoError(t, b.Enqueue(1))

	require.Equal(t, sched.Pid(0), b.Schedule())
	require.True(t, b.Yield(0))
	require.Equal(t, sched.Pid(1), b.Schedule())
}

func TestEnqueueIdempotent(t *testing.T) {
	b, _ := newBackend(t, 4, 3)
	require.NoError(t, b.Enqueue(0))
	require.NoError(t, b.Enqueue(0))
	require.Equal(t, 1, b.nodes.Allocated())
}

func TestDequeueAbsentIsNoop(t *testing.T) {
	b, _ := newBackend(t, 4, 3)
	require.NoError(t, b.Dequeue(2))
	require.Equal(t, 0, b.nodes.Allocated())
}

func TestQuantumExpiryReportsResched(t *testing.T) {
	b, _ := newBackend(t, 2, 2)
	require.NoError(t, b.Enqueue(0))
	b.Schedule()

	require.False(t, b.Tick(1))
	require.True(t, b.Tick(2))
	require.EqualValues(t, 1, b.stats.TotalQuantumExpires)
}

func TestValidateDetectsEmptyHeadWithNodes(t *testing.T) {
	b, _ := newBackend(t, 2, 2)
	require.NoError(t, b.Enqueue(0))
	require.NoError(t, b.Validate())

	b.head = sched.NoPid
	require.Error(t, b.Validate())
}

func TestSetQuantumClamped(t *testing.T) {
	b, _ := newBackend(t, 2, 2)
	b.SetQuantum(1000)
	require.Equal(t, maxQuantum, b.GetQuantum())
	b.SetQuantum(0)
	require.Equal(t, minQuantum, b.GetQuantum())
}
