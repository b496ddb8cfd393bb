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

package mlfq

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

func TestNewProcessStartsAtLevelZero(t *testing.T) {
	b := newBackend(t, 4)
	require.NoError(t, b.Enqueue(0))
	lvl, err := b.GetPriority(0)
	require.NoError(t, err)
	require.EqualValues(t, 0, lvl)
}

func TestQuantumExhaustionDemotes(t *testing.T) {
	b := newBackend(t, 4)
	require.NoError(t, b.Enqueue(0))
	b.Schedule()

	// level 0 quantum is 1 tick, allotment is 2 ticks (quantum*2).
	require.True(t, b.Tick(1))
	// requeued at level 0 still (allotment not exhausted yet)
	lvl, _ := b.GetPriority(0)
	require.EqualValues(t, 0, lvl)

	b.Schedule()
	require.True(t, b.Tick(2))
	lvl, _ = b.GetPriority(0)
	require.EqualValues(t, 1, lvl, "allotment exhausted, should demote to level 1")
}

func TestPriorityBoostResetsAllToLevelZero(t *testing.T) {
	b := newBackend(t, 4)
	require.NoError(t, b.Enqueue(0))
	b.MoveToLevel(0, 5)
	require.NoError(t, b.Enqueue(1))
	b.MoveToLevel(1, 3)

	b.PriorityBoost()

	lvl0, _ := b.GetPriority(0)
	lvl1, _ := b.GetPriority(1)
	require.EqualValues(t, 0, lvl0)
	require.EqualValues(t, 0, lvl1)
}

func TestIODoneBonusPromotes(t *testing.T) {
	b := newBackend(t, 4)
	b.ioBonusAt = 2
	require.NoError(t, b.Enqueue(0))
	b.MoveToLevel(0, 4)

	b.IODone(0)
	b.IODone(0)
	b.IODone(0)

	lvl, _ := b.GetPriority(0)
	require.EqualValues(t, 3, lvl)
	require.EqualValues(t, 1, b.stats.IOBonuses)
}

func TestValidateDetectsLevelMismatch(t *testing.T) {
	b := newBackend(t, 4)
	require.NoError(t, b.Enqueue(0))
	require.NoError(t, b.Validate())

	n, _ := b.nodes.Get(0)
	n.level = 3
	require.Error(t, b.Validate())
}
