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

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/containers/schedcore/pkg/sched"
)

func TestFairnessIndexPerfectlyFairWhenRatiosEqual(t *testing.T) {
	require.Equal(t, 1.0, sched.FairnessIndex(nil))
	require.InDelta(t, 1.0, sched.FairnessIndex([]float64{1, 1, 1, 1}), 1e-9)
}

func TestFairnessIndexPunishesImbalance(t *testing.T) {
	balanced := sched.FairnessIndex([]float64{1, 1, 1, 1})
	skewed := sched.FairnessIndex([]float64{4, 0, 0, 0})
	require.Less(t, skewed, balanced)
}

func TestProcStatsSnapshotDiffAfterTicks(t *testing.T) {
	s := newTestScheduler(t, 2)
	s.Ready(0)
	s.Schedule()

	first, err := s.ProcStats(0)
	require.NoError(t, err)

	s.Tick()
	s.Tick()

	second, err := s.ProcStats(0)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff == "" {
		t.Fatalf("expected ProcStats to change after two ticks, got identical snapshots")
	}
	require.Greater(t, second.TotalRuntime, first.TotalRuntime)
}
