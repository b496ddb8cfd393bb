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

// Stats is the dispatcher's aggregate statistics, ported field-for-field
// from the original source's sched_stats_t.
type Stats struct {
	TotalSchedules     uint64
	ContextSwitches    uint64
	IdleTime           uint64
	BusyTime           uint64
	RunnableCount      uint32
	BlockedCount       uint32
	MaxRunnable        uint32
	Preemptions        uint32
	VoluntaryYields    uint32
	QuantumExpirations uint64
	AvgWaitTime        uint64
	AvgTurnaround      uint64
}

// ProcStats is per-process statistics, ported field-for-field from the
// original source's sched_proc_stats_t.
type ProcStats struct {
	TotalWaitTime       uint64
	TotalSleepTime      uint64
	TotalRuntime        uint64
	ContextSwitches     uint32
	VoluntarySwitches   uint32
	InvoluntarySwitches uint32
	TimeSlices          uint32
	TimesScheduled      uint32
	LastScheduled       uint64
	LastRuntime         uint64
}

// FairnessIndex computes Jain's fairness index over a set of per-entity
// ratios of actual share to expected share (spec §4.5's lottery fairness
// index, reused by any policy that wants to report one). An empty input
// returns 1 (perfectly, vacuously fair).
func FairnessIndex(ratios []float64) float64 {
	if len(ratios) == 0 {
		return 1
	}
	var sum, sumSq float64
	for _, r := range ratios {
		sum += r
		sumSq += r * r
	}
	if sumSq == 0 {
		return 1
	}
	n := float64(len(ratios))
	return (sum * sum) / (n * sumSq)
}
