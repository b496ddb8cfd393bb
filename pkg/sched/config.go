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

// Quantum bounds shared by every policy that honors a quantum (spec §6).
const (
	DefaultQuantum uint32 = 10
	MinQuantum     uint32 = 1
	MaxQuantum     uint32 = 1000

	PriorityMin uint32 = 0
	PriorityMax uint32 = 99
)

// Config collects the tunables every policy backend reads from at Setup
// time. It plays the role the teacher's per-policy cfgapi.Config structs
// play for NRI plugins: a plain, validated Go struct, not a live object.
type Config struct {
	// Quantum is the RR default time-slice, in ticks (Lottery reads
	// LotteryQuantum instead).
	Quantum uint32

	// PriorityAgingInterval is how often (in ticks) Priority ages every
	// ready node's current_priority upward.
	PriorityAgingInterval uint32
	// PriorityAgingAmount is how much current_priority increases per
	// aging interval.
	PriorityAgingAmount uint32
	// PriorityStarvationThreshold is the wait_time after which a node is
	// boosted regardless of the aging schedule.
	PriorityStarvationThreshold uint64

	// MLFQBoostInterval is how often (in ticks) every MLFQ task is
	// reset to level 0.
	MLFQBoostInterval uint64
	// MLFQIOBonusThreshold is the io_count after which a task is
	// promoted one level.
	MLFQIOBonusThreshold uint32

	// LotterySeed seeds the deterministic LCG (spec §4.5).
	LotterySeed uint32
	// LotteryQuantum is how long a winning draw holds the CPU.
	LotteryQuantum uint32
	// LotteryCompensationEnabled toggles yield compensation.
	LotteryCompensationEnabled bool

	// CFSTargetLatency and CFSMinGranularity drive sched_latency (§4.6).
	CFSTargetLatency  uint64
	CFSMinGranularity uint64
	// CFSSleeperCreditEnabled toggles the sleeper-credit bonus on wakeup.
	CFSSleeperCreditEnabled bool

	// RTDefaultAlgorithm selects the real-time backend's initial ranking
	// algorithm (EDF/RMS/DMS/LLF), which applies to all of its tasks.
	RTDefaultAlgorithm string
	// RTDefaultMissPolicy selects SKIP/CONTINUE/ABORT/NOTIFY.
	RTDefaultMissPolicy string
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Quantum: DefaultQuantum,

		PriorityAgingInterval:       10,
		PriorityAgingAmount:         1,
		PriorityStarvationThreshold: 200,

		MLFQBoostInterval:    1000,
		MLFQIOBonusThreshold: 5,

		LotterySeed:                1,
		LotteryQuantum:             10,
		LotteryCompensationEnabled: true,

		CFSTargetLatency:        20,
		CFSMinGranularity:       4,
		CFSSleeperCreditEnabled: true,

		RTDefaultAlgorithm:  "EDF",
		RTDefaultMissPolicy: "NOTIFY",
	}
}

// Validate rejects nonsensical configuration (it does not clamp) the way spec §6/§7
// describe ("validated priority updates", "clamped" quanta).
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("schedcore: nil config")
	}
	if c.Quantum < MinQuantum || c.Quantum > MaxQuantum {
		return errors.Errorf("quantum %d out of range [%d, %d]", c.Quantum, MinQuantum, MaxQuantum)
	}
	if c.PriorityAgingInterval == 0 {
		return errors.New("priority aging interval must be > 0")
	}
	if c.MLFQBoostInterval == 0 {
		return errors.New("mlfq boost interval must be > 0")
	}
	if c.CFSMinGranularity == 0 || c.CFSTargetLatency == 0 {
		return errors.New("cfs target latency and min granularity must be > 0")
	}
	switch c.RTDefaultAlgorithm {
	case "EDF", "RMS", "DMS", "LLF":
	default:
		return errors.Errorf("unknown rt algorithm %q", c.RTDefaultAlgorithm)
	}
	switch c.RTDefaultMissPolicy {
	case "SKIP", "CONTINUE", "ABORT", "NOTIFY":
	default:
		return errors.Errorf("unknown rt miss policy %q", c.RTDefaultMissPolicy)
	}
	return nil
}

// ClampQuantum clamps q into [MinQuantum, MaxQuantum].
func ClampQuantum(q uint32) uint32 {
	if q < MinQuantum {
		return MinQuantum
	}
	if q > MaxQuantum {
		return MaxQuantum
	}
	return q
}

// ClampPriority clamps p into [PriorityMin, PriorityMax].
func ClampPriority(p uint32) uint32 {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}
