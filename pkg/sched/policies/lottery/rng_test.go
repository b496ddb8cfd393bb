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

package lottery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/schedcore/pkg/sched"
)

// TestNextMatchesSpecFormula pins the first few outputs of seed 1 against
// the documented state <- state*1103515245+12345, value <- (state>>16)&0x7FFF
// formula, so a future edit that reintroduces the raw LCG state (or any
// other bit-extraction) gets caught immediately.
func TestNextMatchesSpecFormula(t *testing.T) {
	r := newRNG(1)
	want := []uint32{16838, 5758, 10113, 17515, 31051}
	for i, w := range want {
		require.EqualValues(t, w, r.next(), "draw %d", i)
	}
}

func TestIntnStaysInRange(t *testing.T) {
	r := newRNG(7)
	for i := 0; i < 1000; i++ {
		v := r.intn(37)
		require.Less(t, v, uint32(37))
	}
}

func TestLotteryProportionalityMatchesTicketShare(t *testing.T) {
	b := newBackend(t, 2, 1)
	b.SetTickets(0, 100)
	b.SetTickets(1, 300)
	require.NoError(t, b.Enqueue(0))
	require.NoError(t, b.Enqueue(1))

	const draws = 10000
	wins := map[sched.Pid]int{}
	for i := 0; i < draws; i++ {
		wins[b.Draw()]++
	}
	// pid1 holds 300 of 400 tickets, so it should win close to 75%.
	share := float64(wins[1]) / float64(draws)
	require.InDelta(t, 0.75, share, 0.03)
}
