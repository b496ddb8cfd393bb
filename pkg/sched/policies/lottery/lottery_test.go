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

func newBackend(t *testing.T, capacity int, seed uint32) *Backend {
	t.Helper()
	table := sched.NewArrayProcessTable(capacity)
	cfg := sched.DefaultConfig()
	cfg.LotterySeed = seed
	b := New().(*Backend)
	require.NoError(t, b.Setup(&sched.BackendOptions{Table: table, Config: cfg}))
	return b
}

func TestDrawIsDeterministicForASeed(t *testing.T) {
	a := newBackend(t, 4, 42)
	c := newBackend(t, 4, 42)

	for _, b := range []*Backend{a, c} {
		require.NoError(t, b.Enqueue(0))
		require.NoError(t, b.Enqueue(1))
		require.NoError(t, b.Enqueue(2))
	}

	var seqA, seqC []sched.Pid
	for i := 0; i < 5; i++ {
		seqA = append(seqA, a.Draw())
		seqC = append(seqC, c.Draw())
	}
	require.Equal(t, seqA, seqC)
}

func TestSetTicketsClampsToRange(t *testing.T) {
	b := newBackend(t, 2, 1)
	require.Equal(t, MaxTickets, b.SetTickets(0, 999999))
	require.Equal(t, MinTickets, b.SetTickets(1, 0))
}

func TestTransferTicketsMovesShare(t *testing.T) {
	b := newBackend(t, 2, 1)
	b.SetTickets(0, 100)
	b.SetTickets(1, 50)

	moved := b.TransferTickets(0, 1, 30)
	require.EqualValues(t, 30, moved)
	require.EqualValues(t, 70, b.GetTickets(0))
	require.EqualValues(t, 80, b.GetTickets(1))
}

func TestTransferTicketsClampsAtReceiverHeadroom(t *testing.T) {
	b := newBackend(t, 2, 1)
	b.SetTickets(0, MaxTickets)
	b.SetTickets(1, MaxTickets-10)

	before := b.GetTickets(0) + b.GetTickets(1)
	moved := b.TransferTickets(0, 1, 100)

	require.EqualValues(t, 10, moved, "receiver has only 10 tickets of headroom before MaxTickets")
	require.EqualValues(t, MaxTickets, b.GetTickets(1))
	after := b.GetTickets(0) + b.GetTickets(1)
	require.Equal(t, before, after, "a transfer must conserve the total ticket count")
}

func TestCompensationBoostsEarlyYield(t *testing.T) {
	b := newBackend(t, 2, 1)
	require.NoError(t, b.Enqueue(0))
	b.Schedule()
	b.quantumUsed = 1 // used only a sliver of a 10-tick quantum
	b.Yield(0)

	n, ok := b.entries.Get(0)
	require.True(t, ok)
	require.Greater(t, n.compensation, uint32(0))
}

func TestDrawOnEmptyPoolReturnsNoPid(t *testing.T) {
	b := newBackend(t, 2, 1)
	require.Equal(t, sched.NoPid, b.Draw())
}

func TestValidateRejectsBelowMinimumTickets(t *testing.T) {
	b := newBackend(t, 2, 1)
	require.NoError(t, b.Enqueue(0))
	require.NoError(t, b.Validate())

	n, _ := b.entries.Get(0)
	n.currentTickets = 0
	require.Error(t, b.Validate())
}
