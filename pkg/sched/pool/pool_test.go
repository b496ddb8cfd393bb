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

package pool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/schedcore/pkg/sched/pool"
)

func TestAllocFreeBookkeeping(t *testing.T) {
	p := pool.New[int](8)
	require.Equal(t, 8, p.Capacity())
	require.Equal(t, 0, p.Allocated())
	require.Equal(t, 8, p.Free())

	n, ok := p.Alloc(3)
	require.True(t, ok)
	*n = 42
	require.Equal(t, 1, p.Allocated())
	require.Equal(t, 7, p.Free())
	require.Equal(t, p.Allocated()+p.Free(), p.Capacity())

	got, ok := p.Get(3)
	require.True(t, ok)
	require.Equal(t, 42, *got)

	p.Release(3)
	require.Equal(t, 0, p.Allocated())
	require.Equal(t, 8, p.Free())
	_, ok = p.Get(3)
	require.False(t, ok)
}

func TestAllocIdempotent(t *testing.T) {
	p := pool.New[int](4)
	n1, _ := p.Alloc(1)
	*n1 = 7
	n2, _ := p.Alloc(1)
	require.Equal(t, 7, *n2)
	require.Equal(t, 1, p.Allocated())
}

func TestReleaseAbsentIsNoop(t *testing.T) {
	p := pool.New[int](4)
	p.Release(2)
	require.Equal(t, 0, p.Allocated())
	require.Equal(t, 4, p.Free())
}

func TestOutOfRange(t *testing.T) {
	p := pool.New[int](4)
	_, ok := p.Alloc(-1)
	require.False(t, ok)
	_, ok = p.Alloc(4)
	require.False(t, ok)
}

func TestEach(t *testing.T) {
	p := pool.New[int](4)
	for _, pid := range []int{0, 2} {
		n, _ := p.Alloc(pid)
		*n = pid * 10
	}
	seen := map[int]int{}
	p.Each(func(pid int, node *int) { seen[pid] = *node })
	require.Equal(t, map[int]int{0: 0, 2: 20}, seen)
}
