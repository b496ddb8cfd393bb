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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/containers/schedcore/pkg/sched"
	_ "github.com/containers/schedcore/pkg/sched/policies/roundrobin"
)

func TestSchedulerCollectorExportsAllFields(t *testing.T) {
	table := sched.NewArrayProcessTable(4)
	s := sched.New(table, sched.DefaultConfig())
	require.NoError(t, s.Init(sched.RR))

	collector := NewSchedulerCollector(s)
	require.Equal(t, 12, testutil.CollectAndCount(collector))
}

func TestCollectorWrapperRespectsEnable(t *testing.T) {
	table := sched.NewArrayProcessTable(4)
	s := sched.New(table, sched.DefaultConfig())
	require.NoError(t, s.Init(sched.RR))

	wrapped := NewCollector("scheduler", "stats", NewSchedulerCollector(s))
	require.Equal(t, 12, testutil.CollectAndCount(wrapped))

	wrapped.Enable(false)
	require.Equal(t, 0, testutil.CollectAndCount(wrapped))
}
