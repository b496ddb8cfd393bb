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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/schedcore/pkg/sched"
)

// SchedulerCollector exports a Scheduler's aggregate Stats as prometheus
// gauges and counters.
type SchedulerCollector struct {
	sched *sched.Scheduler

	totalSchedules     *prometheus.Desc
	contextSwitches    *prometheus.Desc
	idleTime           *prometheus.Desc
	busyTime           *prometheus.Desc
	runnableCount      *prometheus.Desc
	blockedCount       *prometheus.Desc
	maxRunnable        *prometheus.Desc
	preemptions        *prometheus.Desc
	voluntaryYields    *prometheus.Desc
	quantumExpirations *prometheus.Desc
	avgWaitTime        *prometheus.Desc
	avgTurnaround      *prometheus.Desc
}

// NewSchedulerCollector builds a collector over s. Wrap the result in
// NewCollector to get enable/poll bookkeeping before registering it with
// a prometheus.Registerer.
func NewSchedulerCollector(s *sched.Scheduler) *SchedulerCollector {
	ns := "schedcore"
	sub := "scheduler"
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, sub, name), help, nil, nil)
	}
	return &SchedulerCollector{
		sched:              s,
		totalSchedules:     desc("total_schedules", "Number of times the dispatcher picked a process to run."),
		contextSwitches:    desc("context_switches_total", "Number of actual context switches performed."),
		idleTime:           desc("idle_ticks_total", "Ticks spent with no current process."),
		busyTime:           desc("busy_ticks_total", "Ticks spent with a current process running."),
		runnableCount:      desc("runnable_processes", "Processes currently READY or CURR."),
		blockedCount:       desc("blocked_processes", "Processes currently WAIT or SLEEP."),
		maxRunnable:        desc("max_runnable_processes", "High-water mark of runnable processes."),
		preemptions:        desc("preemptions_total", "Forced reschedule requests handled."),
		voluntaryYields:    desc("voluntary_yields_total", "Voluntary reschedule requests handled."),
		quantumExpirations: desc("quantum_expirations_total", "Quantum expirations across all policies."),
		avgWaitTime:        desc("avg_wait_ticks", "Running average of ready-to-run wait time, in ticks."),
		avgTurnaround:      desc("avg_turnaround_ticks", "Running average of admission-to-exit turnaround, in ticks."),
	}
}

// Describe implements prometheus.Collector.
func (c *SchedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalSchedules
	ch <- c.contextSwitches
	ch <- c.idleTime
	ch <- c.busyTime
	ch <- c.runnableCount
	ch <- c.blockedCount
	ch <- c.maxRunnable
	ch <- c.preemptions
	ch <- c.voluntaryYields
	ch <- c.quantumExpirations
	ch <- c.avgWaitTime
	ch <- c.avgTurnaround
}

// Collect implements prometheus.Collector.
func (c *SchedulerCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.sched.Stats()
	ch <- prometheus.MustNewConstMetric(c.totalSchedules, prometheus.CounterValue, float64(st.TotalSchedules))
	ch <- prometheus.MustNewConstMetric(c.contextSwitches, prometheus.CounterValue, float64(st.ContextSwitches))
	ch <- prometheus.MustNewConstMetric(c.idleTime, prometheus.CounterValue, float64(st.IdleTime))
	ch <- prometheus.MustNewConstMetric(c.busyTime, prometheus.CounterValue, float64(st.BusyTime))
	ch <- prometheus.MustNewConstMetric(c.runnableCount, prometheus.GaugeValue, float64(st.RunnableCount))
	ch <- prometheus.MustNewConstMetric(c.blockedCount, prometheus.GaugeValue, float64(st.BlockedCount))
	ch <- prometheus.MustNewConstMetric(c.maxRunnable, prometheus.GaugeValue, float64(st.MaxRunnable))
	ch <- prometheus.MustNewConstMetric(c.preemptions, prometheus.CounterValue, float64(st.Preemptions))
	ch <- prometheus.MustNewConstMetric(c.voluntaryYields, prometheus.CounterValue, float64(st.VoluntaryYields))
	ch <- prometheus.MustNewConstMetric(c.quantumExpirations, prometheus.CounterValue, float64(st.QuantumExpirations))
	ch <- prometheus.MustNewConstMetric(c.avgWaitTime, prometheus.GaugeValue, float64(st.AvgWaitTime))
	ch <- prometheus.MustNewConstMetric(c.avgTurnaround, prometheus.GaugeValue, float64(st.AvgTurnaround))
}
