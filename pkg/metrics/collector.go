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

// Package metrics wraps prometheus.Collector implementations with the
// enable/poll bookkeeping a scheduler's metrics need: stats collection is
// cheap enough to always run live, but a Dump()-backed collector that
// walks every tracked process is the kind of thing you want polled on a
// cadence instead of on every /metrics scrape.
package metrics

import (
	"path"

	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/containers/schedcore/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

// State is a bitmask describing how a Collector's metrics get exposed.
type State int

const (
	// Enabled marks a collector as active; Collect is a no-op otherwise.
	Enabled State = 1 << iota
	// Polled marks a collector as returning its last Poll()'d snapshot
	// rather than collecting live on every scrape.
	Polled
	// NamespacePrefix is a recorded flag only; Describe and Collect
	// pass metric names through unchanged whether or not it is set.
	NamespacePrefix
	// SubsystemPrefix is a recorded flag only; Describe and Collect
	// pass metric names through unchanged whether or not it is set.
	SubsystemPrefix
)

// CollectorOption configures a Collector at construction time.
type CollectorOption func(*Collector)

// WithoutNamespace clears the NamespacePrefix flag.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) { c.State &^= NamespacePrefix }
}

// WithoutSubsystem clears the SubsystemPrefix flag.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) { c.State &^= SubsystemPrefix }
}

// WithPolled marks the collector polled instead of collected live.
func WithPolled() CollectorOption {
	return func(c *Collector) { c.State |= Polled }
}

func (s State) enabled() bool { return s&Enabled != 0 }
func (s State) polled() bool  { return s&Polled != 0 }

// Collector adapts a prometheus.Collector with a name, a group, and
// enable/poll state, so a scheduler simulator can register several
// collectors (dispatcher-level stats, per-policy stats, per-process
// stats) and toggle each independently.
type Collector struct {
	inner prometheus.Collector
	name  string
	group string
	State
	lastPoll []prometheus.Metric
}

// NewCollector wraps inner under name/group, enabled and with both prefix
// flags set by default; metric names are not changed.
func NewCollector(group, name string, inner prometheus.Collector, opts ...CollectorOption) *Collector {
	c := &Collector{
		inner: inner,
		name:  name,
		group: group,
		State: Enabled | NamespacePrefix | SubsystemPrefix,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name is group/name, the collector's fully qualified identity.
func (c *Collector) Name() string { return c.group + "/" + c.name }

// Matches reports whether glob matches the collector's group, name, or
// full name.
func (c *Collector) Matches(glob string) bool {
	if glob == c.group || glob == c.name || glob == c.Name() {
		return true
	}
	if ok, _ := path.Match(glob, c.Name()); ok {
		return true
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.inner.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.State.enabled() {
		return
	}
	if !c.State.polled() {
		clog.Debug("collecting %q", c.Name())
		c.inner.Collect(ch)
		return
	}
	clog.Debug("collecting (polled) %q", c.Name())
	for _, m := range c.lastPoll {
		ch <- m
	}
}

// Poll refreshes the cached snapshot a polled collector serves. A no-op
// for a disabled or non-polled collector.
func (c *Collector) Poll() {
	if !c.State.enabled() || !c.State.polled() {
		return
	}
	clog.Debug("polling %q", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.inner.Collect(ch)
		close(ch)
	}()

	polled := make([]prometheus.Metric, 0, 16)
	for m := range ch {
		polled = append(polled, m)
	}
	c.lastPoll = polled
}

// Enable turns collection on or off.
func (c *Collector) Enable(state bool) {
	if state {
		c.State |= Enabled
	} else {
		c.State &^= Enabled
	}
}
