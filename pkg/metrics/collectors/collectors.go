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

// Package collectors supplies the process/runtime-level prometheus
// collectors a schedsim instance registers alongside its own
// metrics.SchedulerCollector, so a scrape of a long simulation shows GC
// pressure and RSS next to scheduler throughput.
package collectors

import (
	"github.com/prometheus/client_golang/prometheus"
	stdcollectors "github.com/prometheus/client_golang/prometheus/collectors"
)

// Standard returns the stock build-info, Go runtime, and process
// collectors, keyed by name for selective registration.
func Standard() map[string]prometheus.Collector {
	return map[string]prometheus.Collector{
		"buildinfo": stdcollectors.NewBuildInfoCollector(),
		"golang":    stdcollectors.NewGoCollector(),
		"process":   stdcollectors.NewProcessCollector(stdcollectors.ProcessCollectorOpts{}),
	}
}

// MustRegisterStandard registers every Standard() collector with reg,
// panicking on a duplicate registration the way prometheus.MustRegister
// does elsewhere in this module.
func MustRegisterStandard(reg *prometheus.Registry) {
	for _, c := range Standard() {
		reg.MustRegister(c)
	}
}
