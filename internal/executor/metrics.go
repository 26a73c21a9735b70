// Copyright 2024 Papyrus Authors.
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

package executor

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Parts of Prometheus metric names.
const (
	namespace = "papyrus"
	subsystem = "executor"
)

// Describe implements prometheus.Collector.
func (e *Executor) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(e, ch)
}

// Collect implements prometheus.Collector.
func (e *Executor) Collect(ch chan<- prometheus.Metric) {
	e.db.Collect(ch)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "requests_total"),
			"The total number of physical statement batches issued.",
			nil, nil,
		),
		prometheus.CounterValue,
		float64(e.Requests()),
	)

	if etag := e.LastEtag(); etag != uuid.Nil {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(
				prometheus.BuildFQName(namespace, subsystem, "last_etag_info"),
				"The last successfully written etag.",
				[]string{"etag"}, nil,
			),
			prometheus.GaugeValue,
			1,
			etag.String(),
		)
	}
}

// check interfaces
var (
	_ prometheus.Collector = (*Executor)(nil)
)
