// Copyright 2022 The tenantcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type dispatchMetrics struct {
	publishes   *prometheus.CounterVec
	pushes      *prometheus.CounterVec
	pushLatency prometheus.Histogram
}

func defineDispatchMetrics(reg prometheus.Registerer) *dispatchMetrics {
	factory := promauto.With(reg)
	return &dispatchMetrics{
		publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantcast",
			Name:      "publish_total",
			Help:      "Publish requests by event type and result",
		}, []string{"event_type", "result"}),
		pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantcast",
			Name:      "push_total",
			Help:      "Connection pushes by outcome",
		}, []string{"outcome"}),
		pushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tenantcast",
			Name:      "push_duration_seconds",
			Help:      "Connection push latency",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
