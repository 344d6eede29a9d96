// Copyright 2018-2023 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package metrics holds the process-wide Prometheus registry and the
// HTTP instruments shared by the metrics interceptor and the
// prometheus service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reg = prometheus.NewRegistry()

// Registry returns the registry all process metrics are registered on.
func Registry() *prometheus.Registry {
	return reg
}

// InFlightRequests is a gauge of requests currently being served.
var InFlightRequests = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
	Name: "http_in_flight_requests",
	Help: "A gauge of requests currently being served by the wrapped handler.",
})

// RequestsTotal counts finished requests by status code and method.
var RequestsTotal = promauto.With(reg).NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_api_requests_total",
		Help: "A counter for requests to the wrapped handler.",
	},
	[]string{"code", "method"},
)

// RequestDuration is partitioned by the HTTP method and handler. It uses
// custom buckets based on the expected request duration.
var RequestDuration = promauto.With(reg).NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "A histogram of latencies for requests.",
		Buckets: []float64{.25, .5, 1, 2.5, 5, 10},
	},
	[]string{"handler", "method"},
)

// RequestSize has no labels, making it a zero-dimensional ObserverVec.
// Buckets run from 256B to 4GiB so whole-object and chunk uploads land
// somewhere useful.
var RequestSize = promauto.With(reg).NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_size_bytes",
		Help:    "A histogram of request sizes for requests.",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8),
	},
	[]string{},
)

// ResponseSize has no labels, making it a zero-dimensional ObserverVec.
var ResponseSize = promauto.With(reg).NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_response_size_bytes",
		Help:    "A histogram of response sizes for requests.",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8),
	},
	[]string{},
)
