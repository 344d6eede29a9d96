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

// Package metrics instruments the HTTP stack with the shared
// Prometheus collectors.
package metrics

import (
	"net/http"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hatrac/hatrac/pkg/metrics"
	"github.com/hatrac/hatrac/pkg/rhttp/global"
)

func init() {
	global.RegisterMiddleware("metrics", New)
}

type config struct {
	Priority int `mapstructure:"priority"`
}

// handlerLabel reduces the request path to its first segment, the
// service prefix. Labelling by full path would mint a time series per
// object name.
func handlerLabel(p string) string {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i != -1 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	return p
}

// New returns a middleware that observes request counts, sizes,
// durations and in-flight gauges for the wrapped handler.
func New(m map[string]interface{}) (global.Middleware, int, error) {
	conf := &config{}
	if err := mapstructure.Decode(m, conf); err != nil {
		return nil, 0, err
	}

	chain := func(h http.Handler) http.Handler {
		inner := promhttp.InstrumentHandlerCounter(metrics.RequestsTotal,
			promhttp.InstrumentHandlerResponseSize(metrics.ResponseSize,
				promhttp.InstrumentHandlerRequestSize(metrics.RequestSize,
					promhttp.InstrumentHandlerInFlight(metrics.InFlightRequests, h),
				),
			),
		)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// the handler label is only known per request, so the
			// duration instrument is curried here
			promhttp.InstrumentHandlerDuration(
				metrics.RequestDuration.MustCurryWith(prometheus.Labels{"handler": handlerLabel(r.URL.Path)}),
				inner,
			).ServeHTTP(w, r)
		})
	}
	return chain, conf.Priority, nil
}
