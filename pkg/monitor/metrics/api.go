/*
Copyright 2023 The Wadm Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the Prometheus collectors of the model API surface.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var (
	// APIRequestCounter counts model API requests by verb.
	APIRequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wadm_api_request_total",
		Help: "total number of model API requests handled, by verb.",
	}, []string{"verb"})

	// APIRequestDurationHistogram reports the model API handling duration by verb.
	APIRequestDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wadm_api_request_duration_seconds",
		Help:    "model API request duration distributions, by verb.",
		Buckets: histogramBuckets,
	}, []string{"verb"})
)

func init() {
	prometheus.MustRegister(APIRequestCounter, APIRequestDurationHistogram)
}
