/*
 * MIT License
 *
 * Copyright (c) 2025 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package metrics wires the request pipeline, rate-limit backend, and
// fiber scheduler to prometheus/client_golang, the library the teacher's
// own (test-only) prometheus/ package would have wrapped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the server exposes, registered once at
// startup and threaded through the pipeline/strategy/scheduler.
type Registry struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RateLimitBlocked *prometheus.CounterVec
	SchedulerReadyQueueDepth prometheus.Gauge
	WorkersCurrent   prometheus.Gauge
}

// NewRegistry builds and registers a Registry against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "itsi_requests_total",
			Help: "Total requests handled by the middleware pipeline, labeled by route pattern and status class.",
		}, []string{"pattern", "status_class"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "itsi_request_duration_seconds",
			Help:    "Request latency from acceptor dispatch to response completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pattern"}),

		RateLimitBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "itsi_rate_limit_blocked_total",
			Help: "Requests rejected by the rate-limit middleware, labeled by route pattern.",
		}, []string{"pattern"}),

		SchedulerReadyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "itsi_scheduler_ready_queue_depth",
			Help: "Current depth of the fiber scheduler's ready queue.",
		}),

		WorkersCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "itsi_workers_current",
			Help: "Current number of live cluster-mode worker processes.",
		}),
	}

	reg.MustRegister(
		r.RequestsTotal,
		r.RequestDuration,
		r.RateLimitBlocked,
		r.SchedulerReadyQueueDepth,
		r.WorkersCurrent,
	)

	return r
}

// ObserveRequest records one completed request's latency and outcome.
func (r *Registry) ObserveRequest(pattern string, statusClass string, elapsed time.Duration) {
	r.RequestsTotal.WithLabelValues(pattern, statusClass).Inc()
	r.RequestDuration.WithLabelValues(pattern).Observe(elapsed.Seconds())
}

// ObserveRateLimitBlock records one rate-limit rejection for pattern.
func (r *Registry) ObserveRateLimitBlock(pattern string) {
	r.RateLimitBlocked.WithLabelValues(pattern).Inc()
}
