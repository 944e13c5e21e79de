// Copyright 2025 The Tempesta-Fwd Authors.
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

// Package telemetry exposes the forwarding engine's operational counters
// as Prometheus metrics: queue depths, scheduler picks, Frang verdicts,
// and retry/eviction counts. Every exported method is a no-op-cheap
// call safe to use from a hot path; nothing here blocks on I/O except
// the /metrics handler itself.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns one independent Prometheus registry, so a process running
// more than one Engine (one per listening vhost set) can expose each
// under its own registry, or share one by passing the same *Metrics to
// all of them.
type Metrics struct {
	queueDepth      *prometheus.GaugeVec
	schedulerPicks  *prometheus.CounterVec
	frangVerdicts   *prometheus.CounterVec
	evictionsTotal  *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	roundTripMillis prometheus.Histogram
	registry        *prometheus.Registry
}

// New builds a Metrics bound to a fresh registry.
func New() *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tfd_queue_depth",
			Help: "Current number of requests held in a connection's queue",
		}, []string{"kind"}),
		schedulerPicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tfd_scheduler_picks_total",
			Help: "Total number of upstream connection picks made by the scheduler, per server group",
		}, []string{"group"}),
		frangVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tfd_frang_verdicts_total",
			Help: "Total Frang classifier verdicts, by verdict",
		}, []string{"verdict"}),
		evictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tfd_evictions_total",
			Help: "Total requests diverted to the error path, by synthesized status code",
		}, []string{"status"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tfd_retries_total",
			Help: "Total request retries attempted after an upstream failure, by server group",
		}, []string{"group"}),
		roundTripMillis: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tfd_round_trip_milliseconds",
			Help:    "Upstream request-to-response latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.queueDepth,
		m.schedulerPicks,
		m.frangVerdicts,
		m.evictionsTotal,
		m.retriesTotal,
		m.roundTripMillis,
	)
	return m
}

// SetQueueDepth records the current depth of a named queue ("seq",
// "fwd", "nip").
func (m *Metrics) SetQueueDepth(kind string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(kind).Set(float64(depth))
}

// ObserveSchedulerPick records one connection-scheduling decision for
// group.
func (m *Metrics) ObserveSchedulerPick(group string) {
	if m == nil {
		return
	}
	m.schedulerPicks.WithLabelValues(group).Inc()
}

// ObserveFrangVerdict records one Frang classifier verdict.
func (m *Metrics) ObserveFrangVerdict(verdict string) {
	if m == nil {
		return
	}
	m.frangVerdicts.WithLabelValues(verdict).Inc()
}

// ObserveEviction records one request diverted to the error path.
func (m *Metrics) ObserveEviction(statusCode int) {
	if m == nil {
		return
	}
	m.evictionsTotal.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// ObserveRetry records one retry attempt against group.
func (m *Metrics) ObserveRetry(group string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(group).Inc()
}

// ObserveRoundTripMillis records one upstream round-trip latency sample.
func (m *Metrics) ObserveRoundTripMillis(ms float64) {
	if m == nil {
		return
	}
	m.roundTripMillis.Observe(ms)
}

// Handler returns the /metrics HTTP handler for this Metrics' registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
