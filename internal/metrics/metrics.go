/*
Copyright 2024 Xfer Authors.

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

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the coordinator's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	transactions     *prometheus.CounterVec
	participantCalls *prometheus.CounterVec
	phaseLatencyMS   *prometheus.HistogramVec
	reconciled       prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	transactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xfer",
		Name:      "transactions_total",
		Help:      "Coordinated transfers by final status.",
	}, []string{"status"})
	participantCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xfer",
		Name:      "participant_call_attempts_total",
		Help:      "HTTP attempts against participants by endpoint and result.",
	}, []string{"participant", "endpoint", "result"})
	phaseLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "xfer",
		Name:      "phase_duration_ms",
		Help:      "Duration of a two-phase-commit phase in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"phase"})
	reconciled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xfer",
		Name:      "reconciled_transactions_total",
		Help:      "Stuck PREPARED transactions aborted by reconciliation.",
	})

	registry.MustRegister(transactions, participantCalls, phaseLatency, reconciled,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Metrics{
		registry:         registry,
		transactions:     transactions,
		participantCalls: participantCalls,
		phaseLatencyMS:   phaseLatency,
		reconciled:       reconciled,
	}
}

func (m *Metrics) TransactionFinished(status string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(status).Inc()
}

func (m *Metrics) ParticipantAttempt(participant, endpoint, result string) {
	if m == nil {
		return
	}
	m.participantCalls.WithLabelValues(participant, endpoint, result).Inc()
}

func (m *Metrics) ObservePhase(phase string, started time.Time) {
	if m == nil {
		return
	}
	m.phaseLatencyMS.WithLabelValues(phase).Observe(float64(time.Since(started).Milliseconds()))
}

func (m *Metrics) Reconciled(n int) {
	if m == nil {
		return
	}
	m.reconciled.Add(float64(n))
}

// TransactionCounter returns the finished-transaction counter for status.
func (m *Metrics) TransactionCounter(status string) prometheus.Counter {
	return m.transactions.WithLabelValues(status)
}

// AttemptCounter returns the attempt counter for one participant endpoint and result.
func (m *Metrics) AttemptCounter(participant, endpoint, result string) prometheus.Counter {
	return m.participantCalls.WithLabelValues(participant, endpoint, result)
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
