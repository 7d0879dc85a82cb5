// Copyright (c) 2026 John Earle
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

// Package metrics holds the Prometheus collectors of the scan pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for EmailsProcessed.
const (
	OutcomeOrderCreated = "order_created"
	OutcomeOrderUpdated = "order_updated"
	OutcomeSkipped      = "skipped"
	OutcomeNeedsReview  = "needs_review"
	OutcomeError        = "error"
)

// Stage labels for ExtractionErrors.
const (
	StageFetch     = "fetch"
	StageContent   = "content"
	StageParser    = "parser"
	StageAI        = "ai"
	StageReconcile = "reconcile"
)

// Metrics are the collectors shared by the pipeline, scanner and API.
//
//   - orderscan_emails_processed_total{outcome}
//   - orderscan_orders_created_total{source}
//   - orderscan_extraction_errors_total{stage}
//   - orderscan_ai_call_duration_seconds
//   - orderscan_scan_jobs_running
type Metrics struct {
	EmailsProcessed  *prometheus.CounterVec
	OrdersCreated    *prometheus.CounterVec
	ExtractionErrors *prometheus.CounterVec
	AICallDuration   prometheus.Histogram
	JobsRunning      prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EmailsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderscan_emails_processed_total",
			Help: "Emails run through the extraction pipeline, by outcome.",
		}, []string{"outcome"}),
		OrdersCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderscan_orders_created_total",
			Help: "Orders created, by extraction source.",
		}, []string{"source"}),
		ExtractionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderscan_extraction_errors_total",
			Help: "Per-message failures, by pipeline stage.",
		}, []string{"stage"}),
		AICallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderscan_ai_call_duration_seconds",
			Help:    "Latency of generative model extraction calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		JobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "orderscan_scan_jobs_running",
			Help: "Scan jobs currently executing in this process.",
		}),
	}
}

// Nop returns collectors registered nowhere, for callers that do not export
// metrics (the CLI, tests).
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveAI records the duration of an AI call started at start.
func (m *Metrics) ObserveAI(start time.Time) {
	m.AICallDuration.Observe(time.Since(start).Seconds())
}

// Processed increments the processed counter for outcome.
func (m *Metrics) Processed(outcome string) {
	m.EmailsProcessed.WithLabelValues(outcome).Inc()
}

// Failed increments the error counter for stage.
func (m *Metrics) Failed(stage string) {
	m.ExtractionErrors.WithLabelValues(stage).Inc()
}
