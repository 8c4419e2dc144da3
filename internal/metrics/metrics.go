// Simple Git CI/CD is a single-node continuous-integration dispatcher.
// Copyright (C) 2026 Kaligraphy247
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus counters and histograms for webhook
// intake and pipeline execution.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	webhookRequests *prometheus.CounterVec
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	stepDuration    *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Used by tests to
// ensure clean state between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveWebhookRequest records one inbound webhook delivery, labeled by
// the project it matched (or "unmatched") and the HTTP status returned.
func ObserveWebhookRequest(project string, status int) {
	labelProject := sanitizeLabel(project, "unmatched")

	mu.RLock()
	defer mu.RUnlock()
	if webhookRequests != nil {
		webhookRequests.WithLabelValues(labelProject, strconv.Itoa(status)).Inc()
	}
}

// ObserveJob records a completed job's terminal status and wall-clock
// duration.
func ObserveJob(project, status string, duration time.Duration) {
	labelProject := sanitizeLabel(project, "unknown")
	labelStatus := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(labelProject, labelStatus).Inc()
	}
	if jobDuration != nil {
		jobDuration.WithLabelValues(labelProject).Observe(durationSeconds(duration))
	}
}

// ObserveStep records one pipeline step's duration, labeled by step kind.
func ObserveStep(stepType string, duration time.Duration) {
	labelStep := sanitizeLabel(stepType, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if stepDuration != nil {
		stepDuration.WithLabelValues(labelStep).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cicd",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total webhook deliveries received, grouped by matched project and HTTP status.",
	}, []string{"project", "status"})

	jobsCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cicd",
		Subsystem: "jobs",
		Name:      "total",
		Help:      "Total jobs run, grouped by project and terminal status.",
	}, []string{"project", "status"})

	jobsHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cicd",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of a job's full pipeline run.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"project"})

	stepsHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cicd",
		Subsystem: "jobs",
		Name:      "step_duration_seconds",
		Help:      "Duration of an individual pipeline step by step type.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"step_type"})

	registry.MustRegister(reqTotal, jobsCounter, jobsHist, stepsHist)

	reg = registry
	webhookRequests = reqTotal
	jobsTotal = jobsCounter
	jobDuration = jobsHist
	stepDuration = stepsHist
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
