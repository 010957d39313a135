// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsQueue holds Prometheus metrics for the job queue.
type metricsQueue struct {
	once sync.Once

	// Jobs
	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsResumed   prometheus.Counter

	// Files
	filesFinished *prometheus.CounterVec
	filesInFlight prometheus.Gauge
	fetchRetries  prometheus.Counter

	// Events
	eventsDropped prometheus.Counter

	// Durations
	fileDuration prometheus.Histogram
	jobDuration  prometheus.Histogram
}

var queueMetrics metricsQueue

func (m *metricsQueue) init() {
	m.once.Do(func() {
		m.jobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingestd_queue_jobs_submitted_total", Help: "Jobs accepted by the queue"})
		m.jobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingestd_queue_jobs_finished_total", Help: "Jobs that reached a terminal state"}, []string{"state"})
		m.jobsResumed = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingestd_queue_jobs_resumed_total", Help: "Incomplete jobs resumed at start"})

		m.filesFinished = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingestd_queue_files_total", Help: "File slots that reached a final outcome"}, []string{"status"})
		m.filesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingestd_queue_files_in_flight", Help: "Files currently being fetched, processed or stored"})
		m.fetchRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingestd_queue_fetch_retries_total", Help: "Fetches repeated after a transient failure"})

		m.eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingestd_queue_events_dropped_total", Help: "Progress events dropped because the dispatcher was full"})

		m.fileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_queue_file_seconds",
			Help:    "Time to fetch, process and store one file",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		})
		m.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_queue_job_seconds",
			Help:    "Time from job start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		})

		prometheus.MustRegister(
			m.jobsSubmitted, m.jobsFinished, m.jobsResumed,
			m.filesFinished, m.filesInFlight, m.fetchRetries,
			m.eventsDropped,
			m.fileDuration, m.jobDuration,
		)
	})
}

// record helpers
func recordJobSubmitted() { queueMetrics.init(); queueMetrics.jobsSubmitted.Inc() }
func recordJobResumed() { queueMetrics.init(); queueMetrics.jobsResumed.Inc() }
func recordJobFinished(s JobState) { queueMetrics.init(); queueMetrics.jobsFinished.WithLabelValues(string(s)).Inc() }
func recordFileFinished(s FileState) { queueMetrics.init(); queueMetrics.filesFinished.WithLabelValues(string(s)).Inc() }
func recordEventDropped() { queueMetrics.init(); queueMetrics.eventsDropped.Inc() }
func recordFileDuration(sec float64) { queueMetrics.init(); queueMetrics.fileDuration.Observe(sec) }
func recordJobDuration(sec float64) { queueMetrics.init(); queueMetrics.jobDuration.Observe(sec) }
func recordFetchRetry() { queueMetrics.init(); queueMetrics.fetchRetries.Inc() }
func addFilesInFlight(delta float64) { queueMetrics.init(); queueMetrics.filesInFlight.Add(delta) }
