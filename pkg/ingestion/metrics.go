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

package ingestion

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes.
const (
	outcomeRejected     = "no_provider"
	outcomeInvalid      = "invalid"
	outcomeEmpty        = "empty"
	outcomeConfirmation = "needs_confirmation"
	outcomeConfirmed    = "confirmed"
	outcomeSubmitted    = "submitted"
	outcomeError        = "error"
)

// metricsIngestion holds Prometheus metrics for the orchestrator.
type metricsIngestion struct {
	once sync.Once

	requests *prometheus.CounterVec

	// Discovery
	filesDiscovered   prometheus.Histogram
	discoveryDuration prometheus.Histogram
}

var ingMetrics metricsIngestion

func (m *metricsIngestion) init() {
	m.once.Do(func() {
		m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingestd_ingest_requests_total", Help: "Ingestion requests by outcome"}, []string{"outcome"})

		m.filesDiscovered = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_ingest_files_discovered",
			Help:    "Files found per folder discovery",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		})
		m.discoveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_ingest_discovery_seconds",
			Help:    "Duration of folder discovery",
			Buckets: prometheus.DefBuckets,
		})

		prometheus.MustRegister(m.requests, m.filesDiscovered, m.discoveryDuration)
	})
}

// record helpers
func recordRequest(outcome string) { ingMetrics.init(); ingMetrics.requests.WithLabelValues(outcome).Inc() }
func recordDiscovery(files int, sec float64) {
	ingMetrics.init()
	ingMetrics.filesDiscovered.Observe(float64(files))
	ingMetrics.discoveryDuration.Observe(sec)
}
