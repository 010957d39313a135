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

package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type metricsRelay struct {
	once sync.Once

	clients    prometheus.Gauge
	dropped    prometheus.Counter
	eventsSent prometheus.Counter
}

var relayMetrics metricsRelay

func (m *metricsRelay) init() {
	m.once.Do(func() {
		m.clients = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingestd_relay_clients", Help: "Connected progress subscribers"})
		m.dropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingestd_relay_clients_dropped_total", Help: "Subscribers disconnected for falling behind"})
		m.eventsSent = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingestd_relay_events_sent_total", Help: "Events written to subscribers"})
		prometheus.MustRegister(m.clients, m.dropped, m.eventsSent)
	})
}

func addClients(delta float64) { relayMetrics.init(); relayMetrics.clients.Add(delta) }
func recordClientDropped()     { relayMetrics.init(); relayMetrics.dropped.Inc() }
func recordEventSent()         { relayMetrics.init(); relayMetrics.eventsSent.Inc() }
