// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes the gateway's own operational state — device
// health, pubsub backpressure, outbox backlog, cloud delivery health — as
// Prometheus gauges and counters, served on the minimal liveness listener.
// This is observability of the gateway process itself, not a REST or
// GraphQL data API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every metric this gateway exposes and the Prometheus
// registry they're registered against.
type Registry struct {
	reg *prometheus.Registry

	DevicesOnline   prometheus.Gauge
	DevicesOffline  prometheus.Gauge
	PubSubDropped   *prometheus.CounterVec
	OutboxFiles     prometheus.Gauge
	LastCloudPostOK prometheus.Gauge
	SnapshotRows    prometheus.Gauge
}

// New builds and registers every metric.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		DevicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway", Name: "devices_online", Help: "Number of devices currently considered healthy.",
		}),
		DevicesOffline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway", Name: "devices_offline", Help: "Number of devices currently considered unhealthy.",
		}),
		PubSubDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway", Name: "pubsub_dropped_total", Help: "Messages dropped per topic due to a full subscriber queue.",
		}, []string{"topic"}),
		OutboxFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway", Name: "outbox_files", Help: "Number of payloads currently waiting in the outbox.",
		}),
		LastCloudPostOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway", Name: "last_cloud_post_ok_timestamp_seconds", Help: "Unix timestamp of the last successful cloud POST.",
		}),
		SnapshotRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway", Name: "snapshot_store_rows", Help: "Row count of the local snapshot store.",
		}),
	}
	reg.MustRegister(r.DevicesOnline, r.DevicesOffline, r.PubSubDropped, r.OutboxFiles, r.LastCloudPostOK, r.SnapshotRows)
	return r
}

// RecordPubSubDrop increments the drop counter for one topic.
func (r *Registry) RecordPubSubDrop(topic string) {
	r.PubSubDropped.WithLabelValues(topic).Inc()
}

// SetLastCloudPostOK records when a cloud POST last succeeded.
func (r *Registry) SetLastCloudPostOK(t time.Time) {
	r.LastCloudPostOK.Set(float64(t.Unix()))
}

// Handler returns the promhttp handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
