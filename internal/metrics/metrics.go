// Package metrics exposes the broker's external-observer statistics —
// handle table occupancy and per-kind request/error counts — as
// Prometheus collectors. None of this is part of the wire protocol; it
// exists purely for an operator scraping the process, the same role the
// original main.c's print_stats played for a human watching stdout.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector owns this broker instance's Prometheus collectors. Register it
// against a *prometheus.Registry (or prometheus.DefaultRegisterer) at
// startup.
type Collector struct {
	HandleCount prometheus.Gauge
	ByteTotal   prometheus.Gauge
	Requests    *prometheus.CounterVec
	Errors      *prometheus.CounterVec
}

// New constructs a Collector. Call Register to wire it into a registry.
func New() *Collector {
	return &Collector{
		HandleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vgpu_broker",
			Name:      "handle_count",
			Help:      "Number of live handles in the broker's handle table.",
		}),
		ByteTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vgpu_broker",
			Name:      "handle_byte_total",
			Help:      "Total bytes currently allocated across all live handles.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vgpu_broker",
			Name:      "requests_total",
			Help:      "Requests processed, by message kind.",
		}, []string{"kind"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vgpu_broker",
			Name:      "errors_total",
			Help:      "Requests that resulted in an ERROR response, by message kind and error code.",
		}, []string{"kind", "error_code"}),
	}
}

// Register adds every collector to reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, coll := range []prometheus.Collector{c.HandleCount, c.ByteTotal, c.Requests, c.Errors} {
		if err := reg.Register(coll); err != nil {
			return err
		}
	}
	return nil
}
