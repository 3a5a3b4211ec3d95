// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "backoffice_sync"

const (
	pathDirect = "direct"
	pathQueued = "queued"

	failureTransient = "transient"
	failureTerminal  = "terminal"
	failureDropped   = "dropped"
)

// Collector is a prometheus.Collector that collects metrics about the
// sync coordinator.
type Collector struct {
	queueDepth prometheus.GaugeFunc
	applied    *prometheus.CounterVec
	failures   *prometheus.CounterVec
	evictions  prometheus.Counter
	drains     prometheus.Counter
}

// NewMetricsCollector returns a new Collector reporting depth as the
// queue depth.
func NewMetricsCollector(depth func() int) *Collector {
	return &Collector{
		queueDepth: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_depth",
				Help:      "The number of operations waiting in the local queue.",
			},
			func() float64 { return float64(depth()) },
		),
		applied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "applied_total",
				Help:      "The number of operations applied to the document store.",
			}, []string{"path"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "failures_total",
				Help:      "The number of operations that could not be applied.",
			}, []string{"reason"},
		),
		evictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "evictions_total",
				Help:      "The number of operations evicted from a full queue.",
			},
		),
		drains: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "drains_total",
				Help:      "The number of queue drains started.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.queueDepth.Describe(ch)
	c.applied.Describe(ch)
	c.failures.Describe(ch)
	c.evictions.Describe(ch)
	c.drains.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.queueDepth.Collect(ch)
	c.applied.Collect(ch)
	c.failures.Collect(ch)
	c.evictions.Collect(ch)
	c.drains.Collect(ch)
}
