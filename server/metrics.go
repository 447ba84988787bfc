package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/petal-labs/turnflow/orchestrator"
)

// StatsCollector exports the orchestrator's per-tenant turn statistics
// and stage availability. Values are read on every scrape.
type StatsCollector struct {
	orch *orchestrator.Orchestrator

	started      *prometheus.Desc
	completed    *prometheus.Desc
	failed       *prometheus.Desc
	successRate  *prometheus.Desc
	avgLatency   *prometheus.Desc
	availability *prometheus.Desc
}

// NewStatsCollector creates a collector over orch.
func NewStatsCollector(orch *orchestrator.Orchestrator) *StatsCollector {
	labels := []string{"tenant"}
	return &StatsCollector{
		orch: orch,
		started: prometheus.NewDesc("turnflow_turns_started_total",
			"Turns received per tenant.", labels, nil),
		completed: prometheus.NewDesc("turnflow_turns_completed_total",
			"Turns finished without an error state per tenant.", labels, nil),
		failed: prometheus.NewDesc("turnflow_turns_failed_total",
			"Turns finished with an error state per tenant.", labels, nil),
		successRate: prometheus.NewDesc("turnflow_turn_success_ratio",
			"Completed turns over finished turns per tenant.", labels, nil),
		avgLatency: prometheus.NewDesc("turnflow_turn_latency_average_seconds",
			"Cumulative average turn latency per tenant.", labels, nil),
		availability: prometheus.NewDesc("turnflow_stage_availability_ratio",
			"Share of pipeline stages registered per tenant.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.started
	ch <- c.completed
	ch <- c.failed
	ch <- c.successRate
	ch <- c.avgLatency
	ch <- c.availability
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	for tenant, st := range c.orch.AllStats() {
		ch <- prometheus.MustNewConstMetric(c.started, prometheus.CounterValue, float64(st.TurnsStarted), tenant)
		ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(st.TurnsCompleted), tenant)
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(st.TurnsFailed), tenant)
		ch <- prometheus.MustNewConstMetric(c.successRate, prometheus.GaugeValue, st.SuccessRate, tenant)
		ch <- prometheus.MustNewConstMetric(c.avgLatency, prometheus.GaugeValue, st.AverageLatency.Seconds(), tenant)
	}
	for _, tenant := range c.orch.Registry().Tenants() {
		h := c.orch.Health(tenant)
		ch <- prometheus.MustNewConstMetric(c.availability, prometheus.GaugeValue, h.Availability/100, tenant)
	}
}

var _ prometheus.Collector = (*StatsCollector)(nil)
