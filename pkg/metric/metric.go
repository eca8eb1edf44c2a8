// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	metrics "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all metrics for the attribution service using luxfi/metric
type Metrics struct {
	metricsInstance metrics.Metrics

	// Recording metrics
	ImpressionsRecorded metrics.Counter
	ImpressionsDropped  metrics.Counter

	// Measurement metrics
	ConversionsMeasured metrics.Counter
	EpochsAdmitted      metrics.Counter
	EpochsOutOfBudget   metrics.Counter
	ReportsSubmitted    metrics.Counter
	SubmitFailures      metrics.Counter

	// Ledger metrics
	BudgetQueries metrics.Counter
	LedgerClears  metrics.Counter

	// Performance metrics
	MeasureDuration metrics.Histogram
	AppendDuration  metrics.Histogram
}

// NewMetrics creates a new metrics instance using luxfi/metric
func NewMetrics() (*Metrics, error) {
	factory := metrics.NewPrometheusFactory()
	metricsInstance := factory.New("attribution")

	m := &Metrics{
		metricsInstance: metricsInstance,
	}

	m.ImpressionsRecorded = metricsInstance.NewCounter("impressions_recorded_total", "Total number of impression events recorded")
	m.ImpressionsDropped = metricsInstance.NewCounter("impressions_dropped_total", "Total number of impression events dropped before storage")

	m.ConversionsMeasured = metricsInstance.NewCounter("conversions_measured_total", "Total number of conversion measurement calls")
	m.EpochsAdmitted = metricsInstance.NewCounter("epochs_admitted_total", "Total number of epochs admitted by the privacy filters")
	m.EpochsOutOfBudget = metricsInstance.NewCounter("epochs_out_of_budget_total", "Total number of epochs rejected by the privacy filters")
	m.ReportsSubmitted = metricsInstance.NewCounter("reports_submitted_total", "Total number of histogram reports handed to the submitter")
	m.SubmitFailures = metricsInstance.NewCounter("report_submit_failures_total", "Total number of failed report submissions")

	m.BudgetQueries = metricsInstance.NewCounter("budget_queries_total", "Total number of getBudget calls")
	m.LedgerClears = metricsInstance.NewCounter("ledger_clears_total", "Total number of clearBudgets calls")

	m.MeasureDuration = metricsInstance.NewHistogram(
		"measure_duration_seconds",
		"Time to process a conversion measurement",
		prometheus.DefBuckets,
	)

	m.AppendDuration = metricsInstance.NewHistogram(
		"event_append_duration_seconds",
		"Time to append an impression event to its epoch bucket",
		prometheus.DefBuckets,
	)

	return m, nil
}

// GetGatherer returns the prometheus gatherer for metrics export
func (m *Metrics) GetGatherer() prometheus.Gatherer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultGatherer
}

// GetRegisterer returns the prometheus registerer
func (m *Metrics) GetRegisterer() prometheus.Registerer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultRegisterer
}
