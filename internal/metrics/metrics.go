// Package metrics exposes the Prometheus instrumentation shared across
// the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TestsDispatched counts tests created per platform and trigger type.
	TestsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testplatform_tests_dispatched_total",
		Help: "Number of tests dispatched, by platform and trigger type.",
	}, []string{"platform", "type"})

	// ProgressReports counts progress callbacks by how they were applied.
	ProgressReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testplatform_progress_reports_total",
		Help: "Number of progress reports received, by applied outcome.",
	}, []string{"outcome"})

	// WatchdogCancellations counts tests canceled for exceeding the
	// maximum runtime.
	WatchdogCancellations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testplatform_watchdog_cancellations_total",
		Help: "Number of tests canceled by the runtime watchdog.",
	})

	// ProvisionFailures counts failed VM creation attempts.
	ProvisionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testplatform_provision_failures_total",
		Help: "Number of VM provisioning attempts that failed.",
	})

	// InstancesRunning tracks the number of VM records currently live.
	InstancesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "testplatform_instances_running",
		Help: "Number of provisioned VM instances not yet torn down.",
	})
)
