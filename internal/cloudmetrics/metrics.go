package cloudmetrics

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	minutesRecorded     *prometheus.CounterVec
	statementsGenerated *prometheus.CounterVec
	engineErrors        *prometheus.CounterVec
	tenantsTotal        prometheus.Gauge
	memoryBytes         prometheus.Gauge
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		minutesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxbill_cloud_minutes_recorded_total",
			Help: "Voice minutes recorded, by tenant.",
		}, []string{"tenant"}),
		statementsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxbill_cloud_statements_generated_total",
			Help: "Overage statements generated, by tenant.",
		}, []string{"tenant"}),
		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxbill_cloud_engine_errors_total",
			Help: "Billing engine errors, by tenant and operation.",
		}, []string{"tenant", "operation"}),
		tenantsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxbill_cloud_tenants_total",
			Help: "Number of tenants on this instance.",
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxbill_cloud_memory_bytes",
			Help: "Memory obtained from the OS by this instance.",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.minutesRecorded,
			m.statementsGenerated,
			m.engineErrors,
			m.tenantsTotal,
			m.memoryBytes,
		)
	}
	return m
}
