// Package metrics registers the daemon's prometheus collectors. The HTTP
// request metrics live in httpapi; here are the scheduling and memory ones.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"ocrd/internal/memprobe"
)

var (
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ocrd",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Jobs currently waiting in the queue",
	})

	ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ocrd",
		Subsystem: "queue",
		Name:      "active_workers",
		Help:      "Live worker goroutines",
	})

	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ocrd",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total jobs accepted into the queue",
	})

	JobsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ocrd",
		Subsystem: "jobs",
		Name:      "succeeded_total",
		Help:      "Total jobs finished successfully",
	})

	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ocrd",
		Subsystem: "jobs",
		Name:      "failed_total",
		Help:      "Total jobs finished with an error",
	})

	EngineInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ocrd",
		Subsystem: "engine",
		Name:      "inflight_tasks",
		Help:      "Accelerator-bound tasks currently admitted",
	})

	EngineLoads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ocrd",
		Subsystem: "engine",
		Name:      "loads_total",
		Help:      "Total engine loads",
	})

	EngineUnloads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ocrd",
		Subsystem: "engine",
		Name:      "unloads_total",
		Help:      "Total engine unloads (idle or shutdown)",
	})
)

// MustRegister installs the scheduling collectors plus GPU memory gauges
// that read the probe on every scrape.
func MustRegister(reg prometheus.Registerer, probe memprobe.Probe, gpuIndex int) {
	reg.MustRegister(
		QueueDepth, ActiveWorkers,
		JobsSubmitted, JobsSucceeded, JobsFailed,
		EngineInflight, EngineLoads, EngineUnloads,
	)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ocrd",
		Subsystem: "gpu",
		Name:      "memory_free_gb",
		Help:      "Free accelerator memory in GB (0 when no GPU is visible)",
	}, func() float64 {
		free, _, ok := probe.GPUMemoryGB(gpuIndex)
		if !ok {
			return 0
		}
		return free
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ocrd",
		Subsystem: "gpu",
		Name:      "memory_total_gb",
		Help:      "Total accelerator memory in GB",
	}, func() float64 {
		_, total, ok := probe.GPUMemoryGB(gpuIndex)
		if !ok {
			return 0
		}
		return total
	}))
}
