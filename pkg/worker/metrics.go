package worker

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type poolMetrics struct {
	submitted  prometheus.Counter
	completed  prometheus.Counter
	failed     prometheus.Counter
	panicked   prometheus.Counter
	dropped    prometheus.Counter
	skipped    *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

func newPoolMetrics(reg prometheus.Registerer) (*poolMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "as4",
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		})
	}
	m := &poolMetrics{
		submitted: counter("submitted_total", "Total tasks accepted by the pool"),
		completed: counter("completed_total", "Total tasks that finished without error"),
		failed:    counter("failed_total", "Total tasks that returned an error"),
		panicked:  counter("panicked_total", "Total tasks that panicked"),
		dropped:   counter("dropped_total", "Total tasks rejected because the queue was full"),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "as4",
			Subsystem: "worker",
			Name:      "skipped_cycles_total",
			Help:      "Scheduled job cycles skipped because the previous run was still active",
		}, []string{"job"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "as4",
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the queue",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.submitted, m.completed, m.failed, m.panicked, m.dropped, m.skipped, m.queueDepth,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering worker metrics: %w", err)
		}
	}
	return m, nil
}
