// Package metrics exposes Prometheus counters and gauges for the
// lifecycle scheduler loops and the notify dispatcher, mounted by
// cmd/msghubd via promhttp.Handler(). Grounded directly on
// pkg/metrics/metrics.go's package-level prometheus.New*Vec +
// MustRegister-at-init style.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal tracks the canonical list size by kind and
	// lifecycle state, refreshed on each Store.Stats() snapshot.
	MessagesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msghub_messages_total",
			Help: "Current number of messages in the canonical list, by kind and lifecycle state.",
		},
		[]string{"kind", "state"},
	)

	// DispatchTotal counts notify fan-out attempts by event.
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msghub_dispatch_total",
			Help: "Total notify dispatch attempts, by event.",
		},
		[]string{"event"},
	)

	// DispatchDroppedTotal counts dispatches dropped because a
	// subscriber's delivery channel was full.
	DispatchDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msghub_dispatch_dropped_total",
			Help: "Total notify dispatches dropped due to a full subscriber channel, by event.",
		},
		[]string{"event"},
	)

	// SchedulerTicksTotal counts lifecycle scheduler loop ticks by
	// loop name (prune, close-sweep, hard-delete, due-poll).
	SchedulerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msghub_scheduler_ticks_total",
			Help: "Total lifecycle scheduler loop ticks, by loop name.",
		},
		[]string{"loop"},
	)

	// SchedulerBatchSize records the batch size of the last
	// prune/due-poll/hard-delete tick, by loop name.
	SchedulerBatchSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msghub_scheduler_last_batch_size",
			Help: "Size of the most recent lifecycle scheduler batch, by loop name.",
		},
		[]string{"loop"},
	)

	// StorageWritesTotal counts persistence flush attempts and
	// failures.
	StorageWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msghub_storage_writes_total",
			Help: "Total storage flush attempts, by outcome (ok, error).",
		},
		[]string{"outcome"},
	)

	// ArchiveWritesTotal counts archive flush attempts and failures.
	ArchiveWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msghub_archive_writes_total",
			Help: "Total archive flush attempts, by outcome (ok, error).",
		},
		[]string{"outcome"},
	)

	// CommandBusRequestsTotal counts admin command-bus requests by
	// command name and result code.
	CommandBusRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msghub_commandbus_requests_total",
			Help: "Total admin command-bus requests, by command and outcome.",
		},
		[]string{"command", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		DispatchTotal,
		DispatchDroppedTotal,
		SchedulerTicksTotal,
		SchedulerBatchSize,
		StorageWritesTotal,
		ArchiveWritesTotal,
		CommandBusRequestsTotal,
	)
}

// Handler returns the Prometheus scrape endpoint handler, mounted by
// cmd/msghubd at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
