// Package metrics exposes shim counters over the standard prometheus
// registry. Counters are fed from the event pipeline so the core lifecycle
// path stays free of instrumentation calls.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"wasmshim/internal/shim/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wasmshim",
		Name:      "tasks_created_total",
		Help:      "Tasks admitted by Create.",
	})
	tasksDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wasmshim",
		Name:      "tasks_deleted_total",
		Help:      "Tasks removed by Delete.",
	})
	processStarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wasmshim",
		Name:      "process_starts_total",
		Help:      "Processes started, main and exec.",
	})
	processExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wasmshim",
		Name:      "process_exits_total",
		Help:      "Process exits by exit code.",
	}, []string{"exit_code"})
	tasksLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wasmshim",
		Name:      "tasks_live",
		Help:      "Tasks currently admitted.",
	})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Sink feeds the counters from lifecycle events.
type Sink struct{}

func (Sink) Send(ctx context.Context, event events.Event) error {
	switch event.Kind {
	case events.KindCreate:
		tasksCreated.Inc()
		tasksLive.Inc()
	case events.KindStart:
		processStarts.Inc()
	case events.KindExit:
		processExits.WithLabelValues(strconv.Itoa(event.ExitCode)).Inc()
	case events.KindDelete:
		tasksDeleted.Inc()
		tasksLive.Dec()
	}
	return nil
}
