package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_state"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(value float64) {
	p.gauge.Set(value)
}

type Prometheus struct {
	Metrics *Metrics

	registry             *prometheus.Registry
	primaryFailures      prometheus.Counter
	fallbackWrites       prometheus.Counter
	fallbackReads        prometheus.Counter
	persistenceFailures  prometheus.Counter
	transactionsRecorded prometheus.Counter
	corruptState         prometheus.Counter
	primaryRestored      prometheus.Counter
	fallbackImported     prometheus.Counter
	primaryHealthy       prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	primaryFailures := newCounter("primary_failures_total", "Total number of primary backend operation failures.")
	fallbackWrites := newCounter("fallback_writes_total", "Total number of writes served by the fallback file store.")
	fallbackReads := newCounter("fallback_reads_total", "Total number of reads served by the fallback file store.")
	persistenceFailures := newCounter("persistence_failures_total", "Total number of writes lost on both backends.")
	transactionsRecorded := newCounter("transactions_recorded_total", "Total number of transactions recorded.")
	corruptState := newCounter("corrupt_state_total", "Total number of unparsable fallback strategy documents.")
	primaryRestored := newCounter("primary_restored_total", "Total number of primary backend recoveries.")
	fallbackImported := newCounter("fallback_imported_total", "Total number of fallback records imported into the primary backend.")
	primaryHealthy := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "primary_healthy",
		Help:      "1 when the primary backend is serving traffic, 0 in degraded mode.",
	})

	registry.MustRegister(
		primaryFailures,
		fallbackWrites,
		fallbackReads,
		persistenceFailures,
		transactionsRecorded,
		corruptState,
		primaryRestored,
		fallbackImported,
		primaryHealthy,
	)

	m := &Metrics{
		PrimaryFailures:      promCounter{primaryFailures},
		FallbackWrites:       promCounter{fallbackWrites},
		FallbackReads:        promCounter{fallbackReads},
		PersistenceFailures:  promCounter{persistenceFailures},
		TransactionsRecorded: promCounter{transactionsRecorded},
		CorruptState:         promCounter{corruptState},
		PrimaryRestored:      promCounter{primaryRestored},
		FallbackImported:     promCounter{fallbackImported},
		PrimaryHealthy:       promGauge{primaryHealthy},
	}

	return &Prometheus{
		Metrics:              m,
		registry:             registry,
		primaryFailures:      primaryFailures,
		fallbackWrites:       fallbackWrites,
		fallbackReads:        fallbackReads,
		persistenceFailures:  persistenceFailures,
		transactionsRecorded: transactionsRecorded,
		corruptState:         corruptState,
		primaryRestored:      primaryRestored,
		fallbackImported:     fallbackImported,
		primaryHealthy:       primaryHealthy,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
