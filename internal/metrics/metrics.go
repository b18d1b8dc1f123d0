// Package metrics exports engine operation metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
)

const namespace = "cryptodca"

// Recorder implements the engine's Recorder on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	executions *prometheus.CounterVec
	fees       *prometheus.CounterVec
	output     *prometheus.CounterVec
}

// New creates a recorder with Go runtime and process collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by name and result code",
		}, []string{"op", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time taken by engine operations, collaborator calls included",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Settled plan executions by asset pair",
		}, []string{"source", "target"}),
		fees: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_collected_total",
			Help:      "Protocol fees credited, in source asset base units",
		}, []string{"asset"}),
		output: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_delivered_total",
			Help:      "Target asset delivered by settlements, in base units",
		}, []string{"asset"}),
	}
}

// ObserveOperation counts op under its error code, "ok" on success.
func (r *Recorder) ObserveOperation(op string, err error, took time.Duration) {
	result := "ok"
	if err != nil {
		if result = domain.CodeOf(err); result == "" {
			result = "error"
		}
	}
	r.operations.WithLabelValues(op, result).Inc()
	r.duration.WithLabelValues(op).Observe(took.Seconds())
}

// ObserveExecution records the amounts of a settled execution.
func (r *Recorder) ObserveExecution(source, target common.Address, fee, output decimal.Decimal) {
	r.executions.WithLabelValues(source.Hex(), target.Hex()).Inc()
	if fee.IsPositive() {
		r.fees.WithLabelValues(source.Hex()).Add(fee.InexactFloat64())
	}
	if output.IsPositive() {
		r.output.WithLabelValues(target.Hex()).Add(output.InexactFloat64())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
