// Package metrics exposes node activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
	"github.com/wippyai/wasm-node/hostapi"
	"github.com/wippyai/wasm-node/scheduler"
)

const namespace = "wasmnode"

// Metrics holds every collector of a node on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	blocks      *prometheus.CounterVec
	duration    prometheus.Histogram
	weight      prometheus.Histogram
	extrinsics  *prometheus.CounterVec
	height      prometheus.Gauge
	queueDepth  prometheus.Gauge
	specVersion *prometheus.GaugeVec
	upgrades    prometheus.Counter
	rpcRequests *prometheus.CounterVec
	hostCalls   *prometheus.CounterVec
}

// New creates and registers the node collectors, including the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		blocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "blocks_total",
			Help:      "Blocks processed, by outcome (committed or the failure kind).",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "block_duration_seconds",
			Help:      "Wall time from dequeue to commit or rejection.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),
		weight: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "block_weight",
			Help:      "Weight consumed by committed blocks.",
			Buckets:   prometheus.ExponentialBuckets(1000, 4, 10),
		}),
		extrinsics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "extrinsics_total",
			Help:      "Extrinsics in committed blocks, by dispatch result.",
		}, []string{"result"}),
		height: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "height",
			Help:      "Number of the last committed block.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Blocks waiting for the scheduler.",
		}),
		specVersion: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "spec_version",
			Help:      "Spec version of the active runtime.",
		}, []string{"spec_name"}),
		upgrades: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "upgrades_total",
			Help:      "Runtime activations after the first.",
		}),
		rpcRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "JSON-RPC requests by method.",
		}, []string{"method"}),
		hostCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "host_calls_total",
			Help:      "Host calls made by runtimes, by function.",
		}, []string{"function"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// BlockProcessed implements scheduler.Observer.
func (m *Metrics) BlockProcessed(res *scheduler.Result, elapsed time.Duration) {
	m.duration.Observe(elapsed.Seconds())
	if !res.Committed {
		kind := errors.Kind("unknown")
		if res.Failure != nil && res.Failure.Kind != "" {
			kind = res.Failure.Kind
		}
		m.blocks.WithLabelValues(string(kind)).Inc()
		return
	}
	m.blocks.WithLabelValues("committed").Inc()
	m.weight.Observe(float64(res.Weight))
	m.height.Set(float64(res.Number))
	for _, x := range res.Extrinsics {
		if x.OK {
			m.extrinsics.WithLabelValues("ok").Inc()
		} else {
			m.extrinsics.WithLabelValues("failed").Inc()
		}
	}
}

// QueueDepth implements scheduler.Observer.
func (m *Metrics) QueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// RuntimeActivated records a runtime rotation; use it as the registry's
// OnActivate hook.
func (m *Metrics) RuntimeActivated(v bytecode.Version, _ hashing.Hash) {
	if m.specVersionSet() {
		m.upgrades.Inc()
	}
	m.specVersion.Reset()
	m.specVersion.WithLabelValues(v.SpecName).Set(float64(v.SpecVersion))
}

func (m *Metrics) specVersionSet() bool {
	ch := make(chan prometheus.Metric, 4)
	m.specVersion.Collect(ch)
	close(ch)
	return len(ch) > 0
}

// HostCall counts a host call; use it as engine.Config.OnHostCall.
func (m *Metrics) HostCall(rec hostapi.CallRecord) {
	m.hostCalls.WithLabelValues(rec.Name).Inc()
}

// RPCRequest counts a JSON-RPC call.
func (m *Metrics) RPCRequest(method string) { m.rpcRequests.WithLabelValues(method).Inc() }

// PoolSize registers a gauge reading the transaction pool size on scrape.
func (m *Metrics) PoolSize(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "txpool",
		Name:      "pending",
		Help:      "Extrinsics waiting in the pool.",
	}, func() float64 { return float64(fn()) }))
}
