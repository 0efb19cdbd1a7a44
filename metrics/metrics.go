// Package metrics defines the Prometheus collectors exported by the node and
// the gateway, and the HTTP server that exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewRegistry returns a registry preloaded with Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Node tracks block production. A nil *Node records nothing.
type Node struct {
	blocks prometheus.Counter
	txs    *prometheus.CounterVec
	height prometheus.Gauge
}

// NewNode creates the node collectors and registers them with reg.
func NewNode(reg prometheus.Registerer) *Node {
	n := &Node{
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikerush_blocks_produced_total",
			Help: "Blocks produced by this validator.",
		}),
		txs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bikerush_transactions_total",
			Help: "Transactions included in blocks by receipt status.",
		}, []string{"status"}),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikerush_chain_height",
			Help: "Height of the chain tip.",
		}),
	}
	reg.MustRegister(n.blocks, n.txs, n.height)
	return n
}

// ObserveBlock records a committed block and the status of its receipts.
func (n *Node) ObserveBlock(height int64, statuses []string) {
	if n == nil {
		return
	}
	n.blocks.Inc()
	n.height.Set(float64(height))
	for _, s := range statuses {
		n.txs.WithLabelValues(s).Inc()
	}
}

// Reconciler tracks client-side operation outcomes. A nil *Reconciler
// records nothing.
type Reconciler struct {
	outcomes   *prometheus.CounterVec
	settlement *prometheus.HistogramVec
}

// NewReconciler creates the reconciler collectors and registers them with reg.
func NewReconciler(reg prometheus.Registerer) *Reconciler {
	r := &Reconciler{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bikerush_operation_outcomes_total",
			Help: "Player operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		settlement: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bikerush_settlement_seconds",
			Help:    "Time from batch submission to settled receipt.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"op"}),
	}
	reg.MustRegister(r.outcomes, r.settlement)
	return r
}

// Outcome counts one resolved operation.
func (r *Reconciler) Outcome(op, outcome string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(op, outcome).Inc()
}

// Settled records how long a batch took to settle.
func (r *Reconciler) Settled(op string, d time.Duration) {
	if r == nil {
		return
	}
	r.settlement.WithLabelValues(op).Observe(d.Seconds())
}
