package bridge

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer, which disables collection.
type Metrics struct {
	ventilationLevel *prometheus.GaugeVec
	nodeReachable    *prometheus.GaugeVec
	refreshFailures  *prometheus.CounterVec
	discoveryPasses  *prometheus.CounterVec
	knownNodes       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ventilationLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "duco_ventilation_level",
				Help: "Current overrule code of the node.",
			},
			[]string{"id", "node"}),
		nodeReachable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "duco_node_reachable",
				Help: "Whether the last poll of the node succeeded.",
			},
			[]string{"id", "node"}),
		refreshFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duco_refresh_failures_total",
				Help: "Failed polls of the node.",
			},
			[]string{"id", "node"}),
		discoveryPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duco_discovery_passes_total",
				Help: "Discovery passes by result.",
			},
			[]string{"result"}),
		knownNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "duco_known_nodes",
				Help: "Nodes with a running controller.",
			}),
	}
	reg.MustRegister(m.ventilationLevel)
	reg.MustRegister(m.nodeReachable)
	reg.MustRegister(m.refreshFailures)
	reg.MustRegister(m.discoveryPasses)
	reg.MustRegister(m.knownNodes)
	return m
}

func (m *Metrics) refreshed(id NodeIdentity, node int, code int) {
	if m == nil {
		return
	}
	labels := []string{string(id), strconv.Itoa(node)}
	m.ventilationLevel.WithLabelValues(labels...).Set(float64(code))
	m.nodeReachable.WithLabelValues(labels...).Set(1)
}

func (m *Metrics) refreshFailed(id NodeIdentity, node int) {
	if m == nil {
		return
	}
	labels := []string{string(id), strconv.Itoa(node)}
	m.refreshFailures.WithLabelValues(labels...).Inc()
	m.nodeReachable.WithLabelValues(labels...).Set(0)
}

func (m *Metrics) forget(id NodeIdentity, node int) {
	if m == nil {
		return
	}
	labels := []string{string(id), strconv.Itoa(node)}
	m.ventilationLevel.DeleteLabelValues(labels...)
	m.nodeReachable.DeleteLabelValues(labels...)
	m.refreshFailures.DeleteLabelValues(labels...)
}

func (m *Metrics) discoveryPass(result string) {
	if m == nil {
		return
	}
	m.discoveryPasses.WithLabelValues(result).Inc()
}

func (m *Metrics) setKnownNodes(n int) {
	if m == nil {
		return
	}
	m.knownNodes.Set(float64(n))
}
