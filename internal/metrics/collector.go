package panmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "tinypan"
	subsystem = "pan"
)

// Label names for PAN metrics.
const (
	labelPeerAddr  = "peer_addr"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelDirection = "direction"
	labelPath      = "path"
)

// Direction label values.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Path label values for the outbound encapsulation counter.
const (
	PathFast = "fast"
	PathSlow = "slow"
)

// -------------------------------------------------------------------------
// Collector — Prometheus PAN Metrics
// -------------------------------------------------------------------------

// Collector holds all TinyPAN Prometheus metrics.
//
// Designed around the questions an operator asks of a tethered link:
// is it online, how often does it flap, is the radio keeping up with
// the data plane, and how much traffic moves.
type Collector struct {
	// SupervisorState is a gauge carrying the numeric supervisor
	// state, labeled by peer.
	SupervisorState *prometheus.GaugeVec

	// StateTransitions counts supervisor transitions, labeled by the
	// old and new state for flap alerting.
	StateTransitions *prometheus.CounterVec

	// ReconnectAttempts counts connect attempts after a failure.
	ReconnectAttempts *prometheus.CounterVec

	// Frames counts data frames per direction.
	Frames *prometheus.CounterVec

	// Bytes counts data bytes per direction.
	Bytes *prometheus.CounterVec

	// TxEncapsulations counts outbound encapsulations by path.
	TxEncapsulations *prometheus.CounterVec

	// TxDropped counts frames dropped by the data plane (full ring,
	// hard radio errors).
	TxDropped *prometheus.CounterVec

	// TxQueueDepth is a gauge of the frames waiting on the TX ring.
	TxQueueDepth *prometheus.GaugeVec
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
//
// All metrics carry the "tinypan_pan_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.SupervisorState,
		c.StateTransitions,
		c.ReconnectAttempts,
		c.Frames,
		c.Bytes,
		c.TxEncapsulations,
		c.TxDropped,
		c.TxQueueDepth,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	peerLabels := []string{labelPeerAddr}
	transitionLabels := []string{labelPeerAddr, labelFromState, labelToState}
	directionLabels := []string{labelPeerAddr, labelDirection}
	pathLabels := []string{labelPeerAddr, labelPath}

	return &Collector{
		SupervisorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "supervisor_state",
			Help:      "Current supervisor state (numeric).",
		}, peerLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total supervisor state transitions.",
		}, transitionLabels),

		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnect attempts after a connection failure.",
		}, peerLabels),

		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_total",
			Help:      "Total data frames moved, by direction.",
		}, directionLabels),

		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_total",
			Help:      "Total data bytes moved, by direction.",
		}, directionLabels),

		TxEncapsulations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tx_encapsulations_total",
			Help:      "Total outbound encapsulations, by fast/slow path.",
		}, pathLabels),

		TxDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tx_dropped_total",
			Help:      "Total outbound frames dropped by the data plane.",
		}, peerLabels),

		TxQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tx_queue_depth",
			Help:      "Frames currently waiting on the TX ring.",
		}, peerLabels),
	}
}

// -------------------------------------------------------------------------
// Recording helpers
// -------------------------------------------------------------------------

// SetSupervisorState records the current supervisor state for peer.
func (c *Collector) SetSupervisorState(peer string, state uint8) {
	c.SupervisorState.WithLabelValues(peer).Set(float64(state))
}

// RecordStateTransition increments the transition counter with old and
// new state labels.
func (c *Collector) RecordStateTransition(peer, from, to string) {
	c.StateTransitions.WithLabelValues(peer, from, to).Inc()
}

// IncReconnectAttempts increments the reconnect attempt counter.
func (c *Collector) IncReconnectAttempts(peer string) {
	c.ReconnectAttempts.WithLabelValues(peer).Inc()
}

// AddTraffic records frames and bytes moved in one direction.
func (c *Collector) AddTraffic(peer, direction string, frames, bytes uint64) {
	c.Frames.WithLabelValues(peer, direction).Add(float64(frames))
	c.Bytes.WithLabelValues(peer, direction).Add(float64(bytes))
}

// AddEncapsulations records outbound encapsulations for one path.
func (c *Collector) AddEncapsulations(peer, path string, n uint64) {
	c.TxEncapsulations.WithLabelValues(peer, path).Add(float64(n))
}

// AddTxDropped records dropped outbound frames.
func (c *Collector) AddTxDropped(peer string, n uint64) {
	c.TxDropped.WithLabelValues(peer).Add(float64(n))
}

// SetTxQueueDepth records the current TX ring depth.
func (c *Collector) SetTxQueueDepth(peer string, depth int) {
	c.TxQueueDepth.WithLabelValues(peer).Set(float64(depth))
}
