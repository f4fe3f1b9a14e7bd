// Package metrics exposes ranging service activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/srg/rasd/internal/ras"
)

const namespace = "rasd"

// Observer implements ras.Observer and the GATT server connection hooks on
// top of Prometheus collectors.
type Observer struct {
	segments   *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	commands   *prometheus.CounterVec
	transfers  *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	peers      prometheus.Gauge
	peerEvents *prometheus.CounterVec
}

// NewObserver creates the collectors and registers them with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	o := &Observer{
		segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_sent_total",
			Help:      "Ranging data segments handed to the transport.",
		}, []string{"characteristic", "retransmission"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_bytes_sent_total",
			Help:      "Ranging data body bytes carried by sent segments.",
		}, []string{"characteristic"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_point_commands_total",
			Help:      "Control-point commands handled, by opcode and response status.",
		}, []string{"opcode", "status"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_finished_total",
			Help:      "On-demand transfers that ended, by outcome.",
		}, []string{"outcome"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "procedures_dropped_total",
			Help:      "Controller subevents or procedures discarded, by reason.",
		}, []string{"reason"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Peers currently attached to the GATT server.",
		}),
		peerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_events_total",
			Help:      "Peer connections and disconnections.",
		}, []string{"event"}),
	}

	reg.MustRegister(o.segments, o.bytes, o.commands, o.transfers, o.dropped, o.peers, o.peerEvents)
	return o
}

// SegmentSent implements ras.Observer
func (o *Observer) SegmentSent(ch ras.Characteristic, size int, retransmission bool) {
	o.segments.WithLabelValues(ch.String(), strconv.FormatBool(retransmission)).Inc()
	o.bytes.WithLabelValues(ch.String()).Add(float64(size))
}

// CommandHandled implements ras.Observer
func (o *Observer) CommandHandled(op ras.Opcode, status ras.Status) {
	o.commands.WithLabelValues(op.String(), status.String()).Inc()
}

// TransferFinished implements ras.Observer
func (o *Observer) TransferFinished(outcome ras.Outcome) {
	o.transfers.WithLabelValues(string(outcome)).Inc()
}

// ProcedureDropped implements ras.Observer
func (o *Observer) ProcedureDropped(reason string) {
	o.dropped.WithLabelValues(reason).Inc()
}

// PeerConnected records a new GATT peer.
func (o *Observer) PeerConnected() {
	o.peers.Inc()
	o.peerEvents.WithLabelValues("connected").Inc()
}

// PeerDisconnected records a GATT peer going away.
func (o *Observer) PeerDisconnected() {
	o.peers.Dec()
	o.peerEvents.WithLabelValues("disconnected").Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SegmentsSent returns the segment counter for one label set.
func (o *Observer) SegmentsSent(ch ras.Characteristic, retransmission bool) prometheus.Counter {
	return o.segments.WithLabelValues(ch.String(), strconv.FormatBool(retransmission))
}

// BytesSent returns the byte counter of ch.
func (o *Observer) BytesSent(ch ras.Characteristic) prometheus.Counter {
	return o.bytes.WithLabelValues(ch.String())
}

// Commands returns the command counter for one opcode and status.
func (o *Observer) Commands(op ras.Opcode, status ras.Status) prometheus.Counter {
	return o.commands.WithLabelValues(op.String(), status.String())
}

// Transfers returns the finished-transfer counter of outcome.
func (o *Observer) Transfers(outcome ras.Outcome) prometheus.Counter {
	return o.transfers.WithLabelValues(string(outcome))
}

// Dropped returns the drop counter of reason.
func (o *Observer) Dropped(reason string) prometheus.Counter {
	return o.dropped.WithLabelValues(reason)
}

// Peers returns the connected-peer gauge.
func (o *Observer) Peers() prometheus.Gauge {
	return o.peers
}
