// Package tcpmetrics exposes a Prometheus collector over an Engine's live
// socket table: for each socket, a constant-1 gauge carrying its state and
// gauges of its send window, receive window and retransmission-queue depth,
// labelled by the socket's short correlation id. It exports no byte or
// segment counters.
package tcpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/danlaine/rawtcp/pkg/tcp"
)

// Collector implements prometheus.Collector over a tcp.Engine. Unlike a
// push-based counter, every value is derived fresh from the engine's
// socket table each time Prometheus scrapes, so Collect never blocks the
// engine's own goroutines for longer than one table snapshot.
type Collector struct {
	engine *tcp.Engine

	stateDesc   *prometheus.Desc
	sendWinDesc *prometheus.Desc
	recvWinDesc *prometheus.Desc
	retxDesc    *prometheus.Desc
}

// New returns a Collector for engine. Callers register it with a
// prometheus.Registry the way any other collector is registered.
func New(engine *tcp.Engine) *Collector {
	return &Collector{
		engine: engine,
		stateDesc: prometheus.NewDesc(
			"rawtcp_socket_state",
			"Constant 1 for each socket in its current state, labelled by socket id.",
			[]string{"socket_id", "local", "remote", "state"}, nil,
		),
		sendWinDesc: prometheus.NewDesc(
			"rawtcp_socket_send_window_bytes",
			"Peer-advertised send window currently in effect for a socket.",
			[]string{"socket_id"}, nil,
		),
		recvWinDesc: prometheus.NewDesc(
			"rawtcp_socket_recv_window_bytes",
			"Locally-advertised receive window currently in effect for a socket.",
			[]string{"socket_id"}, nil,
		),
		retxDesc: prometheus.NewDesc(
			"rawtcp_socket_retransmit_queue_depth",
			"Number of segments awaiting acknowledgment or retransmission for a socket.",
			[]string{"socket_id"}, nil,
		),
	}
}

var _ prometheus.Collector = (*Collector)(nil)

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.stateDesc
	descs <- c.sendWinDesc
	descs <- c.recvWinDesc
	descs <- c.retxDesc
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for _, snap := range c.engine.Snapshot() {
		metrics <- prometheus.MustNewConstMetric(
			c.stateDesc, prometheus.GaugeValue, 1,
			snap.ID, snap.Local, snap.Remote, snap.State,
		)
		metrics <- prometheus.MustNewConstMetric(
			c.sendWinDesc, prometheus.GaugeValue, float64(snap.SendWindow), snap.ID,
		)
		metrics <- prometheus.MustNewConstMetric(
			c.recvWinDesc, prometheus.GaugeValue, float64(snap.RecvWindow), snap.ID,
		)
		metrics <- prometheus.MustNewConstMetric(
			c.retxDesc, prometheus.GaugeValue, float64(snap.RetransmitQueueDepth), snap.ID,
		)
	}
}
