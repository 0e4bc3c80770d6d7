// Package metrics exposes Prometheus instruments for the tracker and the peer engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatmesh"

// Tracker

// TrackerRequests counts registry API requests by route and HTTP status.
var TrackerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tracker_requests_total",
	Help:      "Registry API requests by route and status code.",
}, []string{"route", "code"})

var RegisteredPeers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tracker_peers",
	Help:      "Peers currently present in the directory.",
})

var Channels = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tracker_channels",
	Help:      "Channels with at least one member.",
})

// PeersExpired counts records removed by the expiry sweep.
var PeersExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tracker_peers_expired_total",
	Help:      "Peer records removed by the expiry sweep.",
})

// Engine

var EngineConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "engine_connections",
	Help:      "Live peer connections held by this node.",
})

var HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "engine_handshake_failures_total",
	Help:      "Failed handshakes by direction.",
}, []string{"direction"})

var MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_sent_total",
	Help:      "Chat messages written to peer connections.",
}, []string{"command"})

var MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_received_total",
	Help:      "Chat messages read from peer connections.",
}, []string{"command"})

var SendFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_send_failures_total",
	Help:      "Sends that failed because the peer was gone or the write errored.",
})
