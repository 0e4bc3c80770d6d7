package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestTrackerMetricsRegistered(t *testing.T) {
	TrackerRequests.WithLabelValues("/submit-info", "200").Inc()
	RegisteredPeers.Set(2)
	Channels.Set(1)
	PeersExpired.Inc()

	assertGathered(t,
		"chatmesh_tracker_requests_total",
		"chatmesh_tracker_peers",
		"chatmesh_tracker_channels",
		"chatmesh_tracker_peers_expired_total",
	)
}

func TestEngineMetricsRegistered(t *testing.T) {
	EngineConnections.Inc()
	HandshakeFailures.WithLabelValues("inbound").Inc()
	MessagesSent.WithLabelValues("dm").Inc()
	MessagesReceived.WithLabelValues("public").Inc()
	SendFailures.Inc()

	assertGathered(t,
		"chatmesh_engine_connections",
		"chatmesh_engine_handshake_failures_total",
		"chatmesh_messages_sent_total",
		"chatmesh_messages_received_total",
		"chatmesh_messages_send_failures_total",
	)
}

func assertGathered(t *testing.T, expected ...string) {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}
