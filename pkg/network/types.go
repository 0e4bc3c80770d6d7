package network

import (
	"fmt"
	"time"

	"github.com/busybox42/chatmesh/pkg/protocol"
	"github.com/sirupsen/logrus"
)

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventLog
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventLog:
		return "log"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is what the engine reports to its consumer. Message is set for
// EventMessage; Level and Text for EventLog. An EventLog at FatalLevel means
// the engine will accept no inbound connections.
type Event struct {
	Kind    EventKind
	PeerID  string
	Addr    string
	Message *protocol.ChatMessage
	Level   logrus.Level
	Text    string
}

type Config struct {
	// PeerID is this node's identity in every handshake.
	PeerID string
	// Proxy is an optional socks5:// URL used for outbound dials.
	Proxy            string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = connTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = handshakeTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = keepAliveInterval
	}
}
