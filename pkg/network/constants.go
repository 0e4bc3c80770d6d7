package network

import "time"

const (
	connTimeout       = 30 * time.Second
	handshakeTimeout  = 10 * time.Second
	writeTimeout      = 30 * time.Second
	keepAliveInterval = 15 * time.Second
	// A connection that has produced no bytes for this many keep-alive
	// intervals is considered dead.
	idleIntervals = 3

	mailboxInput = 64
	drainTimeout = time.Second
)
