// pkg/network/network.go
package network

import (
	"context"
	"net"

	"github.com/busybox42/chatmesh/pkg/protocol"
)

// Network is the peer engine surface the chat layer depends on.
type Network interface {
	Self() string
	Listen(ip string, port int) error
	Addr() net.Addr
	Events() <-chan Event
	Connect(ctx context.Context, peerID, ip string, port int) error
	Disconnect(peerID string) error
	SendTo(peerID string, msg *protocol.ChatMessage) error
	Broadcast(msg *protocol.ChatMessage) int
	Peers() []string
	IsConnected(peerID string) bool
	Stop()
}

var _ Network = (*Engine)(nil)
