// Package chat turns engine events into chat lines and user input into
// peer messages, using the tracker for discovery.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/busybox42/chatmesh/pkg/types"
)

// ErrAlone is returned by SendChannel when the channel has no other members.
var ErrAlone = errors.New("no one else in channel")

const (
	defaultDialPacing  = 100 * time.Millisecond
	defaultMaxAutoDial = 32
	defaultHeartbeat   = 60 * time.Second
)

// Registry is the tracker surface the coordinator uses. *tracker.Client
// implements it.
type Registry interface {
	SetSession(cookie string)
	Register(ctx context.Context, ep types.PeerEndpoint, metadata map[string]string) error
	Heartbeat(ctx context.Context, peerID string) error
	JoinChannel(ctx context.Context, peerID, channel string) error
	LeaveChannel(ctx context.Context, peerID, channel string) error
	ListPeers(ctx context.Context, peerID, channel string) ([]types.PeerRecord, error)
	ConnectPeer(ctx context.Context, from, to string) (types.PeerEndpoint, error)
	Unregister(ctx context.Context, peerID string) error
}

type LineKind int

const (
	LineDirect LineKind = iota
	LinePublic
	LineChannel
	LineNotice
)

func (k LineKind) String() string {
	switch k {
	case LineDirect:
		return "dm"
	case LinePublic:
		return "public"
	case LineChannel:
		return "channel"
	}
	return "notice"
}

// Line is one thing to show the user. From is empty for notices.
type Line struct {
	Kind    LineKind
	Channel string
	From    string
	Text    string
	Time    time.Time
}

type Display interface {
	Show(Line)
}

// DisplayFunc adapts a function to Display.
type DisplayFunc func(Line)

func (f DisplayFunc) Show(l Line) { f(l) }

// Session is the client-side view of who we are and what we joined.
type Session struct {
	Username    string
	ListenAddr  string
	TrackerAddr string
	Channels    []string
	Cookie      string
}

func (s Session) clone() Session {
	s.Channels = append([]string(nil), s.Channels...)
	return s
}

type Config struct {
	TrackerAddr string
	ListenIP    string
	ListenPort  int
	// AdvertiseIP is the address registered with the tracker. It defaults
	// to ListenIP, or loopback when ListenIP is a wildcard.
	AdvertiseIP string
	DialPacing  time.Duration
	MaxAutoDial int
	// Heartbeat is the tracker refresh interval. Negative disables it.
	Heartbeat   time.Duration
	AutoConnect bool
	Metadata    map[string]string
}

func (c *Config) setDefaults() {
	if c.DialPacing <= 0 {
		c.DialPacing = defaultDialPacing
	}
	if c.MaxAutoDial <= 0 {
		c.MaxAutoDial = defaultMaxAutoDial
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = defaultHeartbeat
	}
}

func (c *Config) advertiseIP() string {
	if c.AdvertiseIP != "" {
		return c.AdvertiseIP
	}
	switch c.ListenIP {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return c.ListenIP
}
