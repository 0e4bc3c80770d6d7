// pkg/types/peer.go
package types

import (
	"net"
	"strconv"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// PeerEndpoint is everything needed to dial a peer.
type PeerEndpoint struct {
	PeerID string `json:"peer_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

func (e PeerEndpoint) Addr() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// PeerRecord is the registry's view of a peer.
type PeerRecord struct {
	PeerID   string            `json:"peer_id"`
	IP       string            `json:"ip"`
	Port     int               `json:"port"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Status   Status            `json:"status"`
	LastSeen time.Time         `json:"last_seen"`
}

func NewPeerRecord(peerID, ip string, port int, metadata map[string]string) *PeerRecord {
	rec := &PeerRecord{
		PeerID:   peerID,
		IP:       ip,
		Port:     port,
		Status:   StatusActive,
		LastSeen: time.Now(),
	}
	if len(metadata) > 0 {
		rec.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			rec.Metadata[k] = v
		}
	}
	return rec
}

func (r *PeerRecord) Endpoint() PeerEndpoint {
	return PeerEndpoint{PeerID: r.PeerID, IP: r.IP, Port: r.Port}
}

// Clone returns a copy that shares no mutable state with r.
func (r *PeerRecord) Clone() PeerRecord {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Expired reports whether the record has gone unseen for longer than timeout.
func (r *PeerRecord) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastSeen) > timeout
}
