package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/busybox42/chatmesh/internal/directory"
	"github.com/busybox42/chatmesh/pkg/types"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	SessionCookie = "session"
)

var ErrValidation = errors.New("invalid request")

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	return nil
}

// Response is the envelope every endpoint returns.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func ok(msg string) Response {
	return Response{Status: StatusSuccess, Message: msg}
}

type LoginRequest struct {
	PeerID   string `json:"peer_id"`
	Password string `json:"password,omitempty"`
}

func (r *LoginRequest) Validate() error {
	return required("peer_id", r.PeerID)
}

type LoginResponse struct {
	Response
	PeerID  string `json:"peer_id"`
	Session string `json:"session"`
}

type RegisterRequest struct {
	PeerID   string            `json:"peer_id"`
	IP       string            `json:"ip"`
	Port     int               `json:"port"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r *RegisterRequest) Validate() error {
	if err := required("peer_id", r.PeerID); err != nil {
		return err
	}
	if err := required("ip", r.IP); err != nil {
		return err
	}
	if r.Port == 0 {
		return fmt.Errorf("%w: port is required", ErrValidation)
	}
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrValidation)
	}
	return nil
}

type RegisterResponse struct {
	Response
	PeerID string `json:"peer_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

// PresenceRequest is the /add-list body: a heartbeat, or a join when Channel
// is set.
type PresenceRequest struct {
	PeerID  string `json:"peer_id"`
	Channel string `json:"channel,omitempty"`
}

func (r *PresenceRequest) Validate() error {
	return required("peer_id", r.PeerID)
}

type ChannelRequest struct {
	PeerID  string `json:"peer_id"`
	Channel string `json:"channel"`
}

func (r *ChannelRequest) Validate() error {
	if err := required("peer_id", r.PeerID); err != nil {
		return err
	}
	return required("channel", r.Channel)
}

type ChannelResponse struct {
	Response
	PeerID  string `json:"peer_id"`
	Channel string `json:"channel,omitempty"`
}

// ListRequest asks for the peer list. PeerID, when set, is excluded from the
// result.
type ListRequest struct {
	PeerID  string `json:"peer_id,omitempty"`
	Channel string `json:"channel,omitempty"`
}

type ListResponse struct {
	Response
	Count int                `json:"count"`
	Peers []types.PeerRecord `json:"peers"`
}

type ChannelsResponse struct {
	Response
	Count    int                     `json:"count"`
	Channels []directory.ChannelInfo `json:"channels"`
}

type MembersResponse struct {
	Response
	Channel string   `json:"channel"`
	Count   int      `json:"count"`
	Members []string `json:"members"`
}

type TargetPeer struct {
	PeerID   string            `json:"peer_id"`
	IP       string            `json:"ip"`
	Port     int               `json:"port"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func targetOf(rec types.PeerRecord) TargetPeer {
	return TargetPeer{PeerID: rec.PeerID, IP: rec.IP, Port: rec.Port, Metadata: rec.Metadata}
}

func (t TargetPeer) Endpoint() types.PeerEndpoint {
	return types.PeerEndpoint{PeerID: t.PeerID, IP: t.IP, Port: t.Port}
}

type ConnectRequest struct {
	FromPeerID string `json:"from_peer_id"`
	ToPeerID   string `json:"to_peer_id"`
}

func (r *ConnectRequest) Validate() error {
	if err := required("from_peer_id", r.FromPeerID); err != nil {
		return err
	}
	return required("to_peer_id", r.ToPeerID)
}

type ConnectResponse struct {
	Response
	TargetPeer TargetPeer `json:"target_peer"`
}

// BroadcastRequest resolves broadcast targets. The tracker never relays
// Message; it is echoed back as message_data.
type BroadcastRequest struct {
	SenderPeerID string          `json:"sender_peer_id"`
	Channel      string          `json:"channel,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
}

func (r *BroadcastRequest) Validate() error {
	return required("sender_peer_id", r.SenderPeerID)
}

type BroadcastResponse struct {
	Response
	SenderPeerID string          `json:"sender_peer_id"`
	Channel      string          `json:"channel,omitempty"`
	Count        int             `json:"count"`
	TargetPeers  []TargetPeer    `json:"target_peers"`
	MessageData  json.RawMessage `json:"message_data,omitempty"`
}

type SendRequest struct {
	FromPeerID string          `json:"from_peer_id"`
	ToPeerID   string          `json:"to_peer_id"`
	Message    json.RawMessage `json:"message,omitempty"`
}

func (r *SendRequest) Validate() error {
	if err := required("from_peer_id", r.FromPeerID); err != nil {
		return err
	}
	return required("to_peer_id", r.ToPeerID)
}

type SendResponse struct {
	Response
	FromPeerID  string          `json:"from_peer_id"`
	TargetPeer  TargetPeer      `json:"target_peer"`
	MessageData json.RawMessage `json:"message_data,omitempty"`
}

type StatusRequest struct {
	PeerID string       `json:"peer_id"`
	Status types.Status `json:"status"`
}

func (r *StatusRequest) Validate() error {
	if err := required("peer_id", r.PeerID); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: status must be %q or %q", ErrValidation, types.StatusActive, types.StatusInactive)
	}
	return nil
}

type StatusResponse struct {
	Response
	PeerID string       `json:"peer_id"`
	Status types.Status `json:"status"`
}

type UnregisterRequest struct {
	PeerID string `json:"peer_id"`
}

func (r *UnregisterRequest) Validate() error {
	return required("peer_id", r.PeerID)
}

type HealthResponse struct {
	Response
	Peers int `json:"peers"`
}
