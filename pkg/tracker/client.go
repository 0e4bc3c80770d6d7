package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/busybox42/chatmesh/internal/directory"
	"github.com/busybox42/chatmesh/pkg/types"
)

// APIError is a non-2xx answer from the tracker. A 404 unwraps to
// directory.ErrPeerNotFound.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker: %d %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return directory.ErrPeerNotFound
	}
	return nil
}

func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// Client talks to a tracker over HTTP. The session cookie, once set, is sent
// with every request.
type Client struct {
	base string
	http *http.Client

	mu      sync.RWMutex
	session string
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) BaseURL() string {
	return c.base
}

func (c *Client) SetSession(session string) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

func (c *Client) Session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Login obtains a session cookie and keeps it for later calls.
func (c *Client) Login(ctx context.Context, peerID, password string) (string, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/login", LoginRequest{PeerID: peerID, Password: password}, &resp); err != nil {
		return "", err
	}
	c.SetSession(resp.Session)
	return resp.Session, nil
}

func (c *Client) Register(ctx context.Context, ep types.PeerEndpoint, metadata map[string]string) error {
	req := RegisterRequest{PeerID: ep.PeerID, IP: ep.IP, Port: ep.Port, Metadata: metadata}
	return c.do(ctx, http.MethodPost, "/submit-info", req, nil)
}

// Heartbeat refreshes the peer's liveness without re-registering.
func (c *Client) Heartbeat(ctx context.Context, peerID string) error {
	return c.do(ctx, http.MethodPost, "/add-list", PresenceRequest{PeerID: peerID}, nil)
}

func (c *Client) JoinChannel(ctx context.Context, peerID, channel string) error {
	return c.do(ctx, http.MethodPost, "/join-channel", ChannelRequest{PeerID: peerID, Channel: channel}, nil)
}

func (c *Client) LeaveChannel(ctx context.Context, peerID, channel string) error {
	return c.do(ctx, http.MethodPost, "/leave-channel", ChannelRequest{PeerID: peerID, Channel: channel}, nil)
}

// ListPeers returns registered peers, or channel members when channel is
// set, excluding peerID.
func (c *Client) ListPeers(ctx context.Context, peerID, channel string) ([]types.PeerRecord, error) {
	var resp ListResponse
	if err := c.do(ctx, http.MethodPost, "/get-list", ListRequest{PeerID: peerID, Channel: channel}, &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

func (c *Client) Channels(ctx context.Context) ([]directory.ChannelInfo, error) {
	var resp ChannelsResponse
	if err := c.do(ctx, http.MethodGet, "/get-channels", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func (c *Client) Members(ctx context.Context, channel string) ([]string, error) {
	var resp MembersResponse
	path := "/get-channel-members?channel=" + url.QueryEscape(channel)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

func (c *Client) ConnectPeer(ctx context.Context, from, to string) (types.PeerEndpoint, error) {
	var resp ConnectResponse
	if err := c.do(ctx, http.MethodPost, "/connect-peer", ConnectRequest{FromPeerID: from, ToPeerID: to}, &resp); err != nil {
		return types.PeerEndpoint{}, err
	}
	return resp.TargetPeer.Endpoint(), nil
}

func (c *Client) SendPeer(ctx context.Context, from, to string, message any) (types.PeerEndpoint, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return types.PeerEndpoint{}, err
	}
	var resp SendResponse
	if err := c.do(ctx, http.MethodPost, "/send-peer", SendRequest{FromPeerID: from, ToPeerID: to, Message: raw}, &resp); err != nil {
		return types.PeerEndpoint{}, err
	}
	return resp.TargetPeer.Endpoint(), nil
}

func (c *Client) BroadcastPeer(ctx context.Context, sender, channel string, message any) ([]types.PeerEndpoint, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	var resp BroadcastResponse
	req := BroadcastRequest{SenderPeerID: sender, Channel: channel, Message: raw}
	if err := c.do(ctx, http.MethodPost, "/broadcast-peer", req, &resp); err != nil {
		return nil, err
	}
	out := make([]types.PeerEndpoint, 0, len(resp.TargetPeers))
	for _, t := range resp.TargetPeers {
		out = append(out, t.Endpoint())
	}
	return out, nil
}

func (c *Client) UpdateStatus(ctx context.Context, peerID string, status types.Status) error {
	return c.do(ctx, http.MethodPost, "/update-status", StatusRequest{PeerID: peerID, Status: status}, nil)
}

func (c *Client) Unregister(ctx context.Context, peerID string) error {
	return c.do(ctx, http.MethodPost, "/unregister", UnregisterRequest{PeerID: peerID}, nil)
}

func (c *Client) Health(ctx context.Context) (int, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Peers, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s := c.Session(); s != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: s})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read tracker response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var env Response
		_ = json.Unmarshal(data, &env)
		if env.Message == "" {
			env.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode tracker response: %w", err)
		}
	}
	return nil
}
