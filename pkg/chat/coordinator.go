package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/busybox42/chatmesh/internal/directory"
	"github.com/busybox42/chatmesh/internal/store"
	"github.com/busybox42/chatmesh/pkg/network"
	"github.com/busybox42/chatmesh/pkg/protocol"
	"github.com/busybox42/chatmesh/pkg/types"
	"github.com/sirupsen/logrus"
)

const historyTimeout = 5 * time.Second

// Coordinator owns a chat session: it registers with the tracker, consumes
// engine events and sends user messages over the engine.
type Coordinator struct {
	net     network.Network
	reg     Registry
	hist    store.Store
	display Display
	cfg     Config
	log     *logrus.Entry

	mu      sync.Mutex
	session Session
	self    types.PeerEndpoint
	started bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a coordinator. hist may be nil to disable history.
func New(n network.Network, reg Registry, hist store.Store, display Display, cfg Config, log logrus.FieldLogger) *Coordinator {
	cfg.setDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	if display == nil {
		display = DisplayFunc(func(Line) {})
	}
	return &Coordinator{
		net:     n,
		reg:     reg,
		hist:    hist,
		display: display,
		cfg:     cfg,
		log:     log.WithField("peer", n.Self()),
		session: Session{Username: n.Self(), TrackerAddr: cfg.TrackerAddr},
	}
}

// Start listens for peers, registers with the tracker and starts the event
// and heartbeat loops. Neither a bind failure nor a registration failure
// stops the session: outbound dials still work and the heartbeat registers
// again once the tracker answers. Only a second Start returns an error.
func (c *Coordinator) Start(ctx context.Context, cookie string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	if cookie != "" {
		c.reg.SetSession(cookie)
	}

	port := c.cfg.ListenPort
	if err := c.net.Listen(c.cfg.ListenIP, c.cfg.ListenPort); err != nil {
		c.log.WithError(err).Warn("Accepting no inbound peers")
	} else if tcp, ok := c.net.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}

	self := types.PeerEndpoint{PeerID: c.net.Self(), IP: c.cfg.advertiseIP(), Port: port}
	c.mu.Lock()
	c.self = self
	c.session.Cookie = cookie
	c.session.ListenAddr = self.Addr()
	c.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.eventLoop(loopCtx)
	}()

	if err := c.reg.Register(ctx, self, c.cfg.Metadata); err != nil {
		c.log.WithError(err).Warn("Failed to register with tracker")
		c.notice("Tracker registration failed: %v", err)
	} else {
		c.log.WithField("addr", self.Addr()).Info("Registered with tracker")
	}

	if c.cfg.Heartbeat > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.heartbeatLoop(loopCtx)
		}()
	}

	if c.cfg.AutoConnect {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if n := c.ConnectAll(loopCtx); n > 0 {
				c.notice("Connected to %d peer(s)", n)
			}
		}()
	}
	return nil
}

func (c *Coordinator) eventLoop(ctx context.Context) {
	events := c.net.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Coordinator) handleEvent(ev network.Event) {
	switch ev.Kind {
	case network.EventConnected:
		c.notice("Connected to %s (%s)", ev.PeerID, ev.Addr)
	case network.EventDisconnected:
		c.notice("Disconnected from %s", ev.PeerID)
	case network.EventLog:
		entry := c.log
		if ev.PeerID != "" {
			entry = entry.WithField("remote", ev.PeerID)
		}
		entry.Log(ev.Level, ev.Text)
		if ev.Level <= logrus.WarnLevel {
			c.notice("%s", ev.Text)
		}
	case network.EventMessage:
		c.dispatch(ev.PeerID, ev.Message)
	}
}

// dispatch renders an inbound message. Unknown commands are dropped.
func (c *Coordinator) dispatch(from string, msg *protocol.ChatMessage) {
	if msg == nil {
		return
	}
	if msg.Sender != from {
		c.log.WithFields(logrus.Fields{"remote": from, "sender": msg.Sender}).Debug("Sender field does not match connection")
	}

	line := Line{From: from, Text: msg.Payload, Channel: msg.Channel, Time: msg.Time}
	switch msg.Command {
	case protocol.Direct:
		line.Kind = LineDirect
	case protocol.Public:
		line.Kind = LinePublic
	case protocol.Channel:
		if msg.Channel == "" {
			c.log.WithField("remote", from).Debug("Dropping channel message without channel")
			return
		}
		line.Kind = LineChannel
	default:
		c.log.WithFields(logrus.Fields{"remote": from, "command": msg.Command}).Debug("Ignoring message")
		return
	}
	if line.Time.IsZero() {
		line.Time = time.Now()
	}

	c.display.Show(line)
	c.record(store.Record{
		Timestamp: line.Time,
		Kind:      string(msg.Command),
		Channel:   msg.Channel,
		Sender:    from,
		Recipient: c.net.Self(),
		Content:   msg.Payload,
		Status:    store.StatusReceived,
	})
}

// SendDirect sends text to one connected peer.
func (c *Coordinator) SendDirect(peerID, text string) error {
	msg := protocol.NewMessage(protocol.Direct, c.net.Self(), text)
	err := c.net.SendTo(peerID, msg)
	c.recordSent(msg, peerID, err == nil)
	return err
}

// SendPublic sends text to every connected peer and returns the number of
// successful sends.
func (c *Coordinator) SendPublic(text string) int {
	msg := protocol.NewMessage(protocol.Public, c.net.Self(), text)
	n := c.net.Broadcast(msg)
	c.recordSent(msg, "*", n > 0)
	return n
}

// SendChannel asks the tracker for the channel's members and sends text to
// each of them individually. It returns the number of successful sends, or
// ErrAlone when nobody else is in the channel.
func (c *Coordinator) SendChannel(ctx context.Context, channel, text string) (int, error) {
	if channel == "" {
		return 0, errors.New("channel name is required")
	}
	self := c.net.Self()
	members, err := c.reg.ListPeers(ctx, self, channel)
	if err != nil {
		return 0, fmt.Errorf("failed to list channel %s: %w", channel, err)
	}
	members = slices.DeleteFunc(members, func(p types.PeerRecord) bool { return p.PeerID == self })
	if len(members) == 0 {
		return 0, ErrAlone
	}

	msg := protocol.NewChannelMessage(self, channel, text)
	sent := 0
	for _, p := range members {
		if err := c.net.SendTo(p.PeerID, msg); err != nil {
			c.log.WithError(err).WithField("channel", channel).Debug("Channel send skipped member")
			continue
		}
		sent++
	}
	c.recordSent(msg, "#"+channel, sent > 0)
	return sent, nil
}

// JoinChannel joins channel at the tracker, adds it to the session and
// connects to its current members. It returns the number of members we are
// connected to afterwards.
func (c *Coordinator) JoinChannel(ctx context.Context, channel string) (int, error) {
	if channel == "" {
		return 0, errors.New("channel name is required")
	}
	self := c.net.Self()
	if err := c.reg.JoinChannel(ctx, self, channel); err != nil {
		return 0, fmt.Errorf("failed to join %s: %w", channel, err)
	}

	c.mu.Lock()
	if !slices.Contains(c.session.Channels, channel) {
		c.session.Channels = append(c.session.Channels, channel)
	}
	c.mu.Unlock()

	members, err := c.reg.ListPeers(ctx, self, channel)
	if err != nil {
		return 0, fmt.Errorf("joined %s but failed to list members: %w", channel, err)
	}
	return c.dialAll(ctx, members), nil
}

func (c *Coordinator) LeaveChannel(ctx context.Context, channel string) error {
	if err := c.reg.LeaveChannel(ctx, c.net.Self(), channel); err != nil {
		return fmt.Errorf("failed to leave %s: %w", channel, err)
	}
	c.mu.Lock()
	c.session.Channels = slices.DeleteFunc(c.session.Channels, func(ch string) bool { return ch == channel })
	c.mu.Unlock()
	return nil
}

// ConnectAll dials every peer the tracker knows about.
func (c *Coordinator) ConnectAll(ctx context.Context) int {
	peers, err := c.reg.ListPeers(ctx, c.net.Self(), "")
	if err != nil {
		c.log.WithError(err).Warn("Failed to fetch peer list")
		return 0
	}
	return c.dialAll(ctx, peers)
}

// Connect resolves peerID through the tracker and dials it.
func (c *Coordinator) Connect(ctx context.Context, peerID string) error {
	ep, err := c.reg.ConnectPeer(ctx, c.net.Self(), peerID)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", peerID, err)
	}
	return c.net.Connect(ctx, ep.PeerID, ep.IP, ep.Port)
}

// dialAll connects to peers, pacing the dials and capping how many are
// attempted. It returns how many of peers are connected when it finishes.
func (c *Coordinator) dialAll(ctx context.Context, peers []types.PeerRecord) int {
	self := c.net.Self()
	connected, attempts := 0, 0
	for _, p := range peers {
		if p.PeerID == self {
			continue
		}
		if c.net.IsConnected(p.PeerID) {
			connected++
			continue
		}
		if attempts >= c.cfg.MaxAutoDial {
			c.log.WithField("limit", c.cfg.MaxAutoDial).Debug("Auto-dial limit reached")
			break
		}
		if attempts > 0 {
			select {
			case <-ctx.Done():
				return connected
			case <-time.After(c.cfg.DialPacing):
			}
		}
		attempts++
		if err := c.net.Connect(ctx, p.PeerID, p.IP, p.Port); err != nil {
			c.log.WithError(err).WithField("remote", p.PeerID).Debug("Auto-connect failed")
			continue
		}
		connected++
	}
	return connected
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.heartbeat(ctx)
		}
	}
}

// heartbeat refreshes our tracker record, registering again and rejoining
// channels if the tracker has expired us.
func (c *Coordinator) heartbeat(ctx context.Context) {
	self := c.net.Self()
	err := c.reg.Heartbeat(ctx, self)
	if err == nil {
		return
	}
	if !errors.Is(err, directory.ErrPeerNotFound) {
		c.log.WithError(err).Warn("Tracker heartbeat failed")
		return
	}

	c.mu.Lock()
	ep := c.self
	channels := append([]string(nil), c.session.Channels...)
	c.mu.Unlock()

	if err := c.reg.Register(ctx, ep, c.cfg.Metadata); err != nil {
		c.log.WithError(err).Warn("Failed to re-register with tracker")
		return
	}
	for _, ch := range channels {
		if err := c.reg.JoinChannel(ctx, self, ch); err != nil {
			c.log.WithError(err).WithField("channel", ch).Warn("Failed to rejoin channel")
		}
	}
	c.notice("Re-registered with tracker")
}

func (c *Coordinator) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.session.Channels...)
}

// Peers returns the peers we hold a live connection to.
func (c *Coordinator) Peers() []string {
	return c.net.Peers()
}

// Directory lists the tracker's peers, or channel members when channel is set.
func (c *Coordinator) Directory(ctx context.Context, channel string) ([]types.PeerRecord, error) {
	return c.reg.ListPeers(ctx, c.net.Self(), channel)
}

func (c *Coordinator) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.clone()
}

// History returns up to limit recorded lines, oldest first.
func (c *Coordinator) History(ctx context.Context, limit int) ([]store.Record, error) {
	if c.hist == nil {
		return nil, nil
	}
	return c.hist.Recent(ctx, limit)
}

// Stop ends the session: loops and engine first, then a best-effort
// unregister, then the history store.
func (c *Coordinator) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.net.Stop()
		c.wg.Wait()

		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			if uerr := c.reg.Unregister(ctx, c.net.Self()); uerr != nil {
				c.log.WithError(uerr).Debug("Unregister failed")
			}
		}
		if c.hist != nil {
			err = c.hist.Close()
		}
	})
	return err
}

func (c *Coordinator) notice(format string, args ...any) {
	c.display.Show(Line{Kind: LineNotice, Text: fmt.Sprintf(format, args...), Time: time.Now()})
}

func (c *Coordinator) recordSent(msg *protocol.ChatMessage, recipient string, ok bool) {
	status := store.StatusSent
	if !ok {
		status = store.StatusFailed
	}
	c.record(store.Record{
		Timestamp: msg.Time,
		Kind:      string(msg.Command),
		Channel:   msg.Channel,
		Sender:    msg.Sender,
		Recipient: recipient,
		Content:   msg.Payload,
		Status:    status,
	})
}

func (c *Coordinator) record(rec store.Record) {
	if c.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := c.hist.Add(ctx, rec); err != nil {
		c.log.WithError(err).Warn("Failed to record history")
	}
}
