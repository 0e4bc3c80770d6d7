// pkg/network/engine.go
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/busybox42/chatmesh/internal/metrics"
	"github.com/busybox42/chatmesh/pkg/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

var (
	ErrNotConnected = errors.New("peer not connected")
	ErrStopped      = errors.New("engine stopped")

	errDuplicate = errors.New("duplicate connection")
)

// Engine owns every peer socket of one node. It accepts and dials peers,
// runs the identify handshake, keeps one connection per peer id and reports
// what happens through Events.
type Engine struct {
	cfg    Config
	log    *logrus.Entry
	dialer proxy.ContextDialer
	box    *mailbox

	mu          sync.Mutex
	conns       map[string]*conn
	pending     map[string]struct{}
	handshaking map[net.Conn]struct{}
	listener    net.Listener
	running     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(cfg Config, log logrus.FieldLogger) (*Engine, error) {
	if cfg.PeerID == "" {
		return nil, errors.New("peer id is required")
	}
	cfg.setDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}

	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:         cfg,
		log:         log.WithFields(logrus.Fields{"component": "engine", "self": cfg.PeerID}),
		dialer:      dialer,
		box:         newMailbox(),
		conns:       make(map[string]*conn),
		pending:     make(map[string]struct{}),
		handshaking: make(map[net.Conn]struct{}),
		running:     true,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (e *Engine) Self() string {
	return e.cfg.PeerID
}

// Events is the single ordered stream of engine events. It is closed once
// the engine has stopped and every connection goroutine has exited.
func (e *Engine) Events() <-chan Event {
	return e.box.events()
}

// Listen binds the inbound listener. On failure the engine keeps working for
// outbound connections and reports the failure as an error-level log event.
func (e *Engine) Listen(ip string, port int) error {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.listener != nil {
		e.mu.Unlock()
		return fmt.Errorf("already listening on %s", e.listener.Addr())
	}
	e.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		// FatalLevel tells consumers the listener is gone; Log does not exit.
		e.emitLog(logrus.FatalLevel, "", fmt.Sprintf("listening disabled, bind %s failed: %v", addr, err))
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	e.mu.Lock()
	if !e.running || e.listener != nil {
		running := e.running
		e.mu.Unlock()
		ln.Close()
		if !running {
			return ErrStopped
		}
		return fmt.Errorf("already listening")
	}
	e.listener = ln
	e.wg.Add(1)
	e.mu.Unlock()

	e.log.WithField("addr", ln.Addr().String()).Info("Listening for peers")
	go e.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, or nil when not listening.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Engine) acceptLoop(ln net.Listener) {
	defer e.wg.Done()

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !e.isRunning() {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			e.log.WithError(err).Warnf("Accept failed; retrying in %v", delay)
			select {
			case <-time.After(delay):
			case <-e.ctx.Done():
				return
			}
			continue
		}
		delay = 0

		e.mu.Lock()
		if !e.running {
			e.mu.Unlock()
			nc.Close()
			return
		}
		e.handshaking[nc] = struct{}{}
		e.wg.Add(1)
		e.mu.Unlock()

		go e.handleInbound(nc)
	}
}

func (e *Engine) handleInbound(nc net.Conn) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("addr", nc.RemoteAddr().String()).Errorf("Recovered from panic in connection handler: %v", r)
			nc.Close()
		}
	}()

	c, err := e.acceptHandshake(nc)
	e.mu.Lock()
	delete(e.handshaking, nc)
	e.mu.Unlock()
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("inbound").Inc()
		e.emitLog(logrus.WarnLevel, "", fmt.Sprintf("inbound handshake from %s rejected: %v", nc.RemoteAddr(), err))
		nc.Close()
		return
	}

	e.serve(c)
}

// acceptHandshake reads the remote identify, installs the connection, then
// replies. Installing first means a racing outbound dial to the same peer
// already sees the entry.
func (e *Engine) acceptHandshake(nc net.Conn) (*conn, error) {
	if err := nc.SetDeadline(time.Now().Add(e.cfg.HandshakeTimeout)); err != nil {
		return nil, err
	}

	hello, err := protocol.ReadMessage(nc)
	if err != nil {
		return nil, fmt.Errorf("read identify: %w", err)
	}
	if hello.Command != protocol.Identify {
		return nil, fmt.Errorf("expected identify, got %q", hello.Command)
	}
	if hello.Sender == e.cfg.PeerID {
		return nil, errors.New("remote claims our own peer id")
	}

	c := newConn(hello.Sender, nc, false, e.idle())
	if err := e.install(c); err != nil {
		return nil, err
	}

	data, err := protocol.NewIdentify(e.cfg.PeerID).Marshal()
	if err == nil {
		err = c.write(data)
	}
	if err == nil {
		err = nc.SetDeadline(time.Time{})
	}
	if err != nil {
		e.retire(c, fmt.Errorf("identify reply: %w", err))
		return nil, err
	}
	c.markReady()
	return c, nil
}

// Connect dials peerID and performs the handshake. It returns nil without
// dialing when peerID is this node or is already connected or being dialed.
func (e *Engine) Connect(ctx context.Context, peerID, ip string, port int) error {
	if peerID == e.cfg.PeerID {
		return nil
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrStopped
	}
	if _, ok := e.conns[peerID]; ok {
		e.mu.Unlock()
		return nil
	}
	if _, ok := e.pending[peerID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.pending[peerID] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.pending, peerID)
		e.mu.Unlock()
	}()

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	c, err := e.dialHandshake(ctx, peerID, addr)
	if err != nil {
		if e.IsConnected(peerID) {
			// The peer's own dial to us won the race.
			return nil
		}
		metrics.HandshakeFailures.WithLabelValues("outbound").Inc()
		err = fmt.Errorf("connection to %s at %s failed: %w", peerID, addr, err)
		e.emitLog(logrus.WarnLevel, peerID, err.Error())
		return err
	}

	if err := e.install(c); err != nil {
		c.close()
		if errors.Is(err, errDuplicate) {
			return nil
		}
		return err
	}
	c.markReady()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.serve(c)
	}()
	return nil
}

func (e *Engine) dialHandshake(ctx context.Context, peerID, addr string) (*conn, error) {
	dctx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	nc, err := e.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			nc.Close()
		}
	}()

	if err := nc.SetDeadline(time.Now().Add(e.cfg.HandshakeTimeout)); err != nil {
		return nil, err
	}
	if err := protocol.WriteMessage(nc, protocol.NewIdentify(e.cfg.PeerID)); err != nil {
		return nil, fmt.Errorf("send identify: %w", err)
	}
	reply, err := protocol.ReadMessage(nc)
	if err != nil {
		return nil, fmt.Errorf("read identify: %w", err)
	}
	if reply.Command != protocol.Identify {
		return nil, fmt.Errorf("expected identify, got %q", reply.Command)
	}
	if reply.Sender != peerID {
		return nil, fmt.Errorf("expected identify from %q, got %q", peerID, reply.Sender)
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	ok = true
	return newConn(peerID, nc, true, e.idle()), nil
}

// install adds c to the table and queues its connected event under the same
// lock, so events for one peer id are ordered with table changes.
//
// When both sides dial each other at once, the connection initiated by the
// lower peer id is kept on both ends.
func (e *Engine) install(c *conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return ErrStopped
	}
	if _, ok := e.conns[c.peerID]; ok {
		return fmt.Errorf("%w: already connected to %s", errDuplicate, c.peerID)
	}
	if !c.outbound {
		if _, dialing := e.pending[c.peerID]; dialing && e.cfg.PeerID < c.peerID {
			return fmt.Errorf("%w: outbound dial to %s takes precedence", errDuplicate, c.peerID)
		}
	}

	e.conns[c.peerID] = c
	metrics.EngineConnections.Inc()
	e.box.push(Event{Kind: EventConnected, PeerID: c.peerID, Addr: c.addr})
	e.log.WithFields(logrus.Fields{"peer": c.peerID, "addr": c.addr, "outbound": c.outbound}).Info("Peer connected")
	return nil
}

// retire closes c and, if it is still the table entry for its peer, removes
// it and queues the disconnected event. Only the first call for a given
// conn has any effect on the table.
func (e *Engine) retire(c *conn, cause error) {
	c.close()

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.conns[c.peerID]
	if !ok || cur != c {
		return
	}
	delete(e.conns, c.peerID)
	metrics.EngineConnections.Dec()

	ev := Event{Kind: EventDisconnected, PeerID: c.peerID, Addr: c.addr}
	if cause != nil {
		ev.Text = cause.Error()
	}
	e.box.push(ev)
	e.log.WithFields(logrus.Fields{"peer": c.peerID, "reason": ev.Text}).Info("Peer disconnected")
}

func (e *Engine) serve(c *conn) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		c.keepAlive(e.cfg.KeepAlive)
	}()

	err := c.readLoop(func(msg *protocol.ChatMessage) {
		metrics.MessagesReceived.WithLabelValues(string(msg.Command)).Inc()
		e.box.push(Event{Kind: EventMessage, PeerID: c.peerID, Addr: c.addr, Message: msg})
	})
	e.retire(c, err)
}

// SendTo writes msg to a connected peer. A missing peer or failed write is
// returned to the caller; a failed write also drops the connection.
func (e *Engine) SendTo(peerID string, msg *protocol.ChatMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	e.mu.Lock()
	c := e.conns[peerID]
	e.mu.Unlock()

	return e.sendData(c, peerID, msg.Command, data)
}

// Broadcast sends msg to every connected peer and returns how many writes
// succeeded. A failure on one peer does not affect the others.
func (e *Engine) Broadcast(msg *protocol.ChatMessage) int {
	data, err := msg.Marshal()
	if err != nil {
		e.log.WithError(err).Error("Broadcast encode failed")
		return 0
	}

	e.mu.Lock()
	targets := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		targets = append(targets, c)
	}
	e.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if err := e.sendData(c, c.peerID, msg.Command, data); err != nil {
			e.emitLog(logrus.WarnLevel, c.peerID, err.Error())
			continue
		}
		sent++
	}
	return sent
}

func (e *Engine) sendData(c *conn, peerID string, cmd protocol.Command, data []byte) error {
	if c == nil {
		metrics.SendFailures.Inc()
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	if err := c.send(data); err != nil {
		metrics.SendFailures.Inc()
		c.close()
		return fmt.Errorf("send to %s failed: %w", peerID, err)
	}
	metrics.MessagesSent.WithLabelValues(string(cmd)).Inc()
	return nil
}

// Disconnect closes the connection to peerID. The disconnected event follows
// from the read loop.
func (e *Engine) Disconnect(peerID string) error {
	e.mu.Lock()
	c := e.conns[peerID]
	e.mu.Unlock()

	if c == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	e.log.WithField("peer", peerID).Debug("Disconnecting from peer")
	return c.close()
}

func (e *Engine) Peers() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (e *Engine) IsConnected(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conns[peerID]
	return ok
}

// Stop closes the listener and every connection. Goroutines exit on their
// own shortly after; Events is closed once they have.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	ln := e.listener
	e.listener = nil
	conns := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	raw := make([]net.Conn, 0, len(e.handshaking))
	for nc := range e.handshaking {
		raw = append(raw, nc)
	}
	e.mu.Unlock()

	e.cancel()
	if ln != nil {
		ln.Close()
	}
	for _, nc := range raw {
		nc.Close()
	}
	for _, c := range conns {
		c.close()
	}

	go func() {
		e.wg.Wait()
		e.box.close()
	}()
	e.log.Info("Engine stopped")
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) idle() time.Duration {
	return idleIntervals * e.cfg.KeepAlive
}

func (e *Engine) emitLog(level logrus.Level, peerID, text string) {
	entry := e.log
	if peerID != "" {
		entry = entry.WithField("peer", peerID)
	}
	entry.Log(level, text)
	e.box.push(Event{Kind: EventLog, PeerID: peerID, Level: level, Text: text})
}
