package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/busybox42/chatmesh/internal/directory"
	"github.com/busybox42/chatmesh/internal/store"
	"github.com/busybox42/chatmesh/pkg/network"
	"github.com/busybox42/chatmesh/pkg/protocol"
	"github.com/busybox42/chatmesh/pkg/tracker"
	"github.com/busybox42/chatmesh/pkg/types"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// dirRegistry serves Registry straight from an in-process directory.
type dirRegistry struct {
	dir *directory.Directory

	mu         sync.Mutex
	heartbeats int
}

func newDirRegistry() *dirRegistry {
	return &dirRegistry{dir: directory.New(directory.DefaultPeerTimeout, quietLogger())}
}

func (r *dirRegistry) SetSession(string) {}

func (r *dirRegistry) Register(_ context.Context, ep types.PeerEndpoint, md map[string]string) error {
	r.dir.Register(ep.PeerID, ep.IP, ep.Port, md)
	return nil
}

func (r *dirRegistry) Heartbeat(_ context.Context, peerID string) error {
	r.mu.Lock()
	r.heartbeats++
	r.mu.Unlock()
	return r.dir.Touch(peerID)
}

func (r *dirRegistry) JoinChannel(_ context.Context, peerID, channel string) error {
	return r.dir.JoinChannel(peerID, channel)
}

func (r *dirRegistry) LeaveChannel(_ context.Context, peerID, channel string) error {
	return r.dir.LeaveChannel(peerID, channel)
}

func (r *dirRegistry) ListPeers(_ context.Context, peerID, channel string) ([]types.PeerRecord, error) {
	if channel != "" {
		return r.dir.ListChannel(channel, peerID), nil
	}
	return r.dir.ListAll(peerID), nil
}

func (r *dirRegistry) ConnectPeer(_ context.Context, _, to string) (types.PeerEndpoint, error) {
	rec, err := r.dir.Lookup(to)
	if err != nil {
		return types.PeerEndpoint{}, err
	}
	return rec.Endpoint(), nil
}

func (r *dirRegistry) Unregister(_ context.Context, peerID string) error {
	if !r.dir.Remove(peerID) {
		return directory.ErrPeerNotFound
	}
	return nil
}

type recorder struct {
	mu    sync.Mutex
	lines []Line
}

func (r *recorder) Show(l Line) {
	r.mu.Lock()
	r.lines = append(r.lines, l)
	r.mu.Unlock()
}

func (r *recorder) find(kind LineKind, text string) (Line, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if l.Kind == kind && l.Text == text {
			return l, true
		}
	}
	return Line{}, false
}

func (r *recorder) count(kind LineKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.lines {
		if l.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, kind LineKind, text string) Line {
	t.Helper()
	var line Line
	require.Eventually(t, func() bool {
		var ok bool
		line, ok = r.find(kind, text)
		return ok
	}, 5*time.Second, 10*time.Millisecond, "no %s line %q", kind, text)
	return line
}

func startPeer(t *testing.T, id string, reg Registry) (*Coordinator, *recorder) {
	t.Helper()
	eng, err := network.NewEngine(network.Config{PeerID: id}, quietLogger())
	require.NoError(t, err)

	rec := &recorder{}
	c := New(eng, reg, store.NewLocal(0), rec, Config{ListenIP: "127.0.0.1", Heartbeat: -1}, quietLogger())
	require.NoError(t, c.Start(context.Background(), ""))
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c, rec
}

func TestChannelScenario(t *testing.T) {
	reg := newDirRegistry()
	ctx := context.Background()
	alice, _ := startPeer(t, "alice", reg)
	bob, bobLines := startPeer(t, "bob", reg)

	n, err := alice.JoinChannel(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = alice.SendChannel(ctx, "general", "anyone?")
	assert.ErrorIs(t, err, ErrAlone)
	assert.Equal(t, "no one else in channel", err.Error())

	n, err = bob.JoinChannel(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "joining should auto-connect to alice")
	assert.Equal(t, []string{"alice"}, bob.Peers())

	n, err = alice.SendChannel(ctx, "general", "hi bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	line := bobLines.waitFor(t, LineChannel, "hi bob")
	assert.Equal(t, "alice", line.From)
	assert.Equal(t, "general", line.Channel)
}

func TestSendDirectAndPublic(t *testing.T) {
	reg := newDirRegistry()
	ctx := context.Background()
	alice, _ := startPeer(t, "alice", reg)
	_, bobLines := startPeer(t, "bob", reg)

	err := alice.SendDirect("bob", "too early")
	require.Error(t, err)
	assert.ErrorIs(t, err, network.ErrNotConnected)

	require.NoError(t, alice.Connect(ctx, "bob"))
	require.NoError(t, alice.SendDirect("bob", "psst"))
	line := bobLines.waitFor(t, LineDirect, "psst")
	assert.Equal(t, "alice", line.From)

	assert.Equal(t, 1, alice.SendPublic("hello all"))
	bobLines.waitFor(t, LinePublic, "hello all")

	err = alice.Connect(ctx, "carol")
	assert.ErrorIs(t, err, directory.ErrPeerNotFound)
}

func TestConnectionNotices(t *testing.T) {
	reg := newDirRegistry()
	alice, aliceLines := startPeer(t, "alice", reg)
	bob, _ := startPeer(t, "bob", reg)

	require.NoError(t, bob.Connect(context.Background(), "alice"))
	require.Eventually(t, func() bool { return aliceLines.count(LineNotice) > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"bob"}, alice.Peers())

	require.NoError(t, bob.Stop(context.Background()))
	aliceLines.waitFor(t, LineNotice, "Disconnected from bob")
}

func TestJoinAndLeaveTrackSession(t *testing.T) {
	reg := newDirRegistry()
	ctx := context.Background()
	alice, _ := startPeer(t, "alice", reg)

	_, err := alice.JoinChannel(ctx, "general")
	require.NoError(t, err)
	_, err = alice.JoinChannel(ctx, "general")
	require.NoError(t, err)
	_, err = alice.JoinChannel(ctx, "random")
	require.NoError(t, err)
	assert.Equal(t, []string{"general", "random"}, alice.Channels())

	s := alice.Session()
	assert.Equal(t, "alice", s.Username)
	assert.NotEmpty(t, s.ListenAddr)
	s.Channels[0] = "mutated"
	assert.Equal(t, "general", alice.Channels()[0])

	require.NoError(t, alice.LeaveChannel(ctx, "general"))
	assert.Equal(t, []string{"random"}, alice.Channels())
	assert.Empty(t, reg.dir.Members("general"))

	_, err = alice.JoinChannel(ctx, "")
	assert.Error(t, err)
}

func TestJoinRequiresRegistration(t *testing.T) {
	reg := newDirRegistry()
	alice, _ := startPeer(t, "alice", reg)
	reg.dir.Remove("alice")

	_, err := alice.JoinChannel(context.Background(), "general")
	require.Error(t, err)
	assert.ErrorIs(t, err, directory.ErrPeerNotFound)
	assert.Empty(t, alice.Channels())
	assert.Empty(t, reg.dir.Members("general"))
}

func TestDispatchIgnoresUnknownCommands(t *testing.T) {
	eng, err := network.NewEngine(network.Config{PeerID: "alice"}, quietLogger())
	require.NoError(t, err)
	defer eng.Stop()
	rec := &recorder{}
	c := New(eng, newDirRegistry(), nil, rec, Config{}, quietLogger())

	c.dispatch("bob", protocol.NewMessage("emote", "bob", "waves"))
	c.dispatch("bob", protocol.NewIdentify("bob"))
	c.dispatch("bob", &protocol.ChatMessage{Command: protocol.Channel, Sender: "bob", Payload: "lost"})
	c.dispatch("bob", nil)
	assert.Empty(t, rec.lines)

	c.dispatch("bob", protocol.NewChannelMessage("bob", "general", "hey"))
	line, ok := rec.find(LineChannel, "hey")
	require.True(t, ok)
	assert.Equal(t, "general", line.Channel)
	assert.False(t, line.Time.IsZero())
}

func TestHeartbeatReregisters(t *testing.T) {
	reg := newDirRegistry()
	ctx := context.Background()
	alice, lines := startPeer(t, "alice", reg)
	_, err := alice.JoinChannel(ctx, "general")
	require.NoError(t, err)

	alice.heartbeat(ctx)
	assert.Equal(t, 1, reg.heartbeats)

	reg.dir.Remove("alice")
	alice.heartbeat(ctx)

	rec, err := reg.dir.Lookup("alice")
	require.NoError(t, err)
	assert.Equal(t, alice.Session().ListenAddr, rec.Endpoint().Addr())
	assert.Equal(t, []string{"alice"}, reg.dir.Members("general"))
	_, ok := lines.find(LineNotice, "Re-registered with tracker")
	assert.True(t, ok)
}

func TestHeartbeatLoopRuns(t *testing.T) {
	reg := newDirRegistry()
	eng, err := network.NewEngine(network.Config{PeerID: "alice"}, quietLogger())
	require.NoError(t, err)
	c := New(eng, reg, nil, nil, Config{ListenIP: "127.0.0.1", Heartbeat: 10 * time.Millisecond}, quietLogger())
	require.NoError(t, c.Start(context.Background(), ""))
	defer c.Stop(context.Background())

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.heartbeats >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHistoryRecordsTraffic(t *testing.T) {
	reg := newDirRegistry()
	ctx := context.Background()
	alice, _ := startPeer(t, "alice", reg)
	bob, bobLines := startPeer(t, "bob", reg)

	require.Error(t, alice.SendDirect("bob", "lost"))
	require.NoError(t, alice.Connect(ctx, "bob"))
	require.NoError(t, alice.SendDirect("bob", "found"))
	bobLines.waitFor(t, LineDirect, "found")

	sent, err := alice.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sent, 2)
	assert.Equal(t, store.StatusFailed, sent[0].Status)
	assert.Equal(t, store.StatusSent, sent[1].Status)
	assert.Equal(t, "bob", sent[1].Recipient)

	require.Eventually(t, func() bool {
		got, _ := bob.History(ctx, 1)
		return len(got) == 1 && got[0].Status == store.StatusReceived && got[0].Sender == "alice"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopUnregisters(t *testing.T) {
	reg := newDirRegistry()
	alice, _ := startPeer(t, "alice", reg)
	require.Equal(t, 1, reg.dir.Count())

	require.NoError(t, alice.Stop(context.Background()))
	assert.Equal(t, 0, reg.dir.Count())
	require.NoError(t, alice.Stop(context.Background()))

	err := alice.SendDirect("bob", "x")
	assert.Error(t, err)
}

func TestStartTwiceFails(t *testing.T) {
	alice, _ := startPeer(t, "alice", newDirRegistry())
	assert.Error(t, alice.Start(context.Background(), ""))
}

// fakeNet records dials without touching sockets.
type fakeNet struct {
	mu    sync.Mutex
	dials []string
	fail  map[string]bool
}

func (f *fakeNet) Self() string { return "alice" }
func (f *fakeNet) Listen(string, int) error { return errors.New("no sockets here") }
func (f *fakeNet) Addr() net.Addr { return nil }
func (f *fakeNet) Events() <-chan network.Event { return nil }
func (f *fakeNet) Disconnect(string) error { return nil }
func (f *fakeNet) Broadcast(*protocol.ChatMessage) int { return 0 }
func (f *fakeNet) Peers() []string { return nil }
func (f *fakeNet) IsConnected(id string) bool { return id == "connected" }
func (f *fakeNet) Stop() {}

func (f *fakeNet) SendTo(id string, _ *protocol.ChatMessage) error {
	return fmt.Errorf("%w: %s", network.ErrNotConnected, id)
}

func (f *fakeNet) Connect(_ context.Context, id, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, id)
	if f.fail[id] {
		return errors.New("refused")
	}
	return nil
}

func records(ids ...string) []types.PeerRecord {
	out := make([]types.PeerRecord, 0, len(ids))
	for i, id := range ids {
		out = append(out, *types.NewPeerRecord(id, "127.0.0.1", 6000+i, nil))
	}
	return out
}

func TestDialAllPacingAndCap(t *testing.T) {
	fn := &fakeNet{fail: map[string]bool{"p2": true}}
	c := New(fn, newDirRegistry(), nil, nil, Config{DialPacing: 20 * time.Millisecond, MaxAutoDial: 3}, quietLogger())

	start := time.Now()
	n := c.dialAll(context.Background(), records("alice", "connected", "p1", "p2", "p3", "p4"))
	elapsed := time.Since(start)

	assert.Equal(t, []string{"p1", "p2", "p3"}, fn.dials)
	assert.Equal(t, 3, n, "already connected plus two successful dials")
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestDialAllHonorsCancel(t *testing.T) {
	fn := &fakeNet{}
	c := New(fn, newDirRegistry(), nil, nil, Config{DialPacing: time.Hour}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	n := c.dialAll(ctx, records("p1", "p2", "p3"))
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"p1"}, fn.dials)
}

func TestSendChannelCountsFailures(t *testing.T) {
	reg := newDirRegistry()
	reg.dir.Register("alice", "127.0.0.1", 6000, nil)
	reg.dir.Register("bob", "127.0.0.1", 6001, nil)
	require.NoError(t, reg.dir.JoinChannel("alice", "general"))
	require.NoError(t, reg.dir.JoinChannel("bob", "general"))

	c := New(&fakeNet{}, reg, nil, nil, Config{}, quietLogger())
	n, err := c.SendChannel(context.Background(), "general", "hi")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = c.SendChannel(context.Background(), "", "hi")
	assert.Error(t, err)
}

func TestBindFailureStillRegisters(t *testing.T) {
	reg := newDirRegistry()
	c := New(&fakeNet{}, reg, nil, nil, Config{ListenPort: 7001, Heartbeat: -1}, quietLogger())
	require.NoError(t, c.Start(context.Background(), "cookie"))
	defer c.Stop(context.Background())

	got, err := reg.dir.Lookup("alice")
	require.NoError(t, err)
	assert.Equal(t, 7001, got.Port)
	assert.Equal(t, "127.0.0.1", got.IP)
	assert.Equal(t, "cookie", c.Session().Cookie)
}

// flakyRegistry fails Register until down is cleared.
type flakyRegistry struct {
	*dirRegistry
	down bool
}

func (r *flakyRegistry) Register(ctx context.Context, ep types.PeerEndpoint, md map[string]string) error {
	r.mu.Lock()
	down := r.down
	r.mu.Unlock()
	if down {
		return errors.New("tracker unreachable")
	}
	return r.dirRegistry.Register(ctx, ep, md)
}

func TestRegistrationFailureNotFatal(t *testing.T) {
	reg := &flakyRegistry{dirRegistry: newDirRegistry(), down: true}
	eng, err := network.NewEngine(network.Config{PeerID: "alice"}, quietLogger())
	require.NoError(t, err)
	rec := &recorder{}
	c := New(eng, reg, nil, rec, Config{ListenIP: "127.0.0.1", Heartbeat: -1}, quietLogger())
	require.NoError(t, c.Start(context.Background(), ""))
	defer c.Stop(context.Background())

	_, ok := rec.find(LineNotice, "Tracker registration failed: tracker unreachable")
	assert.True(t, ok)
	_, err = reg.dir.Lookup("alice")
	assert.ErrorIs(t, err, directory.ErrPeerNotFound)
	assert.NotEmpty(t, c.Session().ListenAddr)

	_, bobLines := startPeer(t, "bob", reg.dirRegistry)
	require.NoError(t, c.Connect(context.Background(), "bob"))
	require.NoError(t, c.SendDirect("bob", "still here"))
	bobLines.waitFor(t, LineDirect, "still here")

	reg.mu.Lock()
	reg.down = false
	reg.mu.Unlock()
	c.heartbeat(context.Background())

	got, err := reg.dir.Lookup("alice")
	require.NoError(t, err)
	assert.Equal(t, c.Session().ListenAddr, got.Endpoint().Addr())
}

func TestNewDefaultsLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		c := New(&fakeNet{}, newDirRegistry(), nil, nil, Config{}, nil)
		c.handleEvent(network.Event{Kind: network.EventLog, Level: logrus.DebugLevel, Text: "quiet"})
	})
}

func TestEndToEndThroughTracker(t *testing.T) {
	dir := directory.New(directory.DefaultPeerTimeout, quietLogger())
	srv := tracker.NewServer(dir, tracker.Config{}, quietLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	alice, aliceLines := startPeer(t, "alice", tracker.NewClient(ts.URL, nil))
	bob, _ := startPeer(t, "bob", tracker.NewClient(ts.URL, nil))

	_, err := alice.JoinChannel(ctx, "general")
	require.NoError(t, err)
	_, err = alice.SendChannel(ctx, "general", "is anyone here")
	assert.ErrorIs(t, err, ErrAlone)

	n, err := bob.JoinChannel(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = bob.SendChannel(ctx, "general", "hello alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	aliceLines.waitFor(t, LineChannel, "hello alice")

	peers, err := alice.Directory(ctx, "")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].PeerID)

	require.NoError(t, bob.Stop(ctx))
	assert.Equal(t, 1, dir.Count())
}

func TestEngineLogEvents(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	rec := &recorder{}
	c := New(&fakeNet{}, newDirRegistry(), nil, rec, Config{}, log)

	c.handleEvent(network.Event{Kind: network.EventLog, PeerID: "bob", Level: logrus.WarnLevel, Text: "connection to bob failed"})
	c.handleEvent(network.Event{Kind: network.EventLog, Level: logrus.DebugLevel, Text: "chatter"})

	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "bob", entry.Data["remote"])
	assert.Equal(t, "connection to bob failed", entry.Message)

	_, ok := rec.find(LineNotice, "connection to bob failed")
	assert.True(t, ok)
	assert.Equal(t, 1, rec.count(LineNotice))

	c.handleEvent(network.Event{Kind: network.EventLog, Level: logrus.FatalLevel, Text: "listening disabled"})
	assert.Equal(t, logrus.FatalLevel, hook.LastEntry().Level)
	_, ok = rec.find(LineNotice, "listening disabled")
	assert.True(t, ok)
}
