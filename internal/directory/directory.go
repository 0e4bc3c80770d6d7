// Package directory holds the tracker's in-memory view of peers and channel
// membership. A single mutex guards both maps; nothing here performs I/O.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/busybox42/chatmesh/internal/metrics"
	"github.com/busybox42/chatmesh/pkg/types"
	"github.com/sirupsen/logrus"
)

const DefaultPeerTimeout = 300 * time.Second

var (
	ErrPeerNotFound  = errors.New("peer not found")
	ErrInvalidStatus = errors.New("invalid status")
)

// ChannelInfo summarizes one channel for listings.
type ChannelInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

type Directory struct {
	mu       sync.Mutex
	peers    map[string]*types.PeerRecord
	channels map[string]map[string]struct{}
	timeout  time.Duration
	now      func() time.Time
	log      logrus.FieldLogger
}

func New(timeout time.Duration, log logrus.FieldLogger) *Directory {
	if timeout <= 0 {
		timeout = DefaultPeerTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Directory{
		peers:    make(map[string]*types.PeerRecord),
		channels: make(map[string]map[string]struct{}),
		timeout:  timeout,
		now:      time.Now,
		log:      log.WithField("component", "directory"),
	}
}

func (d *Directory) Timeout() time.Duration {
	return d.timeout
}

// Register inserts or replaces the record for peerID. The last write wins.
func (d *Directory) Register(peerID, ip string, port int, metadata map[string]string) types.PeerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := types.NewPeerRecord(peerID, ip, port, metadata)
	rec.LastSeen = d.now()
	_, existed := d.peers[peerID]
	d.peers[peerID] = rec
	d.updateGauges()

	d.log.WithFields(logrus.Fields{"peer": peerID, "addr": rec.Endpoint().Addr(), "update": existed}).Info("Peer registered")
	return rec.Clone()
}

// Lookup returns a copy of the record and refreshes its last_seen.
func (d *Directory) Lookup(peerID string) (types.PeerRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.peers[peerID]
	if !ok {
		return types.PeerRecord{}, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	rec.LastSeen = d.now()
	return rec.Clone(), nil
}

// Touch is a heartbeat: it refreshes last_seen and marks the peer active.
func (d *Directory) Touch(peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	rec.LastSeen = d.now()
	rec.Status = types.StatusActive
	return nil
}

func (d *Directory) SetStatus(peerID string, status types.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	rec.Status = status
	rec.LastSeen = d.now()
	return nil
}

// ListAll sweeps expired peers and returns the active ones, minus exclude.
func (d *Directory) ListAll(exclude string) []types.PeerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sweepLocked()
	d.touchLocked(exclude)

	out := make([]types.PeerRecord, 0, len(d.peers))
	for id, rec := range d.peers {
		if id == exclude || rec.Status != types.StatusActive {
			continue
		}
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out
}

// ListChannel sweeps expired peers and returns the channel's active members,
// minus exclude. An unknown channel yields an empty list.
func (d *Directory) ListChannel(channel, exclude string) []types.PeerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sweepLocked()
	d.touchLocked(exclude)

	members := d.channels[channel]
	out := make([]types.PeerRecord, 0, len(members))
	for id := range members {
		if id == exclude {
			continue
		}
		if rec, ok := d.peers[id]; ok && rec.Status == types.StatusActive {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out
}

// JoinChannel adds a registered peer to channel, creating it on first use.
func (d *Directory) JoinChannel(peerID, channel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	members, ok := d.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		d.channels[channel] = members
	}
	members[peerID] = struct{}{}
	rec.LastSeen = d.now()
	d.updateGauges()

	d.log.WithFields(logrus.Fields{"peer": peerID, "channel": channel}).Info("Peer joined channel")
	return nil
}

func (d *Directory) LeaveChannel(peerID, channel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	rec.LastSeen = d.now()
	d.dropMemberLocked(channel, peerID)
	d.updateGauges()
	return nil
}

// Members returns the sorted member ids of channel.
func (d *Directory) Members(channel string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sweepLocked()
	ids := make([]string, 0, len(d.channels[channel]))
	for id := range d.channels[channel] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Directory) Channels() []ChannelInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sweepLocked()
	out := make([]ChannelInfo, 0, len(d.channels))
	for name, members := range d.channels {
		out = append(out, ChannelInfo{Name: name, Members: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove deletes the peer and its channel memberships.
func (d *Directory) Remove(peerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	ok := d.removeLocked(peerID)
	d.updateGauges()
	return ok
}

func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// Sweep removes every peer whose last_seen is older than the timeout and
// returns how many were removed.
func (d *Directory) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sweepLocked()
}

// Run sweeps on a fixed interval until ctx is done.
func (d *Directory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.Sweep(); n > 0 {
				d.log.WithField("removed", n).Info("Expired peers pruned")
			}
		}
	}
}

func (d *Directory) sweepLocked() int {
	now := d.now()
	removed := 0
	for id, rec := range d.peers {
		if rec.Expired(now, d.timeout) {
			d.removeLocked(id)
			removed++
			d.log.WithField("peer", id).Debug("Peer expired")
		}
	}
	if removed > 0 {
		metrics.PeersExpired.Add(float64(removed))
		d.updateGauges()
	}
	return removed
}

func (d *Directory) removeLocked(peerID string) bool {
	if _, ok := d.peers[peerID]; !ok {
		return false
	}
	delete(d.peers, peerID)
	for name := range d.channels {
		d.dropMemberLocked(name, peerID)
	}
	return true
}

func (d *Directory) dropMemberLocked(channel, peerID string) {
	members, ok := d.channels[channel]
	if !ok {
		return
	}
	delete(members, peerID)
	if len(members) == 0 {
		delete(d.channels, channel)
	}
}

func (d *Directory) touchLocked(peerID string) {
	if peerID == "" {
		return
	}
	if rec, ok := d.peers[peerID]; ok {
		rec.LastSeen = d.now()
	}
}

func (d *Directory) updateGauges() {
	metrics.RegisteredPeers.Set(float64(len(d.peers)))
	metrics.Channels.Set(float64(len(d.channels)))
}

func sortRecords(recs []types.PeerRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].PeerID < recs[j].PeerID })
}
