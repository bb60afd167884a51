// Package presence tracks which messaging id speaks for which call participant.
package presence

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/message"
	"github.com/RoseWrightdev/callkit/internal/v1/metrics"
	"github.com/RoseWrightdev/callkit/internal/v1/roster"
	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

// Android libraries before this release sent camera and microphone codes swapped.
const swappedDeviceCodesBefore = "v4.0.2"

// Directory maps roster ids to messaging ids and messaging ids to the last
// identity each peer announced.
type Directory struct {
	roster roster.Roster

	mu       sync.RWMutex
	peers    map[string]message.PeerIdentity
	byRoster map[types.RosterID]string
}

// NewDirectory returns an empty directory. r may be nil.
func NewDirectory(r roster.Roster) *Directory {
	return &Directory{
		roster:   r,
		peers:    make(map[string]message.PeerIdentity),
		byRoster: make(map[types.RosterID]string),
	}
}

// OnIdentityReceived records identity as announced by from.
func (d *Directory) OnIdentityReceived(ctx context.Context, identity message.PeerIdentity, from string) {
	if from == "" {
		from = identity.MessagingID
	}
	if from == "" {
		logging.Warn(ctx, "Dropping identity without a messaging id")
		return
	}

	d.mu.Lock()
	var stale types.RosterID
	if prev, ok := d.peers[from]; ok && prev.RosterID.IsKnown() && prev.RosterID != identity.RosterID {
		if d.byRoster[prev.RosterID] == from {
			delete(d.byRoster, prev.RosterID)
			stale = prev.RosterID
		}
	}
	d.peers[from] = identity
	if identity.RosterID.IsKnown() {
		d.byRoster[identity.RosterID] = from
	}
	known := len(d.peers)
	d.mu.Unlock()

	metrics.KnownPeers.Set(float64(known))
	logging.Debug(ctx, "Peer identity recorded",
		zap.String("from", from),
		zap.Stringer("rtc_id", identity.RosterID),
		zap.String("platform", identity.Library.Platform),
		zap.String("version", identity.Library.Version))

	if d.roster == nil {
		return
	}
	if stale.IsKnown() {
		d.roster.SetMuteRequestCapable(stale, false)
	}
	d.Reconcile(identity.RosterID)
}

// Reconcile marks the tile for id as mute-request capable when a peer has
// claimed it. Call it when a participant appears in the roster.
func (d *Directory) Reconcile(id types.RosterID) {
	if d.roster == nil || !id.IsKnown() {
		return
	}
	if _, ok := d.Resolve(id); ok && d.roster.HasParticipant(id) {
		d.roster.SetMuteRequestCapable(id, true)
	}
}

// Resolve returns the messaging id that announced id.
func (d *Directory) Resolve(id types.RosterID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peer, ok := d.byRoster[id]
	return peer, ok
}

// Lookup returns the identity last announced by messagingID.
func (d *Directory) Lookup(messagingID string) (message.PeerIdentity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.peers[messagingID]
	return id, ok
}

// Forget drops everything known about messagingID.
func (d *Directory) Forget(ctx context.Context, messagingID string) {
	d.mu.Lock()
	identity, ok := d.peers[messagingID]
	var released types.RosterID
	if ok {
		delete(d.peers, messagingID)
		if identity.RosterID.IsKnown() && d.byRoster[identity.RosterID] == messagingID {
			delete(d.byRoster, identity.RosterID)
			released = identity.RosterID
		}
	}
	known := len(d.peers)
	d.mu.Unlock()

	if !ok {
		return
	}
	metrics.KnownPeers.Set(float64(known))
	logging.Debug(ctx, "Peer forgotten", zap.String("peer", messagingID))
	if d.roster != nil && released.IsKnown() {
		d.roster.SetMuteRequestCapable(released, false)
	}
}

// Peers returns every known identity ordered by messaging id.
func (d *Directory) Peers() []message.PeerIdentity {
	d.mu.RLock()
	out := make([]message.PeerIdentity, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MessagingID < out[j].MessagingID })
	return out
}

// DeviceFromPeer corrects the device code in a request from an old Android
// peer. An unknown sender is trusted as is.
func (d *Directory) DeviceFromPeer(from string, device types.Device) types.Device {
	identity, ok := d.Lookup(from)
	if !ok || !sendsSwappedDevices(identity.Library) {
		return device
	}
	return device.Other()
}

func sendsSwappedDevices(lib message.LibraryDetails) bool {
	if !strings.EqualFold(lib.Platform, "android") {
		return false
	}
	v := strings.TrimSpace(lib.Version)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return false
	}
	return semver.Compare(v, swappedDeviceCodesBefore) < 0
}
