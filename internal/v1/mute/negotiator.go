// Package mute negotiates remote mute and unmute requests between peers.
package mute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/RoseWrightdev/callkit/internal/v1/dispatch"
	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/message"
	"github.com/RoseWrightdev/callkit/internal/v1/metrics"
	"github.com/RoseWrightdev/callkit/internal/v1/roster"
	"github.com/RoseWrightdev/callkit/internal/v1/types"
	"github.com/RoseWrightdev/callkit/internal/v1/ui"
)

// ErrUnresolvedPeer means no messaging id is known for the target participant.
var ErrUnresolvedPeer = errors.New("no messaging peer for participant")

// Sender delivers a message to one peer.
type Sender interface {
	SendToPeer(ctx context.Context, peerID string, m message.Message, done func(error))
}

// Resolver maps participants to peers and corrects peer device codes.
type Resolver interface {
	Resolve(id types.RosterID) (string, bool)
	DeviceFromPeer(from string, device types.Device) types.Device
}

// Config wires a Negotiator.
type Config struct {
	Sender   Sender
	Resolver Resolver
	Roster   roster.Roster
	Prompter ui.Prompter
	// UI runs prompts. Defaults to running them inline.
	UI dispatch.Dispatcher
}

// promptKey identifies an open advisory prompt.
type promptKey struct {
	device types.Device
	mute   bool
}

// Negotiator sends mute requests for remote tiles and applies or prompts for
// requests aimed at the local user.
type Negotiator struct {
	sender   Sender
	resolver Resolver
	roster   roster.Roster
	prompter ui.Prompter
	ui       dispatch.Dispatcher

	mu      sync.Mutex
	pending set.Set[promptKey]
}

// NewNegotiator validates cfg and returns a negotiator.
func NewNegotiator(cfg Config) (*Negotiator, error) {
	var missing []string
	if cfg.Sender == nil {
		missing = append(missing, "sender")
	}
	if cfg.Resolver == nil {
		missing = append(missing, "resolver")
	}
	if cfg.Roster == nil {
		missing = append(missing, "roster")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("mute negotiator: missing %s", strings.Join(missing, ", "))
	}
	n := &Negotiator{
		sender:   cfg.Sender,
		resolver: cfg.Resolver,
		roster:   cfg.Roster,
		prompter: cfg.Prompter,
		ui:       cfg.UI,
		pending:  set.New[promptKey](),
	}
	if n.prompter == nil {
		n.prompter = ui.AutoDecline{}
	}
	if n.ui == nil {
		n.ui = dispatch.Inline{}
	}
	return n, nil
}

// RequestDeviceChange asks the peer behind target to change a device. Forceful
// requests may only mute. Delivery is asynchronous and only logged.
func (n *Negotiator) RequestDeviceChange(ctx context.Context, target types.RosterID, device types.Device, mute, forceful bool) error {
	req := message.MuteRequest{RosterID: target, Device: device, Mute: mute, Forceful: forceful}
	if err := req.Validate(); err != nil {
		logging.Warn(ctx, "Refusing mute request", zap.Stringer("target", target), zap.Stringer("device", device),
			zap.Bool("mute", mute), zap.Bool("forceful", forceful), zap.Error(err))
		metrics.MuteRequests.WithLabelValues("outbound", "rejected").Inc()
		return err
	}

	peer, ok := n.resolver.Resolve(target)
	if !ok {
		logging.Warn(ctx, "No messaging peer for participant, mute request not sent", zap.Stringer("target", target))
		metrics.MuteRequests.WithLabelValues("outbound", "unresolved").Inc()
		return fmt.Errorf("%w: %s", ErrUnresolvedPeer, target)
	}

	n.sender.SendToPeer(ctx, peer, req, func(err error) {
		if err != nil {
			logging.Warn(ctx, "Mute request not delivered", zap.String("peer", peer), zap.Error(err))
			metrics.MuteRequests.WithLabelValues("outbound", "failed").Inc()
			return
		}
		logging.Info(ctx, "Mute request delivered", zap.String("peer", peer),
			zap.Stringer("device", device), zap.Bool("mute", mute), zap.Bool("forceful", forceful))
		metrics.MuteRequests.WithLabelValues("outbound", "sent").Inc()
	})
	return nil
}

// OnMuteRequestReceived handles a request from peer from.
func (n *Negotiator) OnMuteRequestReceived(ctx context.Context, req message.MuteRequest, from string) {
	if err := req.Validate(); err != nil {
		logging.Warn(ctx, "Ignoring invalid mute request", zap.String("from", from), zap.Error(err))
		metrics.MuteRequests.WithLabelValues("inbound", "rejected").Inc()
		return
	}

	device := n.resolver.DeviceFromPeer(from, req.Device)
	if n.roster.LocalDeviceMuted(device) == req.Mute {
		logging.Debug(ctx, "Mute request already satisfied", zap.String("from", from), zap.Stringer("device", device))
		metrics.MuteRequests.WithLabelValues("inbound", "noop").Inc()
		return
	}

	if req.Forceful {
		logging.Info(ctx, "Applying forceful mute", zap.String("from", from), zap.Stringer("device", device))
		n.roster.SetLocalDeviceMuted(device, true)
		metrics.MuteRequests.WithLabelValues("inbound", "applied").Inc()
		return
	}

	key := promptKey{device: device, mute: req.Mute}
	n.mu.Lock()
	if n.pending.Has(key) {
		n.mu.Unlock()
		logging.Debug(ctx, "Identical prompt already pending, dropping request", zap.Stringer("device", device), zap.Bool("mute", req.Mute))
		metrics.MuteRequests.WithLabelValues("inbound", "duplicate").Inc()
		return
	}
	n.pending.Insert(key)
	n.mu.Unlock()

	prompt := ui.Prompt{
		Title:   PromptTitle(device, req.Mute),
		Confirm: "Confirm",
		Cancel:  "Cancel",
		From:    from,
	}
	mute := req.Mute
	n.ui.Dispatch(func() {
		n.prompter.Confirm(ctx, prompt, func(accepted bool) {
			n.mu.Lock()
			n.pending.Delete(key)
			n.mu.Unlock()

			if !accepted {
				logging.Info(ctx, "Mute request declined", zap.String("from", from), zap.Stringer("device", device))
				metrics.MuteRequests.WithLabelValues("inbound", "declined").Inc()
				return
			}
			if n.roster.LocalDeviceMuted(device) != mute {
				n.roster.SetLocalDeviceMuted(device, mute)
			}
			logging.Info(ctx, "Mute request accepted", zap.String("from", from), zap.Stringer("device", device), zap.Bool("mute", mute))
			metrics.MuteRequests.WithLabelValues("inbound", "accepted").Inc()
		})
	})
}

// PromptTitle is the question shown for an advisory request, e.g. "Mute camera?".
func PromptTitle(device types.Device, mute bool) string {
	verb := "Unmute"
	if mute {
		verb = "Mute"
	}
	return fmt.Sprintf("%s %s?", verb, device)
}

// Pending reports whether a prompt to mute (or unmute) device is awaiting an answer.
func (n *Negotiator) Pending(device types.Device, mute bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending.Has(promptKey{device: device, mute: mute})
}
