// Package controller routes RTC engine callbacks and decoded messages between
// the messaging session, presence directory, mute negotiator and call roster.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/dispatch"
	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/message"
	"github.com/RoseWrightdev/callkit/internal/v1/messaging"
	"github.com/RoseWrightdev/callkit/internal/v1/mute"
	"github.com/RoseWrightdev/callkit/internal/v1/presence"
	"github.com/RoseWrightdev/callkit/internal/v1/roster"
	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

// Session is the part of *messaging.Session the controller drives.
type Session interface {
	JoinChannel(ctx context.Context, name string, cb messaging.JoinCallback)
	LeaveChannel(ctx context.Context, name string)
	SendToPeer(ctx context.Context, peerID string, m message.Message, done func(error))
	SendIdentity(ctx context.Context, peerID string)
	BroadcastIdentity(ctx context.Context)
	UpdateIdentity(ctx context.Context, update func(id *message.PeerIdentity))
}

// Config wires a Controller.
type Config struct {
	Session    Session
	Directory  *presence.Directory
	Negotiator *mute.Negotiator
	// Roster receives every engine callback before the controller reacts to it.
	Roster roster.EngineObserver
	// UI must be the dispatcher the roster mutates on.
	UI dispatch.Dispatcher
}

// Controller implements messaging.MessageSink and roster.EngineObserver.
type Controller struct {
	session    Session
	directory  *presence.Directory
	negotiator *mute.Negotiator
	roster     roster.EngineObserver
	ui         dispatch.Dispatcher
}

var (
	_ messaging.MessageSink = (*Controller)(nil)
	_ roster.EngineObserver = (*Controller)(nil)
)

// New validates cfg and returns a controller.
func New(cfg Config) (*Controller, error) {
	var missing []string
	if cfg.Session == nil {
		missing = append(missing, "session")
	}
	if cfg.Directory == nil {
		missing = append(missing, "directory")
	}
	if cfg.Negotiator == nil {
		missing = append(missing, "negotiator")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("controller: missing %s", strings.Join(missing, ", "))
	}
	c := &Controller{
		session:    cfg.Session,
		directory:  cfg.Directory,
		negotiator: cfg.Negotiator,
		roster:     cfg.Roster,
		ui:         cfg.UI,
	}
	if c.ui == nil {
		c.ui = dispatch.Inline{}
	}
	return c, nil
}

// RequestDeviceChange is the local user acting on a remote tile.
func (c *Controller) RequestDeviceChange(ctx context.Context, target types.RosterID, device types.Device, mute, forceful bool) error {
	return c.negotiator.RequestDeviceChange(ctx, target, device, mute, forceful)
}

// SetRole records a client role change and re-announces the local identity.
func (c *Controller) SetRole(ctx context.Context, role types.Role) {
	c.session.UpdateIdentity(ctx, func(id *message.PeerIdentity) { id.Role = role })
}

// --- roster.EngineObserver ---

func (c *Controller) OnCallJoined(channel string, uid types.RosterID) {
	ctx := logging.WithChannel(context.Background(), channel)
	if c.roster != nil {
		c.roster.OnCallJoined(channel, uid)
	}
	logging.Info(ctx, "Call joined, joining messaging channel", zap.Stringer("rtc_id", uid))

	c.session.UpdateIdentity(ctx, func(id *message.PeerIdentity) { id.RosterID = uid })
	c.session.JoinChannel(ctx, channel, func(name string, _ messaging.Channel, err error) {
		if errors.Is(err, messaging.ErrJoinCancelled) {
			logging.Debug(ctx, "Messaging channel join cancelled, call already left")
			return
		}
		if err != nil {
			level := logging.Error
			if errors.Is(err, messaging.ErrLoginFailed) {
				level = logging.Warn
			}
			level(ctx, "Messaging channel unavailable, mute requests disabled for this call", zap.Error(err))
			return
		}
		logging.Debug(ctx, "Messaging channel ready", zap.String("name", name))
	})
}

func (c *Controller) OnCallLeft(channel string) {
	if c.roster != nil {
		c.roster.OnCallLeft(channel)
	}
	c.session.LeaveChannel(logging.WithChannel(context.Background(), channel), channel)
}

func (c *Controller) OnUserJoined(uid types.RosterID) {
	if c.roster != nil {
		c.roster.OnUserJoined(uid)
	}
	// Queued behind the tile insertion above.
	c.ui.Dispatch(func() { c.directory.Reconcile(uid) })
	c.session.BroadcastIdentity(context.Background())
}

func (c *Controller) OnUserLeft(uid types.RosterID) {
	if c.roster != nil {
		c.roster.OnUserLeft(uid)
	}
}

func (c *Controller) OnActiveSpeaker(uid types.RosterID) {
	if c.roster != nil {
		c.roster.OnActiveSpeaker(uid)
	}
}

func (c *Controller) OnRemoteDeviceState(uid types.RosterID, device types.Device, enabled bool) {
	if c.roster != nil {
		c.roster.OnRemoteDeviceState(uid, device, enabled)
	}
}

// --- messaging.MessageSink ---

func (c *Controller) OnIdentity(ctx context.Context, identity message.PeerIdentity, from string) {
	c.directory.OnIdentityReceived(ctx, identity, from)
}

func (c *Controller) OnMuteRequest(ctx context.Context, req message.MuteRequest, from string) {
	c.negotiator.OnMuteRequestReceived(ctx, req, from)
}

func (c *Controller) OnDataRequest(ctx context.Context, req message.DataRequest, from string) {
	switch req.Type {
	case message.RequestUserData:
		c.session.SendIdentity(ctx, from)
	case message.Ping:
		c.session.SendToPeer(ctx, from, message.DataRequest{Type: message.Pong}, nil)
	case message.Pong:
		logging.Debug(ctx, "Pong received", zap.String("from", from))
	}
}

func (c *Controller) OnMemberJoined(ctx context.Context, _, member string) {
	c.session.SendIdentity(ctx, member)
}

func (c *Controller) OnMemberLeft(ctx context.Context, _, member string) {
	c.directory.Forget(ctx, member)
}
