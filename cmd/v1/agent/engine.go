package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/message"
	"github.com/RoseWrightdev/callkit/internal/v1/messaging"
	"github.com/RoseWrightdev/callkit/internal/v1/roster"
	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

// callTokens issues RTC tokens.
type callTokens interface {
	FetchRTCToken(ctx context.Context, channel string, uid types.RosterID) (string, error)
}

// headlessEngine stands in for a media engine. It fetches the call token the
// way a real engine would and records local device state. Without media it
// learns who is in the call from the messaging channel: a peer announcing a
// roster id joins the call, and a peer leaving the channel leaves it.
type headlessEngine struct {
	tokens callTokens

	mu       sync.Mutex
	observer roster.EngineObserver
	next     messaging.MessageSink
	channel  string
	localUID types.RosterID
	enabled  map[types.Device]bool
	// messaging id -> roster id of remote peers in the call
	remotes map[string]types.RosterID
}

var (
	_ roster.Engine         = (*headlessEngine)(nil)
	_ messaging.MessageSink = (*headlessEngine)(nil)
)

func newHeadlessEngine(tokens callTokens) *headlessEngine {
	return &headlessEngine{
		tokens:  tokens,
		next:    messaging.NopSink{},
		enabled: map[types.Device]bool{types.DeviceCamera: true, types.DeviceMicrophone: true},
		remotes: make(map[string]types.RosterID),
	}
}

// attach sets where call callbacks and messaging traffic go.
func (e *headlessEngine) attach(observer roster.EngineObserver, next messaging.MessageSink) {
	if next == nil {
		next = messaging.NopSink{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = observer
	e.next = next
}

func (e *headlessEngine) JoinCall(ctx context.Context, channel string, uid types.RosterID, tok string) error {
	if tok == "" {
		var err error
		if tok, err = e.tokens.FetchRTCToken(ctx, channel, uid); err != nil {
			return fmt.Errorf("fetch call token: %w", err)
		}
	}
	e.mu.Lock()
	if e.channel != "" {
		e.mu.Unlock()
		return errors.New("already in a call")
	}
	e.channel = channel
	e.localUID = uid
	observer := e.observer
	e.mu.Unlock()

	logging.Info(logging.WithChannel(ctx, channel), "Joined call", zap.Stringer("uid", uid), zap.String("token", logging.RedactToken(tok)))
	if observer != nil {
		observer.OnCallJoined(channel, uid)
	}
	return nil
}

func (e *headlessEngine) LeaveCall(ctx context.Context) error {
	e.mu.Lock()
	channel := e.channel
	e.channel = ""
	e.localUID = 0
	clear(e.remotes)
	observer := e.observer
	e.mu.Unlock()

	if channel == "" {
		return nil
	}
	logging.Info(logging.WithChannel(ctx, channel), "Left call")
	if observer != nil {
		observer.OnCallLeft(channel)
	}
	return nil
}

func (e *headlessEngine) SetLocalDeviceEnabled(device types.Device, enabled bool) error {
	if !device.IsValid() {
		return fmt.Errorf("unknown device %s", device)
	}
	e.mu.Lock()
	e.enabled[device] = enabled
	e.mu.Unlock()
	logging.Info(context.Background(), "Local device changed", zap.Stringer("device", device), zap.Bool("enabled", enabled))
	return nil
}

func (e *headlessEngine) OnIdentity(ctx context.Context, identity message.PeerIdentity, from string) {
	e.mu.Lock()
	next, observer := e.next, e.observer
	uid := identity.RosterID
	var prev types.RosterID
	joined := false
	if e.channel != "" && uid.IsKnown() && uid != e.localUID {
		if prev = e.remotes[from]; prev != uid {
			e.remotes[from] = uid
			joined = true
		}
	}
	e.mu.Unlock()

	// The directory records the identity before the tile appears.
	next.OnIdentity(ctx, identity, from)
	if !joined || observer == nil {
		return
	}
	if prev.IsKnown() {
		observer.OnUserLeft(prev)
	}
	logging.Debug(ctx, "Remote peer joined call", zap.String("from", from), zap.Stringer("uid", uid))
	observer.OnUserJoined(uid)
}

func (e *headlessEngine) OnMuteRequest(ctx context.Context, req message.MuteRequest, from string) {
	e.sink().OnMuteRequest(ctx, req, from)
}

func (e *headlessEngine) OnDataRequest(ctx context.Context, req message.DataRequest, from string) {
	e.sink().OnDataRequest(ctx, req, from)
}

func (e *headlessEngine) OnMemberJoined(ctx context.Context, channel, member string) {
	e.sink().OnMemberJoined(ctx, channel, member)
}

func (e *headlessEngine) OnMemberLeft(ctx context.Context, channel, member string) {
	e.mu.Lock()
	next, observer := e.next, e.observer
	uid, ok := e.remotes[member]
	delete(e.remotes, member)
	e.mu.Unlock()

	if ok && observer != nil {
		logging.Debug(ctx, "Remote peer left call", zap.String("member", member), zap.Stringer("uid", uid))
		observer.OnUserLeft(uid)
	}
	next.OnMemberLeft(ctx, channel, member)
}

func (e *headlessEngine) sink() messaging.MessageSink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next
}
