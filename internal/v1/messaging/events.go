package messaging

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/message"
	"github.com/RoseWrightdev/callkit/internal/v1/metrics"
)

// eventAdapter keeps the EventHandler methods off the Session API.
type eventAdapter struct{ s *Session }

func (a eventAdapter) OnConnectionEvent(ev ConnectionEvent) { a.s.handleConnectionEvent(ev) }
func (a eventAdapter) OnMessage(ev MessageEvent)            { a.s.handleMessage(ev) }
func (a eventAdapter) OnMembership(ev MembershipEvent)      { a.s.handleMembership(ev) }

func (s *Session) eventContext() context.Context {
	return logging.WithMessagingID(context.Background(), s.Identity().MessagingID)
}

func (s *Session) handleConnectionEvent(ev ConnectionEvent) {
	ctx := s.eventContext()
	logging.Info(ctx, "Messaging connection event", zap.Stringer("event", ev.Kind), zap.String("reason", ev.Reason))

	switch ev.Kind {
	case TokenExpiring, TokenExpired:
		s.queue.Dispatch(func() { s.renewToken(ctx, ev.Kind) })

	case Reconnecting:
		s.mu.Lock()
		if s.status.IsLoggedIn() {
			s.reconnecting = true
			s.setStatusLocked(StatusLoggingIn)
		}
		s.mu.Unlock()

	case Reconnected:
		s.mu.Lock()
		if !s.reconnecting || s.status == StatusOffline {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		s.reconnecting = false
		s.setStatusLocked(s.loggedInStatusLocked())
		steps := s.takeStepsLocked()
		s.mu.Unlock()
		if len(steps) > 0 {
			s.queue.Dispatch(func() {
				for _, step := range steps {
					step(nil)
				}
			})
		}

	case ConnectionAborted:
		s.mu.Lock()
		s.reconnecting = false
		s.channels = make(map[string]Channel)
		s.setStatusLocked(StatusOffline)
		steps := s.takeStepsLocked()
		s.mu.Unlock()
		metrics.JoinedChannels.Set(0)
		if len(steps) > 0 {
			err := fmt.Errorf("%w: connection aborted: %s", LoginErrorRejected, ev.Reason)
			s.queue.Dispatch(func() {
				for _, step := range steps {
					step(err)
				}
			})
		}
	}
}

func (s *Session) handleMessage(ev MessageEvent) {
	s.mu.RLock()
	self := s.identity.MessagingID
	sink := s.sink
	s.mu.RUnlock()

	if ev.From == self {
		return
	}

	ctx := s.eventContext()
	if ev.Channel != "" {
		ctx = logging.WithChannel(ctx, ev.Channel)
	}

	m, err := message.Decode(ev.Payload)
	if err != nil {
		metrics.MessagesReceived.WithLabelValues("unknown").Inc()
		level := logging.Warn
		if errors.Is(err, message.ErrUnknownMessage) {
			level = logging.Debug
		}
		level(ctx, "Dropping undecodable message", zap.String("from", ev.From), zap.Error(err))
		return
	}
	metrics.MessagesReceived.WithLabelValues(string(m.Kind())).Inc()

	switch msg := m.(type) {
	case message.PeerIdentity:
		sink.OnIdentity(ctx, msg, ev.From)
	case message.MuteRequest:
		sink.OnMuteRequest(ctx, msg, ev.From)
	case message.DataRequest:
		sink.OnDataRequest(ctx, msg, ev.From)
	default:
		logging.Warn(ctx, "Decoded message has no handler", zap.String("kind", string(m.Kind())))
	}
}

func (s *Session) handleMembership(ev MembershipEvent) {
	s.mu.RLock()
	self := s.identity.MessagingID
	sink := s.sink
	s.mu.RUnlock()

	if ev.Member == self {
		return
	}

	ctx := logging.WithChannel(s.eventContext(), ev.Channel)
	if ev.Joined {
		logging.Debug(ctx, "Channel member joined", zap.String("member", ev.Member))
		sink.OnMemberJoined(ctx, ev.Channel, ev.Member)
		return
	}
	logging.Debug(ctx, "Channel member left", zap.String("member", ev.Member))
	sink.OnMemberLeft(ctx, ev.Channel, ev.Member)
}
