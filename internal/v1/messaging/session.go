// Package messaging owns the login lifecycle and channel membership against a
// messaging backend, and turns raw backend payloads into typed messages.
//
// Every backend operation runs on the session's serial queue, so operations
// reach the backend in the order they were requested. Requests that arrive
// while a login is in flight are parked in afterLoginSteps and replayed, in
// order and exactly once, when the login settles.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/dispatch"
	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/message"
	"github.com/RoseWrightdev/callkit/internal/v1/metrics"
)

const defaultOperationTimeout = 15 * time.Second

var tracer = otel.Tracer("github.com/RoseWrightdev/callkit/internal/v1/messaging")

// TokenSource fetches messaging tokens for a user.
type TokenSource interface {
	FetchRTMToken(ctx context.Context, userID string) (string, error)
}

// MessageSink receives decoded messages and membership changes.
// Calls arrive on backend goroutines.
type MessageSink interface {
	OnIdentity(ctx context.Context, identity message.PeerIdentity, from string)
	OnMuteRequest(ctx context.Context, req message.MuteRequest, from string)
	OnDataRequest(ctx context.Context, req message.DataRequest, from string)
	OnMemberJoined(ctx context.Context, channel, member string)
	OnMemberLeft(ctx context.Context, channel, member string)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) OnIdentity(context.Context, message.PeerIdentity, string)   {}
func (NopSink) OnMuteRequest(context.Context, message.MuteRequest, string) {}
func (NopSink) OnDataRequest(context.Context, message.DataRequest, string) {}
func (NopSink) OnMemberJoined(context.Context, string, string)             {}
func (NopSink) OnMemberLeft(context.Context, string, string)               {}

// Options configures a Session.
type Options struct {
	// Identity is the local peer. MessagingID is required.
	Identity message.PeerIdentity
	// Tokens is consulted before every login and token renewal. Nil logs in with an empty token.
	Tokens TokenSource
	Sink   MessageSink
	// SkipAnnounce disables the identity broadcast after a channel join.
	SkipAnnounce bool
	// OperationTimeout bounds each backend call. Defaults to 15s.
	OperationTimeout time.Duration
}

// JoinCallback reports the outcome of JoinChannel.
type JoinCallback func(name string, ch Channel, err error)

// Session is one messaging login, owned by one call.
type Session struct {
	backend  Backend
	tokens   TokenSource
	announce bool
	timeout  time.Duration
	queue    *dispatch.Queue

	mu              sync.RWMutex
	status          Status
	lastFailure     LoginErrorCode
	reconnecting    bool
	closed          bool
	identity        message.PeerIdentity
	sink            MessageSink
	afterLoginSteps []func(error)
	channels        map[string]Channel
	pendingJoins    map[string][]pendingJoin
	// leaveGen counts LeaveChannel calls per name. A join whose generation
	// is behind was cancelled by a later leave.
	leaveGen map[string]uint64
}

type pendingJoin struct {
	cb  JoinCallback
	gen uint64
}

// NewSession validates its inputs and constructs a session. When validation
// fails the returned session is in StatusInitFailed and every operation
// reports ErrNotInitialized.
func NewSession(backend Backend, opts Options) (*Session, error) {
	s := &Session{
		backend:      backend,
		tokens:       opts.Tokens,
		announce:     !opts.SkipAnnounce,
		timeout:      opts.OperationTimeout,
		identity:     opts.Identity,
		sink:         opts.Sink,
		channels:     make(map[string]Channel),
		pendingJoins: make(map[string][]pendingJoin),
		leaveGen:     make(map[string]uint64),
	}
	if s.timeout <= 0 {
		s.timeout = defaultOperationTimeout
	}
	if s.sink == nil {
		s.sink = NopSink{}
	}

	var problems []error
	if backend == nil {
		problems = append(problems, errors.New("backend is required"))
	}
	if opts.Identity.MessagingID == "" {
		problems = append(problems, errors.New("local identity needs a messaging id"))
	}
	if len(problems) > 0 {
		s.setStatusLocked(StatusInitFailed)
		err := fmt.Errorf("%w: %w", ErrNotInitialized, errors.Join(problems...))
		logging.Error(context.Background(), "Messaging session construction failed", zap.Error(err))
		return s, err
	}

	s.queue = dispatch.NewQueue("messaging:" + opts.Identity.MessagingID)
	backend.SetEventHandler(eventAdapter{s})

	if init, ok := backend.(Initializer); ok {
		s.setStatusLocked(StatusInitializing)
		s.queue.Dispatch(func() { s.performInit(init) })
	} else {
		s.setStatusLocked(StatusOffline)
	}
	return s, nil
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastLoginFailure returns the reason of the most recent failed login.
func (s *Session) LastLoginFailure() (LoginErrorCode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFailure, s.lastFailure != 0
}

// Identity returns a copy of the local identity.
func (s *Session) Identity() message.PeerIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// SetSink replaces the message sink.
func (s *Session) SetSink(sink MessageSink) {
	if sink == nil {
		sink = NopSink{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Channels returns the names of joined channels, sorted.
func (s *Session) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Channel returns the handle of a joined channel.
func (s *Session) Channel(name string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[name]
	return ch, ok
}

// Login logs into the backend. Calls made while a login is already in flight
// are queued behind it; calls made while logged in complete immediately.
func (s *Session) Login(ctx context.Context, done func(error)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		complete(done, ErrClosed)
		return
	}
	switch s.status {
	case StatusInitFailed:
		s.mu.Unlock()
		complete(done, ErrNotInitialized)
		return
	case StatusLoggedIn, StatusConnected:
		s.mu.Unlock()
		logging.Debug(ctx, "Login skipped, already logged in")
		complete(done, nil)
		return
	case StatusLoggingIn, StatusInitializing:
		s.enqueueStepLocked(done)
		s.mu.Unlock()
		return
	}

	s.enqueueStepLocked(done)
	s.setStatusLocked(StatusLoggingIn)
	s.mu.Unlock()

	s.queue.Dispatch(func() { s.performLogin(ctx) })
}

// JoinChannel joins name, logging in first when needed. The callback receives
// the channel handle on success. A LeaveChannel for name made before the join
// completes cancels it with ErrJoinCancelled.
func (s *Session) JoinChannel(ctx context.Context, name string, cb JoinCallback) {
	s.mu.RLock()
	gen := s.leaveGen[name]
	s.mu.RUnlock()
	s.joinChannel(logging.WithChannel(ctx, name), name, gen, cb)
}

func (s *Session) joinChannel(ctx context.Context, name string, gen uint64, cb JoinCallback) {
	if cb == nil {
		cb = func(string, Channel, error) {}
	}
	if name == "" {
		cb(name, nil, JoinErrorInvalidArgument)
		return
	}

	retry := func(err error) {
		if err != nil {
			cb(name, nil, err)
			return
		}
		s.joinChannel(ctx, name, gen, cb)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cb(name, nil, ErrClosed)
		return
	}
	if s.leaveGen[name] != gen {
		s.mu.Unlock()
		logging.Debug(ctx, "Channel join cancelled by a later leave")
		cb(name, nil, ErrJoinCancelled)
		return
	}
	switch s.status {
	case StatusInitFailed:
		s.mu.Unlock()
		cb(name, nil, ErrNotInitialized)
		return
	case StatusLoginFailed:
		err := fmt.Errorf("%w: %w", ErrLoginFailed, s.lastFailure)
		s.mu.Unlock()
		logging.Warn(ctx, "Channel join refused, login previously failed", zap.Error(err))
		cb(name, nil, err)
		return
	case StatusOffline:
		s.mu.Unlock()
		logging.Debug(ctx, "Channel join requested while offline, logging in first")
		s.Login(ctx, retry)
		return
	case StatusLoggingIn, StatusInitializing:
		s.enqueueStepLocked(retry)
		s.mu.Unlock()
		logging.Debug(ctx, "Channel join deferred until login completes")
		return
	}

	if ch, ok := s.channels[name]; ok {
		s.mu.Unlock()
		cb(name, ch, nil)
		return
	}
	waiter := pendingJoin{cb: cb, gen: gen}
	if waiters, ok := s.pendingJoins[name]; ok {
		s.pendingJoins[name] = append(waiters, waiter)
		s.mu.Unlock()
		return
	}
	s.pendingJoins[name] = []pendingJoin{waiter}
	s.mu.Unlock()

	s.queue.Dispatch(func() { s.performJoin(ctx, name) })
}

// LeaveChannel leaves name, or cancels a join of name that has not completed.
// Failures are logged only.
func (s *Session) LeaveChannel(ctx context.Context, name string) {
	ctx = logging.WithChannel(ctx, name)

	s.mu.Lock()
	s.leaveGen[name]++
	_, joining := s.pendingJoins[name]
	joining = joining || s.status == StatusLoggingIn || s.status == StatusInitializing
	ch, ok := s.channels[name]
	if ok {
		delete(s.channels, name)
		if s.status == StatusConnected && len(s.channels) == 0 {
			s.setStatusLocked(StatusLoggedIn)
		}
		metrics.JoinedChannels.Set(float64(len(s.channels)))
	}
	closed := s.closed
	s.mu.Unlock()

	if !ok {
		if joining {
			logging.Debug(ctx, "Leave requested before the join completed, join cancelled")
		} else {
			logging.Warn(ctx, "Leave requested for a channel that is not joined")
		}
		return
	}
	if closed {
		return
	}

	s.queue.Dispatch(func() {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := ch.Leave(opCtx); err != nil {
			logging.Error(ctx, "Failed to leave channel", zap.Error(err))
			return
		}
		logging.Info(ctx, "Left channel")
	})
}

// Logout leaves every channel and logs out of the backend.
func (s *Session) Logout(ctx context.Context, done func(error)) {
	s.mu.RLock()
	closed, initFailed := s.closed, s.status == StatusInitFailed
	s.mu.RUnlock()
	if closed {
		complete(done, ErrClosed)
		return
	}
	if initFailed {
		complete(done, ErrNotInitialized)
		return
	}

	s.queue.Dispatch(func() {
		s.mu.Lock()
		// A reconnecting backend still holds the login.
		wasLoggedIn := s.status.IsLoggedIn() || s.reconnecting
		var parked []func(error)
		if s.reconnecting {
			parked = s.takeStepsLocked()
		}
		s.reconnecting = false
		channels := s.channels
		s.channels = make(map[string]Channel)
		s.setStatusLocked(StatusOffline)
		metrics.JoinedChannels.Set(0)
		s.mu.Unlock()

		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		for name, ch := range channels {
			if err := ch.Leave(opCtx); err != nil {
				logging.Warn(logging.WithChannel(ctx, name), "Failed to leave channel during logout", zap.Error(err))
			}
		}
		var err error
		if wasLoggedIn {
			err = s.backend.Logout(opCtx)
			if err != nil {
				logging.Error(ctx, "Messaging logout failed", zap.Error(err))
			} else {
				logging.Info(ctx, "Logged out of messaging")
			}
		}
		for _, step := range parked {
			step(fmt.Errorf("%w: logged out", LoginErrorRejected))
		}
		complete(done, err)
	})
}

// SendToChannel sends m to every member of a joined channel.
func (s *Session) SendToChannel(ctx context.Context, name string, m message.Message, done func(error)) {
	ctx = logging.WithChannel(ctx, name)
	payload, err := s.prepareSend(ctx, m)
	if err != nil {
		complete(done, err)
		return
	}
	ch, ok := s.Channel(name)
	if !ok {
		logging.Warn(ctx, "Send to a channel that is not joined")
		complete(done, fmt.Errorf("%w: %s", ErrNotJoined, name))
		return
	}
	s.queue.Dispatch(func() {
		complete(done, s.sendOnChannel(ctx, ch, m.Kind(), payload))
	})
}

// SendToPeer sends m directly to one peer.
func (s *Session) SendToPeer(ctx context.Context, peerID string, m message.Message, done func(error)) {
	payload, err := s.prepareSend(ctx, m)
	if err != nil {
		complete(done, err)
		return
	}
	if peerID == "" {
		complete(done, SendErrorInvalidUserID)
		return
	}
	s.queue.Dispatch(func() {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		err := s.backend.SendToPeer(opCtx, peerID, payload)
		metrics.MessagesSent.WithLabelValues(string(m.Kind()), "peer", metrics.SendStatus(err)).Inc()
		if err != nil {
			logging.Warn(ctx, "Peer message not delivered", zap.String("peer", peerID), zap.String("kind", string(m.Kind())), zap.Error(err))
		} else {
			logging.Debug(ctx, "Peer message delivered", zap.String("peer", peerID), zap.String("kind", string(m.Kind())))
		}
		complete(done, err)
	})
}

// SendIdentity sends the local identity to one peer.
func (s *Session) SendIdentity(ctx context.Context, peerID string) {
	s.SendToPeer(ctx, peerID, s.Identity(), nil)
}

// BroadcastIdentity sends the local identity to every joined channel.
func (s *Session) BroadcastIdentity(ctx context.Context) {
	identity := s.Identity()
	for _, name := range s.Channels() {
		s.SendToChannel(ctx, name, identity, nil)
	}
}

// UpdateIdentity mutates the local identity and re-broadcasts it.
func (s *Session) UpdateIdentity(ctx context.Context, update func(id *message.PeerIdentity)) {
	s.mu.Lock()
	messagingID := s.identity.MessagingID
	update(&s.identity)
	// The messaging id is fixed for the lifetime of the login.
	s.identity.MessagingID = messagingID
	s.mu.Unlock()
	s.BroadcastIdentity(ctx)
}

// Flush blocks until every operation queued before the call has run.
func (s *Session) Flush() {
	if s.queue != nil {
		s.queue.Flush()
	}
}

// Close stops the session queue after pending operations drain and detaches
// from the backend. It does not log out. It must not be called from a session callback.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.queue == nil {
		return
	}
	s.backend.SetEventHandler(NopEventHandler{})
	s.queue.Close()
}

// --- queue operations ---

func (s *Session) performInit(init Initializer) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	err := init.Init(ctx)

	s.mu.Lock()
	if err != nil {
		s.setStatusLocked(StatusInitFailed)
		steps := s.takeStepsLocked()
		s.mu.Unlock()
		logging.Error(ctx, "Messaging backend initialization failed", zap.Error(err))
		for _, step := range steps {
			step(fmt.Errorf("%w: %w", ErrNotInitialized, err))
		}
		return
	}

	// Work queued during initialization starts the login.
	if len(s.afterLoginSteps) > 0 {
		s.setStatusLocked(StatusLoggingIn)
		s.mu.Unlock()
		s.performLogin(context.Background())
		return
	}
	s.setStatusLocked(StatusOffline)
	s.mu.Unlock()
}

func (s *Session) performLogin(ctx context.Context) {
	userID := s.Identity().MessagingID
	ctx = logging.WithMessagingID(ctx, userID)
	ctx, span := tracer.Start(ctx, "messaging.login")
	defer span.End()

	token := ""
	if s.tokens != nil {
		tokenCtx, cancel := context.WithTimeout(ctx, s.timeout)
		t, err := s.tokens.FetchRTMToken(tokenCtx, userID)
		cancel()
		if err != nil {
			span.RecordError(err)
			s.finishLogin(ctx, fmt.Errorf("%w: fetch token: %w", LoginErrorFailure, err))
			return
		}
		token = t
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.backend.Login(opCtx, token, userID)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.finishLogin(ctx, err)
}

func (s *Session) finishLogin(ctx context.Context, err error) {
	s.mu.Lock()
	steps := s.takeStepsLocked()
	if err != nil {
		s.lastFailure = loginCode(err)
		s.setStatusLocked(StatusLoginFailed)
	} else {
		s.lastFailure = 0
		s.setStatusLocked(s.loggedInStatusLocked())
	}
	s.mu.Unlock()

	metrics.LoginAttempts.WithLabelValues(metrics.SendStatus(err)).Inc()
	if err != nil {
		logging.Error(ctx, "Messaging login failed", zap.Error(err), zap.Int("code", int(loginCode(err))))
	} else {
		logging.Info(ctx, "Logged into messaging", zap.Int("queued_steps", len(steps)))
	}

	for _, step := range steps {
		step(err)
	}
}

func (s *Session) performJoin(ctx context.Context, name string) {
	ctx, span := tracer.Start(ctx, "messaging.join")
	span.SetAttributes(attribute.String("channel", name))
	defer span.End()

	if !s.Status().IsLoggedIn() {
		s.finishJoin(ctx, name, nil, JoinErrorNotLoggedIn)
		return
	}
	s.mu.RLock()
	wanted := s.wantedLocked(name)
	s.mu.RUnlock()
	if !wanted {
		s.finishJoin(ctx, name, nil, ErrJoinCancelled)
		return
	}

	ch, err := s.backend.CreateChannel(name)
	if err != nil {
		span.RecordError(err)
		s.finishJoin(ctx, name, nil, fmt.Errorf("create channel: %w", err))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err = ch.Join(opCtx)
	cancel()
	if err != nil {
		span.RecordError(err)
		s.finishJoin(ctx, name, nil, err)
		return
	}

	s.mu.Lock()
	loggedIn, wanted := s.status.IsLoggedIn(), s.wantedLocked(name)
	if loggedIn && wanted {
		s.channels[name] = ch
		s.setStatusLocked(StatusConnected)
		metrics.JoinedChannels.Set(float64(len(s.channels)))
	}
	identity := s.identity
	s.mu.Unlock()

	if !loggedIn || !wanted {
		// Logged out, aborted or left while the join was in flight.
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		if err := ch.Leave(opCtx); err != nil {
			logging.Warn(ctx, "Failed to leave abandoned channel", zap.Error(err))
		}
		cancel()
		err := ErrJoinCancelled
		if !loggedIn {
			err = JoinErrorNotLoggedIn
		}
		s.finishJoin(ctx, name, nil, err)
		return
	}

	logging.Info(ctx, "Joined channel")

	if s.announce {
		if payload, err := message.Encode(identity); err != nil {
			logging.Error(ctx, "Failed to encode local identity", zap.Error(err))
		} else if err := s.sendOnChannel(ctx, ch, message.KindUserData, payload); err != nil {
			logging.Warn(ctx, "Identity broadcast after join failed", zap.Error(err))
		}
	}

	s.finishJoin(ctx, name, ch, nil)
}

func (s *Session) finishJoin(ctx context.Context, name string, ch Channel, err error) {
	s.mu.Lock()
	waiters := s.pendingJoins[name]
	delete(s.pendingJoins, name)
	gen := s.leaveGen[name]
	s.mu.Unlock()

	switch {
	case errors.Is(err, ErrJoinCancelled):
		logging.Debug(ctx, "Channel join cancelled by a later leave")
	case err != nil:
		logging.Error(ctx, "Failed to join channel", zap.Error(err))
	}
	for _, w := range waiters {
		if err == nil && w.gen != gen {
			w.cb(name, nil, ErrJoinCancelled)
			continue
		}
		w.cb(name, ch, err)
	}
}

// wantedLocked reports whether any waiter for name survives the leaves made since it asked.
func (s *Session) wantedLocked(name string) bool {
	gen := s.leaveGen[name]
	for _, w := range s.pendingJoins[name] {
		if w.gen == gen {
			return true
		}
	}
	return false
}

func (s *Session) sendOnChannel(ctx context.Context, ch Channel, kind message.Kind, payload []byte) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := ch.Send(opCtx, payload)
	metrics.MessagesSent.WithLabelValues(string(kind), "channel", metrics.SendStatus(err)).Inc()
	if err != nil {
		logging.Warn(ctx, "Channel message not delivered", zap.String("kind", string(kind)), zap.Error(err))
	}
	return err
}

func (s *Session) renewToken(ctx context.Context, kind ConnectionEventKind) {
	if !s.Status().IsLoggedIn() {
		logging.Debug(ctx, "Ignoring token event while not logged in", zap.Stringer("event", kind))
		return
	}
	if s.tokens == nil {
		logging.Warn(ctx, "Token renewal requested but no token source is configured", zap.Stringer("event", kind))
		return
	}

	userID := s.Identity().MessagingID
	tokenCtx, cancel := context.WithTimeout(ctx, s.timeout)
	token, err := s.tokens.FetchRTMToken(tokenCtx, userID)
	cancel()
	if err != nil {
		logging.Error(ctx, "Failed to fetch renewal token", zap.Stringer("event", kind), zap.Error(err))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.backend.RenewToken(opCtx, token); err != nil {
		logging.Error(ctx, "Token renewal rejected", zap.Stringer("event", kind), zap.Error(err))
		return
	}
	logging.Info(ctx, "Messaging token renewed", zap.Stringer("event", kind))
}

// --- helpers ---

func (s *Session) prepareSend(ctx context.Context, m message.Message) ([]byte, error) {
	payload, err := message.Encode(m)
	if err != nil {
		logging.Warn(ctx, "Refusing to send invalid message", zap.Error(err))
		return nil, err
	}

	s.mu.RLock()
	status, closed := s.status, s.closed
	s.mu.RUnlock()
	switch {
	case closed:
		return nil, ErrClosed
	case status == StatusInitFailed:
		return nil, SendErrorNotInitialized
	case !status.IsLoggedIn():
		logging.Warn(ctx, "Send attempted while not logged in", zap.Stringer("status", status))
		return nil, SendErrorNotLoggedIn
	}
	return payload, nil
}

func (s *Session) enqueueStepLocked(step func(error)) {
	if step != nil {
		s.afterLoginSteps = append(s.afterLoginSteps, step)
	}
}

func (s *Session) takeStepsLocked() []func(error) {
	steps := s.afterLoginSteps
	s.afterLoginSteps = nil
	return steps
}

func (s *Session) loggedInStatusLocked() Status {
	if len(s.channels) > 0 {
		return StatusConnected
	}
	return StatusLoggedIn
}

func (s *Session) setStatusLocked(status Status) {
	s.status = status
	metrics.MessagingStatus.Set(float64(status))
}

func complete(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
