package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/RoseWrightdev/callkit/internal/v1/auth"
	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/messaging"
)

// Options tune a Backend. Zero values pick the defaults.
type Options struct {
	// Verifier checks login tokens locally. Without one the token is only
	// read for its expiry.
	Verifier *auth.Verifier
	// RenewBefore is how long before expiry TokenExpiring fires. Default 30s.
	RenewBefore time.Duration
	// HealthInterval is the connectivity probe period. Default 5s.
	HealthInterval time.Duration
	// AbortAfter is how long Redis may stay unreachable before the
	// connection is abandoned. Default 2m.
	AbortAfter time.Duration
}

func (o *Options) applyDefaults() {
	if o.RenewBefore <= 0 {
		o.RenewBefore = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * time.Second
	}
	if o.AbortAfter <= 0 {
		o.AbortAfter = 2 * time.Minute
	}
}

// Backend is a messaging.Backend on Redis pub/sub. Peers are addressed on
// rtm:peer:{id}, channels on rtm:channel:{name} with a member set alongside.
type Backend struct {
	svc  *Service
	opts Options

	// op serializes Login, Logout and RenewToken.
	op sync.Mutex

	mu       sync.Mutex
	handler  messaging.EventHandler
	userID   string
	loggedIn bool
	peerSub  *redis.PubSub
	channels map[string]*Channel
	timers   []*time.Timer
	stop     chan struct{}

	wg sync.WaitGroup
}

var _ messaging.Backend = (*Backend)(nil)

// NewBackend returns a backend that talks through svc.
func NewBackend(svc *Service, opts Options) *Backend {
	opts.applyDefaults()
	return &Backend{
		svc:      svc,
		opts:     opts,
		handler:  messaging.NopEventHandler{},
		channels: make(map[string]*Channel),
	}
}

func (b *Backend) SetEventHandler(h messaging.EventHandler) {
	if h == nil {
		h = messaging.NopEventHandler{}
	}
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *Backend) eventHandler() messaging.EventHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

func (b *Backend) currentUser() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userID, b.loggedIn
}

// Login registers userID as online and starts listening for direct messages.
func (b *Backend) Login(ctx context.Context, token, userID string) error {
	if userID == "" {
		return messaging.LoginErrorInvalidArgument
	}
	b.op.Lock()
	defer b.op.Unlock()

	if _, ok := b.currentUser(); ok {
		return messaging.LoginErrorAlreadyLoggedIn
	}

	expires, err := b.expiryFor(ctx, token, userID)
	if err != nil {
		return err
	}

	if err := b.svc.SetAdd(ctx, onlineKey, userID); err != nil {
		return fmt.Errorf("%w: %w", loginCodeFor(err), err)
	}
	sub, err := b.svc.Subscribe(ctx, peerChannel(userID))
	if err != nil {
		_ = b.svc.SetRem(ctx, onlineKey, userID)
		return fmt.Errorf("%w: %w", loginCodeFor(err), err)
	}

	stop := make(chan struct{})
	b.mu.Lock()
	b.userID = userID
	b.loggedIn = true
	b.peerSub = sub
	b.stop = stop
	b.scheduleExpiryLocked(expires)
	b.mu.Unlock()

	b.listen(sub, "", userID)
	b.monitor(stop)

	logging.Info(ctx, "Logged in to messaging backend", zap.String("messaging_id", userID))
	return nil
}

// RenewToken swaps in a fresh token and reschedules expiry events.
func (b *Backend) RenewToken(ctx context.Context, token string) error {
	b.op.Lock()
	defer b.op.Unlock()

	userID, ok := b.currentUser()
	if !ok {
		return messaging.LoginErrorRejected
	}
	expires, err := b.expiryFor(ctx, token, userID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.scheduleExpiryLocked(expires)
	b.mu.Unlock()
	logging.Debug(ctx, "Messaging token renewed", zap.Time("expires", expires))
	return nil
}

// Logout leaves every joined channel, deregisters the user and stops all listeners.
func (b *Backend) Logout(ctx context.Context) error {
	b.op.Lock()
	defer b.op.Unlock()

	userID, ok := b.currentUser()
	if !ok {
		return nil
	}

	for _, ch := range b.joinedChannels() {
		if err := ch.Leave(ctx); err != nil {
			logging.Warn(ctx, "Leave during logout failed", zap.String("channel", ch.name), zap.Error(err))
		}
	}
	err := b.svc.SetRem(ctx, onlineKey, userID)

	b.teardown()
	b.wg.Wait()

	if err != nil {
		return fmt.Errorf("%w: %w", messaging.LoginErrorFailure, err)
	}
	logging.Info(ctx, "Logged out of messaging backend", zap.String("messaging_id", userID))
	return nil
}

// Close logs out with a bounded timeout. The Service stays open.
func (b *Backend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Logout(ctx)
}

// CreateChannel returns the channel named name, creating it on first use.
func (b *Backend) CreateChannel(name string) (messaging.Channel, error) {
	if name == "" {
		return nil, messaging.JoinErrorInvalidArgument
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[name]; ok {
		return ch, nil
	}
	ch := &Channel{b: b, name: name}
	b.channels[name] = ch
	return ch, nil
}

// SendToPeer publishes payload on the peer's direct channel. A peer with no
// live subscription is reported as unreachable.
func (b *Backend) SendToPeer(ctx context.Context, peerID string, payload []byte) error {
	userID, ok := b.currentUser()
	if !ok {
		return messaging.SendErrorNotLoggedIn
	}
	if peerID == "" {
		return messaging.SendErrorInvalidUserID
	}
	if !json.Valid(payload) {
		return messaging.SendErrorInvalidMessage
	}

	receivers, err := b.svc.Publish(ctx, peerChannel(peerID), Envelope{
		Event:    EventMessage,
		Payload:  payload,
		SenderID: userID,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", sendCodeFor(err), err)
	}
	if receivers == 0 {
		return messaging.SendErrorPeerUnreachable
	}
	return nil
}

func (b *Backend) joinedChannels() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Channel
	for _, ch := range b.channels {
		if ch.joined() {
			out = append(out, ch)
		}
	}
	return out
}

// expiryFor validates token for userID and returns when it expires. A zero
// time means the expiry is unknown.
func (b *Backend) expiryFor(ctx context.Context, token, userID string) (time.Time, error) {
	if b.opts.Verifier != nil {
		claims, err := b.opts.Verifier.VerifyRTM(token, userID)
		switch {
		case err == nil:
			return claims.ExpiresAt.Time, nil
		case errors.Is(err, jwt.ErrTokenExpired):
			return time.Time{}, fmt.Errorf("%w: %w", messaging.LoginErrorTokenExpired, err)
		case errors.Is(err, auth.ErrSubjectMismatch):
			return time.Time{}, fmt.Errorf("%w: %w", messaging.LoginErrorNotAuthorized, err)
		default:
			return time.Time{}, fmt.Errorf("%w: %w", messaging.LoginErrorInvalidToken, err)
		}
	}

	expires, err := auth.ExpiryOf(token)
	if err != nil {
		logging.Debug(ctx, "Token expiry unknown, renewal events disabled", zap.Error(err))
		return time.Time{}, nil
	}
	if !expires.After(time.Now()) {
		return time.Time{}, messaging.LoginErrorTokenExpired
	}
	return expires, nil
}

func (b *Backend) scheduleExpiryLocked(expires time.Time) {
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	if expires.IsZero() {
		return
	}

	remaining := time.Until(expires)
	// Short-lived tokens renew halfway through their lifetime.
	renewIn := remaining - b.opts.RenewBefore
	if renewIn <= 0 {
		renewIn = remaining / 2
	}
	b.timers = append(b.timers,
		time.AfterFunc(renewIn, func() {
			b.emit(messaging.ConnectionEvent{Kind: messaging.TokenExpiring})
		}),
		time.AfterFunc(remaining, func() {
			b.emit(messaging.ConnectionEvent{Kind: messaging.TokenExpired})
		}),
	)
}

func (b *Backend) emit(ev messaging.ConnectionEvent) {
	b.eventHandler().OnConnectionEvent(ev)
}

// listen delivers envelopes from sub until it is closed. channel is empty for
// the direct peer subscription.
func (b *Backend) listen(sub *redis.PubSub, channel, self string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range sub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logging.Warn(context.Background(), "Dropping malformed envelope",
					zap.String("redis_channel", msg.Channel), zap.Error(err))
				continue
			}
			if env.SenderID == self || env.SenderID == "" {
				continue
			}
			b.deliver(channel, env)
		}
	}()
}

func (b *Backend) deliver(channel string, env Envelope) {
	h := b.eventHandler()
	switch env.Event {
	case EventMessage:
		h.OnMessage(messaging.MessageEvent{Channel: channel, From: env.SenderID, Payload: []byte(env.Payload)})
	case EventMemberJoined, EventMemberLeft:
		if channel == "" {
			return
		}
		h.OnMembership(messaging.MembershipEvent{Channel: channel, Member: env.SenderID, Joined: env.Event == EventMemberJoined})
	default:
		logging.Debug(context.Background(), "Ignoring unknown envelope event", zap.String("event", env.Event))
	}
}

// monitor probes Redis until stop closes, raising Reconnecting, Reconnected
// and finally ConnectionAborted when the outage outlasts AbortAfter.
func (b *Backend) monitor(stop <-chan struct{}) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.opts.HealthInterval)
		defer ticker.Stop()

		var downSince time.Time
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			ctx, cancel := context.WithTimeout(context.Background(), b.opts.HealthInterval)
			err := b.svc.Client().Ping(ctx).Err()
			cancel()

			switch {
			case err == nil && !downSince.IsZero():
				downSince = time.Time{}
				b.reregister()
				logging.Info(context.Background(), "Messaging backend reconnected")
				b.emit(messaging.ConnectionEvent{Kind: messaging.Reconnected})
			case err != nil && downSince.IsZero():
				downSince = time.Now()
				logging.Warn(context.Background(), "Messaging backend unreachable, reconnecting", zap.Error(err))
				b.emit(messaging.ConnectionEvent{Kind: messaging.Reconnecting, Reason: err.Error()})
			case err != nil && time.Since(downSince) >= b.opts.AbortAfter:
				logging.Error(context.Background(), "Messaging backend lost, giving up", zap.Duration("down_for", time.Since(downSince)))
				b.teardown()
				b.emit(messaging.ConnectionEvent{Kind: messaging.ConnectionAborted, Reason: err.Error()})
				return
			}
		}
	}()
}

// reregister restores presence keys a restarted Redis may have lost.
// Subscriptions are restored by the client itself.
func (b *Backend) reregister() {
	userID, ok := b.currentUser()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.HealthInterval)
	defer cancel()
	if err := b.svc.SetAdd(ctx, onlineKey, userID); err != nil {
		logging.Warn(ctx, "Failed to restore online presence", zap.Error(err))
	}
	for _, ch := range b.joinedChannels() {
		if err := b.svc.SetAdd(ctx, membersKey(ch.name), userID); err != nil {
			logging.Warn(ctx, "Failed to restore channel membership", zap.String("channel", ch.name), zap.Error(err))
		}
	}
}

// teardown drops all local state without talking to Redis.
func (b *Backend) teardown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loggedIn {
		return
	}
	b.loggedIn = false
	b.scheduleExpiryLocked(time.Time{})
	close(b.stop)
	if b.peerSub != nil {
		_ = b.peerSub.Close()
		b.peerSub = nil
	}
	for _, ch := range b.channels {
		ch.closeSubscription()
	}
}

// Channel is a messaging.Channel on a Redis pub/sub channel.
type Channel struct {
	b    *Backend
	name string

	mu  sync.Mutex
	sub *redis.PubSub
}

var _ messaging.Channel = (*Channel)(nil)

func (c *Channel) Name() string { return c.name }

func (c *Channel) joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub != nil
}

// Join subscribes to the channel, records membership and announces it.
func (c *Channel) Join(ctx context.Context) error {
	userID, ok := c.b.currentUser()
	if !ok {
		return messaging.JoinErrorNotLoggedIn
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return messaging.JoinErrorAlreadyJoined
	}

	sub, err := c.b.svc.Subscribe(ctx, roomChannel(c.name))
	if err != nil {
		return fmt.Errorf("%w: %w", joinCodeFor(err), err)
	}
	if err := c.b.svc.SetAdd(ctx, membersKey(c.name), userID); err != nil {
		_ = sub.Close()
		return fmt.Errorf("%w: %w", joinCodeFor(err), err)
	}
	c.sub = sub
	c.b.listen(sub, c.name, userID)

	if _, err := c.b.svc.Publish(ctx, roomChannel(c.name), Envelope{
		Channel:  c.name,
		Event:    EventMemberJoined,
		SenderID: userID,
	}); err != nil {
		logging.Warn(ctx, "Failed to announce channel join", zap.String("channel", c.name), zap.Error(err))
	}
	return nil
}

// Leave announces departure and unsubscribes. Leaving a channel that was
// never joined is a no-op.
func (c *Channel) Leave(ctx context.Context) error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	defer sub.Close()

	userID, _ := c.b.currentUser()
	if _, err := c.b.svc.Publish(ctx, roomChannel(c.name), Envelope{
		Channel:  c.name,
		Event:    EventMemberLeft,
		SenderID: userID,
	}); err != nil {
		logging.Warn(ctx, "Failed to announce channel leave", zap.String("channel", c.name), zap.Error(err))
	}
	if err := c.b.svc.SetRem(ctx, membersKey(c.name), userID); err != nil {
		return fmt.Errorf("%w: %w", joinCodeFor(err), err)
	}
	return nil
}

func (c *Channel) Send(ctx context.Context, payload []byte) error {
	userID, ok := c.b.currentUser()
	if !ok {
		return messaging.SendErrorNotLoggedIn
	}
	if !c.joined() {
		return fmt.Errorf("%w: %w", messaging.SendErrorFailure, messaging.ErrNotJoined)
	}
	if !json.Valid(payload) {
		return messaging.SendErrorInvalidMessage
	}
	if _, err := c.b.svc.Publish(ctx, roomChannel(c.name), Envelope{
		Channel:  c.name,
		Event:    EventMessage,
		Payload:  payload,
		SenderID: userID,
	}); err != nil {
		return fmt.Errorf("%w: %w", sendCodeFor(err), err)
	}
	return nil
}

// Members returns the sorted member ids currently recorded for the channel.
func (c *Channel) Members(ctx context.Context) ([]string, error) {
	members, err := c.b.svc.SetMembers(ctx, membersKey(c.name))
	if err != nil {
		return nil, err
	}
	return set.New(members...).SortedList(), nil
}

func (c *Channel) closeSubscription() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		_ = c.sub.Close()
		c.sub = nil
	}
}

func timedOut(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func loginCodeFor(err error) messaging.LoginErrorCode {
	if timedOut(err) {
		return messaging.LoginErrorTimeout
	}
	return messaging.LoginErrorFailure
}

func joinCodeFor(err error) messaging.JoinErrorCode {
	if timedOut(err) {
		return messaging.JoinErrorTimeout
	}
	return messaging.JoinErrorFailure
}

func sendCodeFor(err error) messaging.SendErrorCode {
	if timedOut(err) {
		return messaging.SendErrorTimeout
	}
	return messaging.SendErrorFailure
}
