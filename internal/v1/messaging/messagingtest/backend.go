// Package messagingtest provides an in-memory messaging backend for tests.
package messagingtest

import (
	"context"
	"strconv"
	"sync"

	"github.com/RoseWrightdev/callkit/internal/v1/messaging"
)

// Sent is one payload handed to the backend. Exactly one of Channel and Peer is set.
type Sent struct {
	Channel string
	Peer    string
	Payload []byte
}

// Backend records every call and lets tests inject failures and events.
type Backend struct {
	mu sync.Mutex

	handler     messaging.EventHandler
	loginGate   chan struct{}
	joinGate    chan struct{}
	joinEntered chan struct{}

	LoginErr  error
	RenewErr  error
	SendErr   error
	JoinErr   map[string]error
	MembersOf map[string][]string

	logins   []string
	tokens   []string
	renewals []string
	joins    []string
	leaves   []string
	sent     []Sent
	logouts  int
}

var _ messaging.Backend = (*Backend)(nil)

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		handler:   messaging.NopEventHandler{},
		JoinErr:   make(map[string]error),
		MembersOf: make(map[string][]string),
	}
}

// HoldLogin makes Login block until the returned release func is called.
func (b *Backend) HoldLogin() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.loginGate = gate
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.loginGate = nil
			b.mu.Unlock()
			close(gate)
		})
	}
}

// HoldJoin makes channel joins block until release is called. entered
// receives a value each time a join reaches the gate.
func (b *Backend) HoldJoin() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{}, 8)
	b.mu.Lock()
	b.joinGate, b.joinEntered = gate, in
	b.mu.Unlock()
	var once sync.Once
	return in, func() {
		once.Do(func() {
			b.mu.Lock()
			b.joinGate, b.joinEntered = nil, nil
			b.mu.Unlock()
			close(gate)
		})
	}
}

func (b *Backend) Login(ctx context.Context, token, userID string) error {
	b.mu.Lock()
	gate := b.loginGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return messaging.LoginErrorTimeout
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.logins = append(b.logins, userID)
	b.tokens = append(b.tokens, token)
	return b.LoginErr
}

func (b *Backend) Logout(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logouts++
	return nil
}

func (b *Backend) RenewToken(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renewals = append(b.renewals, token)
	return b.RenewErr
}

func (b *Backend) CreateChannel(name string) (messaging.Channel, error) {
	if name == "" {
		return nil, messaging.JoinErrorInvalidArgument
	}
	return &channel{name: name, b: b}, nil
}

func (b *Backend) SendToPeer(_ context.Context, peerID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		return b.SendErr
	}
	b.sent = append(b.sent, Sent{Peer: peerID, Payload: payload})
	return nil
}

func (b *Backend) SetEventHandler(h messaging.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h == nil {
		h = messaging.NopEventHandler{}
	}
	b.handler = h
}

// EmitConnection delivers a connection event synchronously.
func (b *Backend) EmitConnection(kind messaging.ConnectionEventKind, reason string) {
	b.currentHandler().OnConnectionEvent(messaging.ConnectionEvent{Kind: kind, Reason: reason})
}

// EmitPeerMessage delivers a direct message synchronously.
func (b *Backend) EmitPeerMessage(from string, payload []byte) {
	b.currentHandler().OnMessage(messaging.MessageEvent{From: from, Payload: payload})
}

// EmitChannelMessage delivers a channel message synchronously.
func (b *Backend) EmitChannelMessage(channel, from string, payload []byte) {
	b.currentHandler().OnMessage(messaging.MessageEvent{Channel: channel, From: from, Payload: payload})
}

// EmitMembership delivers a membership change synchronously.
func (b *Backend) EmitMembership(channel, member string, joined bool) {
	b.currentHandler().OnMembership(messaging.MembershipEvent{Channel: channel, Member: member, Joined: joined})
}

func (b *Backend) Logins() []string   { return b.snapshot(&b.logins) }
func (b *Backend) Tokens() []string   { return b.snapshot(&b.tokens) }
func (b *Backend) Renewals() []string { return b.snapshot(&b.renewals) }
func (b *Backend) Joins() []string    { return b.snapshot(&b.joins) }
func (b *Backend) Leaves() []string   { return b.snapshot(&b.leaves) }

func (b *Backend) Logouts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logouts
}

// Sent returns every payload delivered so far.
func (b *Backend) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

func (b *Backend) currentHandler() messaging.EventHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

func (b *Backend) snapshot(s *[]string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), (*s)...)
}

type channel struct {
	name string
	b    *Backend
}

func (c *channel) Name() string { return c.name }

func (c *channel) Join(ctx context.Context) error {
	c.b.mu.Lock()
	gate, entered := c.b.joinGate, c.b.joinEntered
	c.b.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return messaging.JoinErrorTimeout
		}
	}

	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if err := c.b.JoinErr[c.name]; err != nil {
		return err
	}
	c.b.joins = append(c.b.joins, c.name)
	return nil
}

func (c *channel) Leave(context.Context) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.leaves = append(c.b.leaves, c.name)
	return nil
}

func (c *channel) Send(_ context.Context, payload []byte) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.b.SendErr != nil {
		return c.b.SendErr
	}
	c.b.sent = append(c.b.sent, Sent{Channel: c.name, Payload: payload})
	return nil
}

func (c *channel) Members(context.Context) ([]string, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return append([]string(nil), c.b.MembersOf[c.name]...), nil
}

// Initializing wraps a Backend with an Init step that can be held open.
type Initializing struct {
	*Backend
	InitErr error
	gate    chan struct{}
}

var _ messaging.Initializer = (*Initializing)(nil)

// NewInitializing returns a backend whose Init blocks until release is called.
func NewInitializing() (b *Initializing, release func()) {
	gate := make(chan struct{})
	var once sync.Once
	b = &Initializing{Backend: New(), gate: gate}
	return b, func() { once.Do(func() { close(gate) }) }
}

func (b *Initializing) Init(ctx context.Context) error {
	select {
	case <-b.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.InitErr
}

// StaticTokens hands out "token-1", "token-2", ... and records requests.
type StaticTokens struct {
	mu    sync.Mutex
	Err   error
	calls []string
}

func (t *StaticTokens) FetchRTMToken(_ context.Context, userID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return "", t.Err
	}
	t.calls = append(t.calls, userID)
	return "token-" + strconv.Itoa(len(t.calls)), nil
}

// Calls returns the user ids tokens were requested for.
func (t *StaticTokens) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}
