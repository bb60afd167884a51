package messaging

import "context"

// Backend is the messaging network the session logs into. Implementations
// report failures with LoginErrorCode, JoinErrorCode or SendErrorCode values
// and deliver events to the handler on goroutines they own.
type Backend interface {
	Login(ctx context.Context, token, userID string) error
	Logout(ctx context.Context) error
	RenewToken(ctx context.Context, token string) error
	CreateChannel(name string) (Channel, error)
	SendToPeer(ctx context.Context, peerID string, payload []byte) error
	SetEventHandler(h EventHandler)
}

// Initializer is implemented by backends that need a setup step before login.
type Initializer interface {
	Init(ctx context.Context) error
}

// Channel is a named group the session has created on the backend.
type Channel interface {
	Name() string
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	Members(ctx context.Context) ([]string, error)
}

// ConnectionEventKind enumerates connection lifecycle events.
type ConnectionEventKind int

const (
	TokenExpiring ConnectionEventKind = iota + 1
	TokenExpired
	Reconnecting
	Reconnected
	ConnectionAborted
)

func (k ConnectionEventKind) String() string {
	switch k {
	case TokenExpiring:
		return "tokenExpiring"
	case TokenExpired:
		return "tokenExpired"
	case Reconnecting:
		return "reconnecting"
	case Reconnected:
		return "reconnected"
	case ConnectionAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ConnectionEvent reports a change in the backend connection.
type ConnectionEvent struct {
	Kind   ConnectionEventKind
	Reason string
}

// MessageEvent carries an opaque payload from a peer, either directly or via a channel.
// Channel is empty for peer-to-peer messages.
type MessageEvent struct {
	Channel string
	From    string
	Payload []byte
}

// MembershipEvent reports a member joining or leaving a channel.
type MembershipEvent struct {
	Channel string
	Member  string
	Joined  bool
}

// EventHandler receives backend callbacks, grouped by category.
type EventHandler interface {
	OnConnectionEvent(ev ConnectionEvent)
	OnMessage(ev MessageEvent)
	OnMembership(ev MembershipEvent)
}

// NopEventHandler ignores every event. Embed it to implement a subset.
type NopEventHandler struct{}

func (NopEventHandler) OnConnectionEvent(ConnectionEvent) {}
func (NopEventHandler) OnMessage(MessageEvent)            {}
func (NopEventHandler) OnMembership(MembershipEvent)      {}
