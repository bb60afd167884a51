package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/callkit/internal/v1/auth"
	"github.com/RoseWrightdev/callkit/internal/v1/messaging"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type recorder struct {
	mu         sync.Mutex
	conn       []messaging.ConnectionEvent
	messages   []messaging.MessageEvent
	membership []messaging.MembershipEvent
}

func (r *recorder) OnConnectionEvent(ev messaging.ConnectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = append(r.conn, ev)
}

func (r *recorder) OnMessage(ev messaging.MessageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, ev)
}

func (r *recorder) OnMembership(ev messaging.MembershipEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.membership = append(r.membership, ev)
}

func (r *recorder) Messages() []messaging.MessageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]messaging.MessageEvent(nil), r.messages...)
}

func (r *recorder) Membership() []messaging.MembershipEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]messaging.MembershipEvent(nil), r.membership...)
}

func (r *recorder) hasConn(kind messaging.ConnectionEventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.conn {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func newTestBackend(t *testing.T, mr *miniredis.Miniredis, opts Options) (*Backend, *recorder) {
	t.Helper()
	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	b := NewBackend(svc, opts)
	rec := &recorder{}
	b.SetEventHandler(rec)
	t.Cleanup(func() {
		_ = b.Close()
		_ = svc.Close()
	})
	return b, rec
}

func startRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

func joinNew(t *testing.T, b *Backend, name string) messaging.Channel {
	t.Helper()
	ch, err := b.CreateChannel(name)
	require.NoError(t, err)
	require.NoError(t, ch.Join(context.Background()))
	return ch
}

func TestBackend_PeerMessages(t *testing.T) {
	mr := startRedis(t)
	alice, _ := newTestBackend(t, mr, Options{})
	bob, bobEvents := newTestBackend(t, mr, Options{})
	ctx := context.Background()

	require.NoError(t, alice.Login(ctx, "", "alice"))
	require.NoError(t, bob.Login(ctx, "", "bob"))

	require.NoError(t, alice.SendToPeer(ctx, "bob", []byte(`{"hello":1}`)))
	require.Eventually(t, func() bool { return len(bobEvents.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	got := bobEvents.Messages()[0]
	assert.Equal(t, "alice", got.From)
	assert.Empty(t, got.Channel)
	assert.JSONEq(t, `{"hello":1}`, string(got.Payload))

	online, err := alice.svc.SetMembers(ctx, onlineKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, online)
}

func TestBackend_SendToPeerErrors(t *testing.T) {
	mr := startRedis(t)
	alice, _ := newTestBackend(t, mr, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, alice.SendToPeer(ctx, "bob", []byte(`{}`)), messaging.SendErrorNotLoggedIn)

	require.NoError(t, alice.Login(ctx, "", "alice"))
	assert.ErrorIs(t, alice.SendToPeer(ctx, "", []byte(`{}`)), messaging.SendErrorInvalidUserID)
	assert.ErrorIs(t, alice.SendToPeer(ctx, "bob", []byte(`nope`)), messaging.SendErrorInvalidMessage)
	assert.ErrorIs(t, alice.SendToPeer(ctx, "bob", []byte(`{}`)), messaging.SendErrorPeerUnreachable)
}

func TestBackend_ChannelLifecycle(t *testing.T) {
	mr := startRedis(t)
	alice, aliceEvents := newTestBackend(t, mr, Options{})
	bob, bobEvents := newTestBackend(t, mr, Options{})
	ctx := context.Background()

	require.NoError(t, alice.Login(ctx, "", "alice"))
	require.NoError(t, bob.Login(ctx, "", "bob"))

	joinNew(t, bob, "room1")
	aliceRoom := joinNew(t, alice, "room1")
	assert.Equal(t, "room1", aliceRoom.Name())

	require.Eventually(t, func() bool { return len(bobEvents.Membership()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, messaging.MembershipEvent{Channel: "room1", Member: "alice", Joined: true}, bobEvents.Membership()[0])

	members, err := aliceRoom.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	require.NoError(t, aliceRoom.Send(ctx, []byte(`{"type":"ping"}`)))
	require.Eventually(t, func() bool { return len(bobEvents.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := bobEvents.Messages()[0]
	assert.Equal(t, "room1", msg.Channel)
	assert.Equal(t, "alice", msg.From)

	// Own echoes are dropped.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, aliceEvents.Messages())

	require.NoError(t, aliceRoom.Leave(ctx))
	require.Eventually(t, func() bool { return len(bobEvents.Membership()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, messaging.MembershipEvent{Channel: "room1", Member: "alice", Joined: false}, bobEvents.Membership()[1])

	members, err = aliceRoom.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)

	// Leaving twice is harmless, sending after leave is not.
	assert.NoError(t, aliceRoom.Leave(ctx))
	assert.ErrorIs(t, aliceRoom.Send(ctx, []byte(`{}`)), messaging.ErrNotJoined)
}

func TestBackend_ChannelErrors(t *testing.T) {
	mr := startRedis(t)
	alice, _ := newTestBackend(t, mr, Options{})
	ctx := context.Background()

	_, err := alice.CreateChannel("")
	assert.ErrorIs(t, err, messaging.JoinErrorInvalidArgument)

	room, err := alice.CreateChannel("room1")
	require.NoError(t, err)
	again, err := alice.CreateChannel("room1")
	require.NoError(t, err)
	assert.Same(t, room, again)

	assert.ErrorIs(t, room.Join(ctx), messaging.JoinErrorNotLoggedIn)
	assert.ErrorIs(t, room.Send(ctx, []byte(`{}`)), messaging.SendErrorNotLoggedIn)

	require.NoError(t, alice.Login(ctx, "", "alice"))
	require.NoError(t, room.Join(ctx))
	assert.ErrorIs(t, room.Join(ctx), messaging.JoinErrorAlreadyJoined)
	assert.ErrorIs(t, room.Send(ctx, []byte(`bad`)), messaging.SendErrorInvalidMessage)
}

func TestBackend_LoginValidation(t *testing.T) {
	mr := startRedis(t)
	verifier, err := auth.NewVerifier(testSecret, "callkit")
	require.NoError(t, err)
	signer, err := auth.NewSigner(testSecret, "callkit", time.Hour)
	require.NoError(t, err)

	alice, _ := newTestBackend(t, mr, Options{Verifier: verifier})
	ctx := context.Background()

	assert.ErrorIs(t, alice.Login(ctx, "", ""), messaging.LoginErrorInvalidArgument)
	assert.ErrorIs(t, alice.Login(ctx, "garbage", "alice"), messaging.LoginErrorInvalidToken)

	bobToken, _, err := signer.IssueRTM("bob")
	require.NoError(t, err)
	assert.ErrorIs(t, alice.Login(ctx, bobToken, "alice"), messaging.LoginErrorNotAuthorized)

	token, _, err := signer.IssueRTM("alice")
	require.NoError(t, err)
	require.NoError(t, alice.Login(ctx, token, "alice"))
	assert.ErrorIs(t, alice.Login(ctx, token, "alice"), messaging.LoginErrorAlreadyLoggedIn)
}

func TestBackend_ExpiredTokenWithoutVerifier(t *testing.T) {
	mr := startRedis(t)
	alice, _ := newTestBackend(t, mr, Options{})

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.ServiceClaims{
		Kind: auth.KindRTM,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	assert.ErrorIs(t, alice.Login(context.Background(), expired, "alice"), messaging.LoginErrorTokenExpired)
}

func TestBackend_TokenExpiryEvents(t *testing.T) {
	mr := startRedis(t)
	signer, err := auth.NewSigner(testSecret, "callkit", 2*time.Second)
	require.NoError(t, err)
	alice, events := newTestBackend(t, mr, Options{RenewBefore: time.Second})
	ctx := context.Background()

	token, _, err := signer.IssueRTM("alice")
	require.NoError(t, err)
	require.NoError(t, alice.Login(ctx, token, "alice"))

	require.Eventually(t, func() bool { return events.hasConn(messaging.TokenExpiring) }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return events.hasConn(messaging.TokenExpired) }, 3*time.Second, 10*time.Millisecond)
}

func TestBackend_ShortTokenRenewsHalfway(t *testing.T) {
	mr := startRedis(t)
	signer, err := auth.NewSigner(testSecret, "callkit", 4*time.Second)
	require.NoError(t, err)
	alice, events := newTestBackend(t, mr, Options{RenewBefore: 10 * time.Second})
	ctx := context.Background()

	token, _, err := signer.IssueRTM("alice")
	require.NoError(t, err)
	require.NoError(t, alice.Login(ctx, token, "alice"))

	time.Sleep(500 * time.Millisecond)
	assert.False(t, events.hasConn(messaging.TokenExpiring), "renewal must not fire immediately when the ttl is below RenewBefore")
	require.Eventually(t, func() bool { return events.hasConn(messaging.TokenExpiring) }, 3*time.Second, 10*time.Millisecond)
}

func TestBackend_RenewTokenReschedules(t *testing.T) {
	mr := startRedis(t)
	signer, err := auth.NewSigner(testSecret, "callkit", time.Hour)
	require.NoError(t, err)
	alice, events := newTestBackend(t, mr, Options{RenewBefore: time.Second})
	ctx := context.Background()

	assert.ErrorIs(t, alice.RenewToken(ctx, "x"), messaging.LoginErrorRejected)

	token, _, err := signer.IssueRTM("alice")
	require.NoError(t, err)
	require.NoError(t, alice.Login(ctx, token, "alice"))

	fresh, _, err := signer.IssueRTM("alice")
	require.NoError(t, err)
	require.NoError(t, alice.RenewToken(ctx, fresh))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, events.hasConn(messaging.TokenExpiring))
}

func TestBackend_Logout(t *testing.T) {
	mr := startRedis(t)
	alice, _ := newTestBackend(t, mr, Options{})
	bob, _ := newTestBackend(t, mr, Options{})
	ctx := context.Background()

	require.NoError(t, alice.Login(ctx, "", "alice"))
	require.NoError(t, bob.Login(ctx, "", "bob"))
	room := joinNew(t, alice, "room1")

	require.NoError(t, alice.Logout(ctx))
	require.NoError(t, alice.Logout(ctx))

	online, err := bob.svc.SetMembers(ctx, onlineKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, online)

	members, err := room.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)

	assert.ErrorIs(t, bob.SendToPeer(ctx, "alice", []byte(`{}`)), messaging.SendErrorPeerUnreachable)

	// Logging back in works.
	require.NoError(t, alice.Login(ctx, "", "alice"))
}

func TestBackend_ReconnectEvents(t *testing.T) {
	mr := startRedis(t)
	alice, events := newTestBackend(t, mr, Options{HealthInterval: 20 * time.Millisecond, AbortAfter: time.Minute})
	ctx := context.Background()
	require.NoError(t, alice.Login(ctx, "", "alice"))

	mr.Close()
	require.Eventually(t, func() bool { return events.hasConn(messaging.Reconnecting) }, 2*time.Second, 10*time.Millisecond)

	mr.Del(onlineKey)
	require.NoError(t, mr.Restart())
	require.Eventually(t, func() bool { return events.hasConn(messaging.Reconnected) }, 5*time.Second, 10*time.Millisecond)

	// Presence is restored after the outage.
	require.Eventually(t, func() bool {
		online, err := mr.Members(onlineKey)
		return err == nil && len(online) == 1 && online[0] == "alice"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackend_AbortAfterLongOutage(t *testing.T) {
	mr := startRedis(t)
	alice, events := newTestBackend(t, mr, Options{HealthInterval: 10 * time.Millisecond, AbortAfter: 50 * time.Millisecond})
	require.NoError(t, alice.Login(context.Background(), "", "alice"))

	mr.Close()
	require.Eventually(t, func() bool { return events.hasConn(messaging.ConnectionAborted) }, 5*time.Second, 10*time.Millisecond)

	_, loggedIn := alice.currentUser()
	assert.False(t, loggedIn)
}

func TestBackend_BreakerOpenMapsToTimeout(t *testing.T) {
	mr := startRedis(t)
	alice, _ := newTestBackend(t, mr, Options{})
	ctx := context.Background()
	require.NoError(t, alice.Login(ctx, "", "alice"))

	mr.Close()
	for i := 0; i < 10; i++ {
		_ = alice.svc.SetAdd(ctx, onlineKey, "alice")
	}
	err := alice.SendToPeer(ctx, "bob", []byte(`{}`))
	assert.ErrorIs(t, err, messaging.SendErrorTimeout)
	assert.ErrorIs(t, err, ErrUnavailable)
}
