package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestNewService_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewService(addr, "")
	assert.Error(t, err)
}

func TestPublish(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	sub, err := svc.Subscribe(ctx, roomChannel("room-1"))
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	receivers, err := svc.Publish(ctx, roomChannel("room-1"), Envelope{
		Channel:  "room-1",
		Event:    EventMessage,
		Payload:  json.RawMessage(`{"foo":"bar"}`),
		SenderID: "sender-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), receivers)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rtm:channel:room-1", msg.Channel)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, "room-1", env.Channel)
	assert.Equal(t, EventMessage, env.Event)
	assert.Equal(t, "sender-1", env.SenderID)
	assert.JSONEq(t, `{"foo":"bar"}`, string(env.Payload))
}

func TestPublish_NoSubscribers(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	receivers, err := svc.Publish(context.Background(), peerChannel("nobody"), Envelope{Event: EventMessage, SenderID: "a"})
	require.NoError(t, err)
	assert.Zero(t, receivers)
}

func TestPublish_InvalidPayload(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	_, err := svc.Publish(context.Background(), peerChannel("x"), Envelope{Payload: json.RawMessage(`{not json`)})
	assert.Error(t, err)
}

func TestSetOperations(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := membersKey("room-1")

	require.NoError(t, svc.SetAdd(ctx, key, "user1"))
	require.NoError(t, svc.SetAdd(ctx, key, "user2"))

	members, err := svc.SetMembers(ctx, key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user1", "user2"}, members)

	require.NoError(t, svc.SetRem(ctx, key, "user1"))
	members, err = svc.SetMembers(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"user2"}, members)
}

func TestSetOperations_ErrorPaths(t *testing.T) {
	svc, mr := newTestService(t)
	defer func() { _ = svc.Close() }()
	mr.Close()

	ctx := context.Background()
	assert.Error(t, svc.SetAdd(ctx, "key", "member"))
	assert.Error(t, svc.SetRem(ctx, "key", "member"))
	_, err := svc.SetMembers(ctx, "key")
	assert.Error(t, err)
	_, err = svc.Subscribe(ctx, "chan")
	assert.Error(t, err)
}

func TestNilService_PingAndClose(t *testing.T) {
	var svc *Service
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Close())
	assert.Nil(t, svc.Client())
}

func TestCircuitBreakerOpen_ReturnsUnavailable(t *testing.T) {
	svc, mr := newTestService(t)
	defer func() { _ = svc.Close() }()
	mr.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _ = svc.Publish(ctx, roomChannel("room-1"), Envelope{Event: EventMessage, SenderID: "s"})
	}

	_, err := svc.Publish(ctx, roomChannel("room-1"), Envelope{Event: EventMessage, SenderID: "s"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, svc.SetAdd(ctx, onlineKey, "s"), ErrUnavailable)
	assert.ErrorIs(t, svc.Ping(ctx), ErrUnavailable)
}

func TestKeySchema(t *testing.T) {
	assert.Equal(t, "rtm:peer:abc", peerChannel("abc"))
	assert.Equal(t, "rtm:channel:room", roomChannel("room"))
	assert.Equal(t, "rtm:channel:room:members", membersKey("room"))
}
