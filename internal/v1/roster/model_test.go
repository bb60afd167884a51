package roster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/callkit/internal/v1/dispatch"
	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

type fakeEngine struct {
	err     error
	enabled map[types.Device]bool
}

func (e *fakeEngine) JoinCall(context.Context, string, types.RosterID, string) error { return nil }
func (e *fakeEngine) LeaveCall(context.Context) error                                { return nil }
func (e *fakeEngine) SetLocalDeviceEnabled(device types.Device, enabled bool) error {
	if e.err != nil {
		return e.err
	}
	if e.enabled == nil {
		e.enabled = make(map[types.Device]bool)
	}
	e.enabled[device] = enabled
	return nil
}

func TestModel_Tiles(t *testing.T) {
	m := NewModel(dispatch.Inline{}, nil)
	m.OnCallJoined("room1", 1)
	m.OnUserJoined(1) // local, ignored
	m.OnUserJoined(7)
	m.OnUserJoined(9)
	m.OnUserJoined(7)
	m.OnUserJoined(0)

	assert.Equal(t, "room1", m.Channel())
	assert.Equal(t, types.RosterID(1), m.LocalID())
	assert.True(t, m.HasParticipant(7))
	assert.False(t, m.HasParticipant(1))

	tiles := m.Tiles()
	require.Len(t, tiles, 2)
	assert.Equal(t, types.RosterID(7), tiles[0].ID)
	assert.Equal(t, types.RosterID(9), tiles[1].ID)

	m.OnActiveSpeaker(9)
	m.OnRemoteDeviceState(7, types.DeviceCamera, false)
	m.SetMuteRequestCapable(7, true)
	m.SetMuteRequestCapable(8, true) // no tile

	tile, ok := m.Tile(7)
	require.True(t, ok)
	assert.False(t, tile.CameraEnabled)
	assert.True(t, tile.MicrophoneEnabled)
	assert.True(t, tile.MuteRequestCapable)
	assert.Equal(t, types.RosterID(9), m.ActiveSpeaker())

	m.OnUserLeft(9)
	assert.Equal(t, types.RosterID(0), m.ActiveSpeaker())
	assert.Len(t, m.Tiles(), 1)

	m.OnCallLeft("room1")
	assert.Empty(t, m.Tiles())
	assert.Equal(t, "", m.Channel())
}

func TestModel_LocalDevices(t *testing.T) {
	engine := &fakeEngine{}
	m := NewModel(dispatch.Inline{}, engine)

	assert.False(t, m.LocalDeviceMuted(types.DeviceMicrophone))
	m.SetLocalDeviceMuted(types.DeviceMicrophone, true)
	assert.True(t, m.LocalDeviceMuted(types.DeviceMicrophone))
	assert.False(t, engine.enabled[types.DeviceMicrophone])

	engine.err = errors.New("device busy")
	m.SetLocalDeviceMuted(types.DeviceMicrophone, false)
	assert.True(t, m.LocalDeviceMuted(types.DeviceMicrophone), "state follows the engine")

	m.SetLocalDeviceMuted(types.Device(5), true)
	assert.False(t, m.LocalDeviceMuted(types.Device(5)))
}

func TestModel_MutationsRunOnDispatcher(t *testing.T) {
	q := dispatch.NewQueue("ui")
	defer q.Close()
	m := NewModel(q, nil)

	m.OnCallJoined("room1", 1)
	m.OnUserJoined(7)
	m.SetMuteRequestCapable(7, true)
	q.Flush()

	tile, ok := m.Tile(7)
	require.True(t, ok)
	assert.True(t, tile.MuteRequestCapable)
}
