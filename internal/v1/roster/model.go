package roster

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/dispatch"
	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

// Tile is one remote participant as shown in the call grid.
type Tile struct {
	ID                 types.RosterID
	MuteRequestCapable bool
	CameraEnabled      bool
	MicrophoneEnabled  bool
}

// Model is the in-memory call view model. Reads are safe from any goroutine;
// every mutation runs on the UI dispatcher.
type Model struct {
	ui     dispatch.Dispatcher
	engine Engine

	mu            sync.RWMutex
	channel       string
	local         types.RosterID
	tiles         map[types.RosterID]*Tile
	order         []types.RosterID // join order
	activeSpeaker types.RosterID
	localMuted    map[types.Device]bool
}

var (
	_ Roster         = (*Model)(nil)
	_ EngineObserver = (*Model)(nil)
)

// NewModel returns an empty model. engine may be nil, in which case local
// device changes only update the model.
func NewModel(ui dispatch.Dispatcher, engine Engine) *Model {
	if ui == nil {
		ui = dispatch.Inline{}
	}
	return &Model{
		ui:         ui,
		engine:     engine,
		tiles:      make(map[types.RosterID]*Tile),
		localMuted: make(map[types.Device]bool),
	}
}

func (m *Model) HasParticipant(id types.RosterID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tiles[id]
	return ok
}

func (m *Model) SetMuteRequestCapable(id types.RosterID, capable bool) {
	m.ui.Dispatch(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t, ok := m.tiles[id]; ok {
			t.MuteRequestCapable = capable
		}
	})
}

func (m *Model) LocalDeviceMuted(device types.Device) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localMuted[device]
}

// SetLocalDeviceMuted drives the engine and records the new state once the
// engine accepts it.
func (m *Model) SetLocalDeviceMuted(device types.Device, muted bool) {
	if !device.IsValid() {
		logging.Warn(context.Background(), "Ignoring local device change for unknown device", zap.Int("device", int(device)))
		return
	}
	m.ui.Dispatch(func() {
		if m.engine != nil {
			if err := m.engine.SetLocalDeviceEnabled(device, !muted); err != nil {
				logging.Error(context.Background(), "Engine rejected local device change",
					zap.Stringer("device", device), zap.Bool("muted", muted), zap.Error(err))
				return
			}
		}
		m.mu.Lock()
		m.localMuted[device] = muted
		m.mu.Unlock()
		logging.Info(context.Background(), "Local device state changed", zap.Stringer("device", device), zap.Bool("muted", muted))
	})
}

// --- engine callbacks ---

func (m *Model) OnCallJoined(channel string, uid types.RosterID) {
	m.ui.Dispatch(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.channel = channel
		m.local = uid
		m.resetLocked()
	})
}

func (m *Model) OnCallLeft(string) {
	m.ui.Dispatch(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.channel = ""
		m.local = 0
		m.resetLocked()
	})
}

func (m *Model) OnUserJoined(uid types.RosterID) {
	m.ui.Dispatch(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if uid == m.local || !uid.IsKnown() {
			return
		}
		if _, ok := m.tiles[uid]; ok {
			return
		}
		m.tiles[uid] = &Tile{ID: uid, CameraEnabled: true, MicrophoneEnabled: true}
		m.order = append(m.order, uid)
	})
}

func (m *Model) OnUserLeft(uid types.RosterID) {
	m.ui.Dispatch(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.tiles[uid]; !ok {
			return
		}
		delete(m.tiles, uid)
		for i, id := range m.order {
			if id == uid {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		if m.activeSpeaker == uid {
			m.activeSpeaker = 0
		}
	})
}

func (m *Model) OnActiveSpeaker(uid types.RosterID) {
	m.ui.Dispatch(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.activeSpeaker = uid
	})
}

func (m *Model) OnRemoteDeviceState(uid types.RosterID, device types.Device, enabled bool) {
	m.ui.Dispatch(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		t, ok := m.tiles[uid]
		if !ok {
			return
		}
		switch device {
		case types.DeviceCamera:
			t.CameraEnabled = enabled
		case types.DeviceMicrophone:
			t.MicrophoneEnabled = enabled
		}
	})
}

// --- reads ---

// Channel returns the current call name, empty when not in a call.
func (m *Model) Channel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channel
}

// LocalID returns the local roster id.
func (m *Model) LocalID() types.RosterID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local
}

func (m *Model) ActiveSpeaker() types.RosterID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSpeaker
}

// Tile returns a copy of one tile.
func (m *Model) Tile(id types.RosterID) (Tile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tiles[id]
	if !ok {
		return Tile{}, false
	}
	return *t, true
}

// Tiles returns copies of every tile in join order.
func (m *Model) Tiles() []Tile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tile, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.tiles[id])
	}
	return out
}

func (m *Model) resetLocked() {
	m.tiles = make(map[types.RosterID]*Tile)
	m.order = nil
	m.activeSpeaker = 0
}
