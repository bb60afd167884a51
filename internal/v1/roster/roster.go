// Package roster holds the call participant view model and the interfaces the
// presence and mute layers use to reach it and the RTC engine.
package roster

import (
	"context"

	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

// Roster is what presence and mute negotiation need from the call UI.
type Roster interface {
	HasParticipant(id types.RosterID) bool
	SetMuteRequestCapable(id types.RosterID, capable bool)
	LocalDeviceMuted(device types.Device) bool
	SetLocalDeviceMuted(device types.Device, muted bool)
}

// Engine is the RTC media engine.
type Engine interface {
	JoinCall(ctx context.Context, channel string, uid types.RosterID, token string) error
	LeaveCall(ctx context.Context) error
	SetLocalDeviceEnabled(device types.Device, enabled bool) error
}

// EngineObserver receives RTC engine callbacks.
type EngineObserver interface {
	OnCallJoined(channel string, uid types.RosterID)
	OnCallLeft(channel string)
	OnUserJoined(uid types.RosterID)
	OnUserLeft(uid types.RosterID)
	OnActiveSpeaker(uid types.RosterID)
	OnRemoteDeviceState(uid types.RosterID, device types.Device, enabled bool)
}
