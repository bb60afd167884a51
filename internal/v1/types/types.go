package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// --- Core Domain Types ---

// RosterID identifies a participant in the call roster (the media transport's uid).
// Zero means the id is not known yet.
type RosterID uint32

// MessagingID identifies a participant on the messaging network.
type MessagingID = string

// ChannelName is the name shared by a call and its messaging channel.
type ChannelName = string

// IsKnown reports whether the roster id has been assigned.
func (id RosterID) IsKnown() bool {
	return id != 0
}

func (id RosterID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Wire returns the signed representation exchanged with remote peers.
// The conversion preserves all 32 bits, so ids above 2^31 come back intact.
func (id RosterID) Wire() int32 {
	return int32(id)
}

// RosterIDFromWire converts a signed wire id back into a roster id.
func RosterIDFromWire(v int32) RosterID {
	return RosterID(uint32(v))
}

// MarshalJSON encodes the id as a signed 32-bit integer.
func (id RosterID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(id.Wire()), 10)), nil
}

// UnmarshalJSON accepts both the signed wire form and an unsigned value.
func (id *RosterID) UnmarshalJSON(data []byte) error {
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("roster id: %w", err)
	}
	if v < -1<<31 || v > 1<<32-1 {
		return fmt.Errorf("roster id %d out of range", v)
	}
	if v < 0 {
		*id = RosterIDFromWire(int32(v))
		return nil
	}
	*id = RosterID(uint32(v))
	return nil
}

// Device is a local capture device that can be muted.
type Device int

const (
	DeviceCamera     Device = 0
	DeviceMicrophone Device = 1
)

// IsValid reports whether d is one of the known devices.
func (d Device) IsValid() bool {
	return d == DeviceCamera || d == DeviceMicrophone
}

// Other returns the opposite device.
func (d Device) Other() Device {
	if d == DeviceCamera {
		return DeviceMicrophone
	}
	return DeviceCamera
}

func (d Device) String() string {
	switch d {
	case DeviceCamera:
		return "camera"
	case DeviceMicrophone:
		return "microphone"
	default:
		return "unknown(" + strconv.Itoa(int(d)) + ")"
	}
}

// ParseDevice converts a device name into a Device.
func ParseDevice(s string) (Device, error) {
	switch s {
	case "camera", "video":
		return DeviceCamera, nil
	case "microphone", "mic", "audio":
		return DeviceMicrophone, nil
	}
	return 0, fmt.Errorf("unknown device %q", s)
}

// Role is the client role in the call. Values match the RTC client-role codes.
type Role int

const (
	RoleBroadcaster Role = 1
	RoleAudience    Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleBroadcaster:
		return "broadcaster"
	case RoleAudience:
		return "audience"
	default:
		return "unknown"
	}
}

// ParseRole converts a role name into a Role. Empty defaults to broadcaster.
func ParseRole(s string) (Role, error) {
	switch s {
	case "", "broadcaster", "host":
		return RoleBroadcaster, nil
	case "audience":
		return RoleAudience, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}
