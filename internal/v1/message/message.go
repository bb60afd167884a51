// Package message defines the JSON payloads peers exchange over the messaging
// channel: mute requests, identity broadcasts and small data requests.
//
// Every encoded payload carries a "messageType" discriminant. Decode treats it
// as authoritative and only falls back to matching on field shape for peers
// that predate the discriminant.
package message

import (
	"errors"
	"fmt"

	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

// Kind discriminates the payload variants.
type Kind string

const (
	KindMute        Kind = "mute"
	KindUserData    Kind = "userData"
	KindDataRequest Kind = "dataRequest"
)

var (
	ErrUnknownMessage = errors.New("message does not match any known payload")
	ErrForcefulUnmute = errors.New("forceful requests may only mute")
	ErrInvalidDevice  = errors.New("invalid device")
	ErrMissingField   = errors.New("missing required field")
)

// Message is implemented by the three payload variants.
type Message interface {
	Kind() Kind
}

// MuteRequest asks the target peer to change the state of one of its devices.
type MuteRequest struct {
	RosterID types.RosterID `json:"rtcId"`
	Device   types.Device   `json:"device"`
	Mute     bool           `json:"mute"`
	Forceful bool           `json:"isForceful"`
}

func (MuteRequest) Kind() Kind { return KindMute }

// Validate enforces that unmuting is always advisory.
func (r MuteRequest) Validate() error {
	if !r.Device.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidDevice, int(r.Device))
	}
	if r.Forceful && !r.Mute {
		return ErrForcefulUnmute
	}
	return nil
}

// SDKVersions reports the versions of the underlying messaging and RTC SDKs.
type SDKVersions struct {
	RTM string `json:"rtm"`
	RTC string `json:"rtc"`
}

// LibraryDetails describes the client library a peer runs.
type LibraryDetails struct {
	Platform  string `json:"platform"`
	Version   string `json:"version"`
	Framework string `json:"framework"`
}

// PeerIdentity is broadcast by every peer on channel join and role change.
type PeerIdentity struct {
	MessagingID string         `json:"rtmId"`
	RosterID    types.RosterID `json:"rtcId,omitempty"`
	Username    string         `json:"username,omitempty"`
	Role        types.Role     `json:"role"`
	SDK         SDKVersions    `json:"sdk"`
	Library     LibraryDetails `json:"library"`
}

func (PeerIdentity) Kind() Kind { return KindUserData }

// DataRequestType enumerates the small control messages.
type DataRequestType string

const (
	RequestUserData DataRequestType = "requestUserData"
	Ping            DataRequestType = "ping"
	Pong            DataRequestType = "pong"
)

func (t DataRequestType) isValid() bool {
	return t == RequestUserData || t == Ping || t == Pong
}

// DataRequest re-announces presence or checks liveness.
type DataRequest struct {
	Type DataRequestType `json:"type"`
}

func (DataRequest) Kind() Kind { return KindDataRequest }
