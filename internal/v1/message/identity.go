package message

import (
	"github.com/google/uuid"

	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

// Library metadata reported in every identity broadcast.
const (
	LibraryPlatform  = "go"
	LibraryVersion   = "1.2.0"
	LibraryFramework = "callkit"
)

// identityNamespace seeds deterministic messaging ids derived from a device vendor id.
var identityNamespace = uuid.MustParse("6f1c3a52-8d4e-4b7a-9c0e-2d5f7a1b3c9e")

// LocalIdentityOptions describes the local peer.
type LocalIdentityOptions struct {
	// VendorID is a stable per-device identifier. When empty a random id is used.
	VendorID string
	RosterID types.RosterID
	Username string
	Role     types.Role
	SDK      SDKVersions
}

// MessagingIDFor derives the messaging id for a device vendor identifier.
func MessagingIDFor(vendorID string) string {
	if vendorID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(identityNamespace, []byte(vendorID)).String()
}

// NewLocalIdentity builds the identity the local peer broadcasts.
func NewLocalIdentity(opts LocalIdentityOptions) PeerIdentity {
	role := opts.Role
	if role == 0 {
		role = types.RoleBroadcaster
	}
	return PeerIdentity{
		MessagingID: MessagingIDFor(opts.VendorID),
		RosterID:    opts.RosterID,
		Username:    opts.Username,
		Role:        role,
		SDK:         opts.SDK,
		Library: LibraryDetails{
			Platform:  LibraryPlatform,
			Version:   LibraryVersion,
			Framework: LibraryFramework,
		},
	}
}
