package ui

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

var errNoCommands = errors.New("call controls are not available")

// Commands are the call actions a GUI may take.
type Commands interface {
	RequestDeviceChange(ctx context.Context, target types.RosterID, device types.Device, mute, forceful bool) error
	SetRole(ctx context.Context, role types.Role)
}

// SetCommands routes GUI actions to c. Until it is called they are refused.
func (b *Bridge) SetCommands(c Commands) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = c
}

func (b *Bridge) currentCommands() Commands {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commands
}

// handleCommand runs one GUI action and replies with an ack or an error frame.
func (b *Bridge) handleCommand(c *guiClient, f frame) {
	ctx := context.Background()
	err := b.runCommand(ctx, f)

	reply := frame{Type: frameAck, ID: f.ID}
	if err != nil {
		logging.Warn(ctx, "UI command failed", zap.String("type", f.Type), zap.Error(err))
		reply = frame{Type: frameError, ID: f.ID, Error: err.Error()}
	}
	if data, err := marshalFrame(reply); err == nil {
		c.enqueue(data)
	}
}

func (b *Bridge) runCommand(ctx context.Context, f frame) error {
	commands := b.currentCommands()
	if commands == nil {
		return errNoCommands
	}

	switch f.Type {
	case frameMuteRequest:
		device, err := types.ParseDevice(f.Device)
		if err != nil {
			return err
		}
		if !f.RosterID.IsKnown() {
			return errors.New("rtcId is required")
		}
		return commands.RequestDeviceChange(ctx, f.RosterID, device, f.Mute, f.Forceful)

	case frameRole:
		role, err := types.ParseRole(f.Role)
		if err != nil {
			return err
		}
		commands.SetRole(ctx, role)
		return nil
	}
	return fmt.Errorf("unknown frame type %q", f.Type)
}
