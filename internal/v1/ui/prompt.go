// Package ui carries confirm/cancel prompts to whoever is driving the call UI.
package ui

import (
	"context"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/logging"
)

// Prompt is a yes/no question for the local user.
type Prompt struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
	Confirm string `json:"confirm"`
	Cancel  string `json:"cancel"`
	From    string `json:"from,omitempty"`
}

// Prompter shows a prompt and reports the answer exactly once.
// Implementations must not block the caller.
type Prompter interface {
	Confirm(ctx context.Context, p Prompt, answer func(accepted bool))
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, p Prompt, answer func(accepted bool))

func (f PrompterFunc) Confirm(ctx context.Context, p Prompt, answer func(accepted bool)) {
	f(ctx, p, answer)
}

// AutoDecline answers every prompt with cancel. Headless peers use it when no
// UI is attached.
type AutoDecline struct{}

func (AutoDecline) Confirm(ctx context.Context, p Prompt, answer func(accepted bool)) {
	logging.Info(ctx, "Declining prompt, no UI attached", zap.String("title", p.Title), zap.String("from", p.From))
	answer(false)
}
