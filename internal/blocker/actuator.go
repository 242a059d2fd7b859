package blocker

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/policy"
)

// LogActuator records actuator calls in the log. It is used where no
// platform surface is attached.
type LogActuator struct {
	logger zerolog.Logger
}

// NewLogActuator creates a logging actuator
func NewLogActuator(logger zerolog.Logger) *LogActuator {
	return &LogActuator{logger: logger.With().Str("component", "actuator").Logger()}
}

func (a *LogActuator) ShowOverlay(pkg string, entry policy.Entry) error {
	a.logger.Info().
		Str("package", pkg).
		Str("reason", entry.Reason).
		Str("message", entry.Message).
		Msg("Showing block overlay")
	return nil
}

func (a *LogActuator) HideOverlay() error {
	a.logger.Debug().Msg("Hiding block overlay")
	return nil
}

func (a *LogActuator) PressBack() error {
	a.logger.Info().Msg("Navigating back")
	return nil
}

func (a *LogActuator) PressHome() error {
	a.logger.Info().Msg("Navigating home")
	return nil
}

func (a *LogActuator) OpenSettings(_ context.Context, screen Settings) error {
	a.logger.Info().Str("screen", string(screen)).Msg("Opening settings")
	return nil
}
