package blocker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/metrics"
)

// Default forced-close timings
const (
	DefaultCloseDelay = 1500 * time.Millisecond
	DefaultHomeDelay  = 150 * time.Millisecond
	DefaultCooldown   = 1200 * time.Millisecond
)

// CloseState is a state of the forced-close machine
type CloseState int

const (
	StateIdle CloseState = iota
	StatePendingClose
	StateCooldown
)

func (s CloseState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePendingClose:
		return "pending_close"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// CloseConfig holds forced-close timings
type CloseConfig struct {
	CloseDelay time.Duration
	HomeDelay  time.Duration
	Cooldown   time.Duration
	Clock      clockwork.Clock
}

// CloseMachine forces a blocked app out of the foreground.
//
// Idle -> PendingClose on Trigger. After CloseDelay it navigates back, then
// home after HomeDelay, and enters Cooldown. Triggers for the app that was
// just closed are ignored until Cooldown ends.
type CloseMachine struct {
	mu         sync.Mutex
	state      CloseState
	pkg        string
	timer      clockwork.Timer
	generation uint64

	cfg      CloseConfig
	actuator Actuator
	logger   zerolog.Logger
}

// NewCloseMachine creates an idle close machine
func NewCloseMachine(cfg CloseConfig, actuator Actuator, logger zerolog.Logger) *CloseMachine {
	if cfg.CloseDelay <= 0 {
		cfg.CloseDelay = DefaultCloseDelay
	}
	if cfg.HomeDelay <= 0 {
		cfg.HomeDelay = DefaultHomeDelay
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &CloseMachine{
		cfg:      cfg,
		actuator: actuator,
		logger:   logger.With().Str("component", "close-machine").Logger(),
	}
}

// State returns the current state and the package it refers to
func (m *CloseMachine) State() (CloseState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.pkg
}

// Trigger schedules a forced close of pkg
func (m *CloseMachine) Trigger(pkg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StatePendingClose:
		// The pending close fires for whichever blocked app is visible
		m.pkg = pkg
		return
	case StateCooldown:
		if m.pkg == pkg {
			return
		}
	}

	m.transitionLocked(StatePendingClose, pkg, m.cfg.CloseDelay, m.closeNow)
}

// Cancel drops a pending close of pkg, for example when the app left the
// foreground on its own
func (m *CloseMachine) Cancel(pkg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StatePendingClose && m.pkg == pkg {
		m.transitionLocked(StateIdle, "", 0, nil)
	}
}

// Reset returns to Idle and stops every timer
func (m *CloseMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitionLocked(StateIdle, "", 0, nil)
}

// transitionLocked enters state and arms a timer that calls next with the
// new generation. Timers of earlier generations become no-ops.
func (m *CloseMachine) transitionLocked(state CloseState, pkg string, after time.Duration, next func(gen uint64)) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
	m.state = state
	m.pkg = pkg

	m.logger.Debug().
		Str("state", state.String()).
		Str("package", pkg).
		Msg("Close machine transition")

	if next == nil {
		return
	}
	gen := m.generation
	m.timer = m.cfg.Clock.AfterFunc(after, func() { next(gen) })
}

func (m *CloseMachine) closeNow(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.state != StatePendingClose {
		m.mu.Unlock()
		return
	}
	pkg := m.pkg
	m.transitionLocked(StateCooldown, pkg, m.cfg.Cooldown, m.cooldownDone)
	homeGen := m.generation
	m.mu.Unlock()

	metrics.ForcedCloses.Inc()
	m.logger.Info().Str("package", pkg).Msg("Forcing blocked app closed")

	if err := m.actuator.PressBack(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to navigate back")
	}

	m.cfg.Clock.AfterFunc(m.cfg.HomeDelay, func() {
		m.mu.Lock()
		stale := m.generation != homeGen
		m.mu.Unlock()
		if stale {
			return
		}
		if err := m.actuator.PressHome(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to navigate home")
		}
	})
}

func (m *CloseMachine) cooldownDone(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen || m.state != StateCooldown {
		return
	}
	m.transitionLocked(StateIdle, "", 0, nil)
}
