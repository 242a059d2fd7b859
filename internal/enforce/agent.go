package enforce

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/blocker"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/config"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/controls"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/metrics"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/observable"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/policy"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/usage"
)

// AgentConfig holds the agent's settings
type AgentConfig struct {
	DeviceID              string
	Timezone              string
	PollInterval          time.Duration
	Lookback              time.Duration
	MinSessionDuration    time.Duration
	RecentSessions        int
	NativeTimeout         time.Duration
	ConfirmationCacheSize int
	Clock                 clockwork.Clock
}

// AgentConfigFrom maps the loaded configuration
func AgentConfigFrom(cfg *config.Config) AgentConfig {
	return AgentConfig{
		DeviceID:              cfg.Agent.DeviceID,
		Timezone:              cfg.Usage.Timezone,
		PollInterval:          config.ParseDuration(cfg.Usage.PollInterval, usage.DefaultPollInterval),
		Lookback:              config.ParseDuration(cfg.Usage.Lookback, usage.DefaultLookback),
		MinSessionDuration:    config.ParseDuration(cfg.Usage.MinSessionDuration, usage.DefaultMinSessionDuration),
		RecentSessions:        cfg.Usage.RecentSessions,
		NativeTimeout:         config.ParseDuration(cfg.Enforcement.NativeTimeout, DefaultNativeTimeout),
		ConfirmationCacheSize: cfg.Enforcement.ConfirmationCacheSize,
	}
}

// Agent starts and stops enforcement for one child at a time
type Agent struct {
	store     storage.Store
	bridge    blocker.Bridge
	evaluator policy.Evaluator
	cfg       AgentConfig
	logger    zerolog.Logger

	mu      sync.Mutex
	current *session
}

// session is one running enforcement context
type session struct {
	childID  string
	familyID string

	usage    *usage.Store
	builder  *usage.Builder
	poller   *usage.Poller
	rollover *usage.RolloverScheduler
	engine   *EngineState

	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe []observable.Unsubscribe
}

// NewAgent creates an idle agent
func NewAgent(store storage.Store, bridge blocker.Bridge, evaluator policy.Evaluator, cfg AgentConfig, logger zerolog.Logger) *Agent {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NativeTimeout <= 0 {
		cfg.NativeTimeout = DefaultNativeTimeout
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = usage.DefaultLookback
	}

	return &Agent{
		store:     store,
		bridge:    bridge,
		evaluator: evaluator,
		cfg:       cfg,
		logger:    logger.With().Str("component", "agent").Logger(),
	}
}

// SanitizeID trims an identifier and treats "undefined" and "null" as blank
func SanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "undefined" || id == "null" {
		return ""
	}
	return id
}

// Start begins enforcement for a child. Starting the running child again is
// a no-op; starting another child stops the previous one first. Blank
// identifiers are logged and ignored.
func (a *Agent) Start(ctx context.Context, childID, familyID string) {
	childID = SanitizeID(childID)
	familyID = SanitizeID(familyID)
	if childID == "" || familyID == "" {
		a.logger.Warn().Msg("Cannot start enforcement without child and family id")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != nil {
		if a.current.childID == childID && a.current.familyID == familyID {
			a.logger.Debug().Str("child_id", childID).Msg("Enforcement already running")
			return
		}
		a.stopAndClearLocked(ctx)
	}

	a.current = a.startLocked(ctx, childID, familyID)
	a.logger.Info().
		Str("child_id", childID).
		Str("family_id", familyID).
		Msg("Enforcement started")
}

func (a *Agent) startLocked(ctx context.Context, childID, familyID string) *session {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		childID:  childID,
		familyID: familyID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	identity := usage.Identity{ChildID: childID, FamilyID: familyID, DeviceID: a.cfg.DeviceID}

	s.usage = usage.NewStore(usage.StoreConfig{
		Timezone:       a.cfg.Timezone,
		RecentSessions: a.cfg.RecentSessions,
		Clock:          a.cfg.Clock,
	}, a.logger)

	s.builder = usage.NewBuilder(s.usage, a.store.Usage(), identity, usage.BuilderConfig{
		MinSessionDuration: a.cfg.MinSessionDuration,
		InitialWatermark:   a.cfg.Clock.Now().Add(-a.cfg.Lookback).UnixMilli(),
	}, a.logger)

	s.poller = usage.NewPoller(a.store.Events(a.cfg.DeviceID), s.builder, s.usage, usage.PollerConfig{
		Interval: a.cfg.PollInterval,
		Clock:    a.cfg.Clock,
	}, a.logger)

	s.rollover = usage.NewRolloverScheduler(s.usage, a.cfg.Clock, a.logger)

	s.engine = NewEngineState(EngineConfig{
		ChildID:               childID,
		FamilyID:              familyID,
		NativeTimeout:         a.cfg.NativeTimeout,
		ConfirmationCacheSize: a.cfg.ConfirmationCacheSize,
		TimezoneSink:          s.usage.SetTimezone,
	}, a.bridge, policy.NewEngine(a.evaluator, a.logger), a.store.Documents(), a.logger)

	go func() {
		defer close(s.done)
		s.engine.Run(ctx)
	}()

	syncer := controls.NewSynchronizer(a.store.Documents(), familyID, childID, a.logger)
	s.unsubscribe = append(s.unsubscribe,
		s.usage.Subscribe(s.engine.SetSnapshot),
		syncer.Subscribe(controls.Handlers{
			OnControls: func(state controls.State) { s.engine.SetControls(ctx, state) },
			OnBlocks:   func(blocks map[string]controls.RemoteBlock) { s.engine.SetRemoteBlocks(ctx, blocks) },
		}),
	)

	s.poller.Start(ctx)
	s.rollover.Start()

	return s
}

// Stop tears down the running context, if any, and always clears the
// bridge's rules
func (a *Agent) Stop(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopAndClearLocked(ctx)
}

// stopAndClearLocked tears down the running context and clears the bridge so
// no block of the stopped child survives.
func (a *Agent) stopAndClearLocked(ctx context.Context) {
	a.stopLocked()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.NativeTimeout)
	defer cancel()

	if err := a.bridge.ClearRules(ctx); err != nil {
		metrics.NativeCalls.WithLabelValues("clear", "error").Inc()
		a.logger.Error().Err(err).Msg("Failed to clear enforcement rules on stop")
		return
	}
	metrics.NativeCalls.WithLabelValues("clear", "ok").Inc()
}

func (a *Agent) stopLocked() {
	s := a.current
	if s == nil {
		return
	}
	a.current = nil

	s.poller.Stop()
	s.rollover.Stop()
	s.cancel()
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	<-s.done
	s.builder.Wait()

	metrics.ActiveBlocks.Set(0)
	a.logger.Info().Str("child_id", s.childID).Msg("Enforcement stopped")
}

// Running returns the child id being enforced, or "" when idle
func (a *Agent) Running() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return ""
	}
	return a.current.childID
}

// Usage returns the running child's local usage store, nil when idle.
// Consumers may subscribe to it.
func (a *Agent) Usage() *usage.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	return a.current.usage
}

// Engine returns the running child's engine, nil when idle
func (a *Agent) Engine() *EngineState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	return a.current.engine
}

// Poll runs one usage poll for the running child. It reports false when
// idle or when a poll was already in progress.
func (a *Agent) Poll(ctx context.Context) bool {
	a.mu.Lock()
	s := a.current
	a.mu.Unlock()
	if s == nil {
		return false
	}
	return s.poller.Poll(ctx)
}

// PermissionStatus asks the bridge for granted capabilities. Failures report
// nothing granted.
func (a *Agent) PermissionStatus(ctx context.Context) blocker.PermissionStatus {
	status, err := a.bridge.PermissionStatus(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to read permission status")
		return blocker.PermissionStatus{}
	}
	return status
}
