// Package enforce owns one child's enforcement context: it merges local
// usage with remote controls, pushes the diffed decision to the bridge and
// confirms remote blocks.
package enforce

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/blocker"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/controls"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/metrics"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/policy"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/usage"
)

// DefaultNativeTimeout bounds each bridge call and confirmation batch
const DefaultNativeTimeout = 10 * time.Second

// Evaluation outcomes
const (
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeCleared   = "cleared"
	OutcomeIdle      = "idle"
	OutcomeError     = "error"
)

// EngineConfig holds engine settings
type EngineConfig struct {
	ChildID               string
	FamilyID              string
	NativeTimeout         time.Duration
	ConfirmationCacheSize int
	// TimezoneSink receives the controls timezone, usually the local
	// usage store
	TimezoneSink func(tz string)
}

// EngineState holds everything evaluated for one child. All fields below
// the channels are owned by the Run goroutine.
type EngineState struct {
	cfg     EngineConfig
	bridge  blocker.Bridge
	decider *policy.Engine
	docs    storage.DocumentStore
	logger  zerolog.Logger

	actions chan func(ctx context.Context)
	signal  chan struct{}

	slotMu  sync.Mutex
	pending *usage.Snapshot

	controls      controls.State
	blocks        map[string]controls.RemoteBlock
	snapshot      usage.Snapshot
	foreground    string
	lastHash      string
	lastPayload   policy.Payload
	method        blocker.Method
	confirmations *confirmations
}

// NewEngineState creates an engine with default inputs. docs may be nil when
// confirmations are not written.
func NewEngineState(cfg EngineConfig, bridge blocker.Bridge, decider *policy.Engine, docs storage.DocumentStore, logger zerolog.Logger) *EngineState {
	if cfg.NativeTimeout <= 0 {
		cfg.NativeTimeout = DefaultNativeTimeout
	}
	if decider == nil {
		decider = policy.NewEngine(nil, logger)
	}

	logger = logger.With().
		Str("component", "enforcement").
		Str("child_id", cfg.ChildID).
		Logger()

	return &EngineState{
		cfg:           cfg,
		bridge:        bridge,
		decider:       decider,
		docs:          docs,
		logger:        logger,
		actions:       make(chan func(ctx context.Context)),
		signal:        make(chan struct{}, 1),
		controls:      controls.DefaultState(),
		blocks:        make(map[string]controls.RemoteBlock),
		method:        blocker.MethodUnknown,
		confirmations: newConfirmations(cfg.ConfirmationCacheSize, logger),
	}
}

// Run processes inputs until ctx is done
func (e *EngineState) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.actions:
			fn(ctx)
		case <-e.signal:
			e.drainSnapshot(ctx)
		}
	}
}

// SetControls queues new controls. It blocks until the engine accepts them
// or ctx is done.
func (e *EngineState) SetControls(ctx context.Context, state controls.State) {
	e.submit(ctx, func(ctx context.Context) {
		e.controls = state
		if e.cfg.TimezoneSink != nil && state.Meta.Timezone != "" {
			e.cfg.TimezoneSink(state.Meta.Timezone)
		}
		e.evaluate(ctx)
	})
}

// SetRemoteBlocks queues a new remote block map
func (e *EngineState) SetRemoteBlocks(ctx context.Context, blocks map[string]controls.RemoteBlock) {
	if blocks == nil {
		blocks = make(map[string]controls.RemoteBlock)
	}
	e.submit(ctx, func(ctx context.Context) {
		e.blocks = blocks
		e.evaluate(ctx)
	})
}

// SetSnapshot hands the engine the latest local usage snapshot. It never
// blocks: snapshots that arrive faster than they are evaluated are replaced.
func (e *EngineState) SetSnapshot(snapshot usage.Snapshot) {
	e.slotMu.Lock()
	e.pending = &snapshot
	e.slotMu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Flush waits until every input handed over before the call is evaluated
func (e *EngineState) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !e.submit(ctx, func(ctx context.Context) {
		e.drainSnapshot(ctx)
		close(done)
	}) {
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reevaluate runs the policy again on the current inputs, for example after
// the evaluator reloaded its policy.
func (e *EngineState) Reevaluate(ctx context.Context) error {
	if !e.submit(ctx, func(ctx context.Context) {
		e.drainSnapshot(ctx)
		e.evaluate(ctx)
	}) {
		return ctx.Err()
	}
	return e.Flush(ctx)
}

// View is a copy of the engine state
type View struct {
	Controls     controls.State
	RemoteBlocks map[string]controls.RemoteBlock
	Snapshot     usage.Snapshot
	LastHash     string
	LastPayload  policy.Payload
	Method       blocker.Method
}

// View returns the state after every input handed over before the call
func (e *EngineState) View(ctx context.Context) (View, error) {
	views := make(chan View, 1)
	if !e.submit(ctx, func(ctx context.Context) {
		e.drainSnapshot(ctx)
		views <- View{
			Controls:     e.controls,
			RemoteBlocks: e.blocks,
			Snapshot:     e.snapshot,
			LastHash:     e.lastHash,
			LastPayload:  e.lastPayload,
			Method:       e.method,
		}
	}) {
		return View{}, ctx.Err()
	}
	select {
	case v := <-views:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (e *EngineState) submit(ctx context.Context, fn func(ctx context.Context)) bool {
	select {
	case e.actions <- fn:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *EngineState) drainSnapshot(ctx context.Context) {
	e.slotMu.Lock()
	snapshot := e.pending
	e.pending = nil
	e.slotMu.Unlock()

	if snapshot == nil {
		return
	}
	e.snapshot = *snapshot
	e.foregroundChanged(snapshot.ActiveApp)
	e.evaluate(ctx)
}

func (e *EngineState) foregroundChanged(app *usage.ActiveApp) {
	pkg := ""
	if app != nil {
		pkg = app.PackageName
	}
	if pkg == e.foreground {
		return
	}
	e.foreground = pkg

	if watcher, ok := e.bridge.(blocker.ForegroundWatcher); ok {
		watcher.ForegroundChanged(pkg)
	}
}

// evaluate recomputes the payload, makes at most one bridge call and then
// confirms remote blocks. Nothing is confirmed when the bridge call failed.
func (e *EngineState) evaluate(ctx context.Context) {
	facts := policy.NewFacts(e.snapshot, e.controls, e.blocks)
	payload := e.decider.Decide(ctx, facts)

	outcome := e.push(ctx, payload)
	metrics.Evaluations.WithLabelValues(outcome).Inc()
	if outcome == OutcomeError {
		return
	}

	e.confirmations.run(ctx, e.docs, e.cfg, e.blocks, e.method)
}

func (e *EngineState) push(ctx context.Context, payload policy.Payload) string {
	if !payload.AnyActive() {
		if e.lastHash == "" {
			return OutcomeIdle
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.NativeTimeout)
		defer cancel()

		if err := e.bridge.ClearRules(callCtx); err != nil {
			metrics.NativeCalls.WithLabelValues("clear", "error").Inc()
			e.logger.Error().Err(err).Msg("Failed to clear enforcement rules")
			return OutcomeError
		}
		metrics.NativeCalls.WithLabelValues("clear", "ok").Inc()
		metrics.ActiveBlocks.Set(0)

		e.lastHash = ""
		e.lastPayload = payload
		e.logger.Info().Msg("All blocks lifted")
		return OutcomeCleared
	}

	hash := payload.Hash()
	if hash == e.lastHash {
		return OutcomeUnchanged
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.NativeTimeout)
	defer cancel()

	method, err := e.bridge.ApplyRules(callCtx, payload)
	if err != nil {
		metrics.NativeCalls.WithLabelValues("apply", "error").Inc()
		e.logger.Error().Err(err).Msg("Failed to apply enforcement rules")
		return OutcomeError
	}
	metrics.NativeCalls.WithLabelValues("apply", "ok").Inc()
	metrics.ActiveBlocks.Set(float64(payload.ActiveApps()))

	if method == "" {
		method = blocker.MethodUnknown
	}
	e.method = method
	e.lastHash = hash
	e.lastPayload = payload

	e.logger.Info().
		Int("apps", payload.ActiveApps()).
		Bool("global", payload.Global.Active).
		Str("method", string(method)).
		Msg("Enforcement rules applied")

	return OutcomeApplied
}
