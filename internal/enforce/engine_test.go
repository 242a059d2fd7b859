package enforce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/blocker"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/controls"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/observable"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/policy"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/usage"
)

type fakeBridge struct {
	mu          sync.Mutex
	applied     []policy.Payload
	clears      int
	applyErr    error
	clearErr    error
	method      blocker.Method
	permErr     error
	foregrounds []string
}

func (b *fakeBridge) ApplyRules(_ context.Context, payload policy.Payload) (blocker.Method, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.applyErr != nil {
		return "", b.applyErr
	}
	b.applied = append(b.applied, payload)
	return b.method, nil
}

func (b *fakeBridge) ClearRules(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clearErr != nil {
		return b.clearErr
	}
	b.clears++
	return nil
}

func (b *fakeBridge) PermissionStatus(context.Context) (blocker.PermissionStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.permErr != nil {
		return blocker.PermissionStatus{}, b.permErr
	}
	return blocker.PermissionStatus{Accessibility: true, Overlay: true}, nil
}

func (b *fakeBridge) ForegroundChanged(pkg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.foregrounds = append(b.foregrounds, pkg)
}

func (b *fakeBridge) setApplyErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyErr = err
}

func (b *fakeBridge) calls() (applied []policy.Payload, clears int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]policy.Payload(nil), b.applied...), b.clears
}

type merge struct {
	collection string
	id         string
	fields     map[string]any
}

// fakeDocs records merges; only Merge is used by the engine
type fakeDocs struct {
	mu     sync.Mutex
	merges []merge
	fail   map[string]bool
}

func (d *fakeDocs) Get(context.Context, string, string) (*storage.Document, error) {
	return nil, storage.ErrNotFound
}

func (d *fakeDocs) List(context.Context, string) ([]storage.Document, error) {
	return nil, nil
}

func (d *fakeDocs) Merge(_ context.Context, collection, id string, fields map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[id] {
		return errors.New("write rejected")
	}
	d.merges = append(d.merges, merge{collection: collection, id: id, fields: fields})
	return nil
}

func (d *fakeDocs) Delete(context.Context, string, string) error {
	return nil
}

func (d *fakeDocs) Watch(string) observable.Observable[[]storage.Document] {
	return observable.NewSubject[[]storage.Document]()
}

func (d *fakeDocs) setFail(id string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail == nil {
		d.fail = make(map[string]bool)
	}
	d.fail[id] = fail
}

func (d *fakeDocs) written() []merge {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]merge(nil), d.merges...)
}

type engineHarness struct {
	engine *EngineState
	bridge *fakeBridge
	docs   *fakeDocs
	ctx    context.Context
	zones  []string
}

func newHarness(t *testing.T) *engineHarness {
	t.Helper()

	h := &engineHarness{
		bridge: &fakeBridge{method: blocker.MethodAccessibility},
		docs:   &fakeDocs{},
	}
	var zonesMu sync.Mutex
	h.engine = NewEngineState(EngineConfig{
		ChildID:  "kid",
		FamilyID: "fam",
		TimezoneSink: func(tz string) {
			zonesMu.Lock()
			defer zonesMu.Unlock()
			h.zones = append(h.zones, tz)
		},
	}, h.bridge, nil, h.docs, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.ctx = ctx
	go h.engine.Run(ctx)

	return h
}

func (h *engineHarness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Flush(ctx))
}

func (h *engineHarness) controls(t *testing.T, state controls.State) {
	t.Helper()
	if state.Apps == nil {
		state.Apps = map[string]controls.Rule{}
	}
	h.engine.SetControls(h.ctx, state)
	h.flush(t)
}

func (h *engineHarness) blocks(t *testing.T, blocks ...controls.RemoteBlock) {
	t.Helper()
	m := make(map[string]controls.RemoteBlock)
	for _, b := range blocks {
		m[b.PackageName] = b
	}
	h.engine.SetRemoteBlocks(h.ctx, m)
	h.flush(t)
}

func (h *engineHarness) usage(t *testing.T, perApp map[string]int64) {
	t.Helper()
	snapshot := usage.Snapshot{}
	for pkg, ms := range perApp {
		snapshot.Totals = append(snapshot.Totals, usage.Total{PackageName: pkg, DurationMs: ms})
		snapshot.TotalDurationMs += ms
	}
	h.engine.SetSnapshot(snapshot)
	h.flush(t)
}

func limit(v int64) *int64 { return &v }

func TestEngine_IdempotentEvaluation(t *testing.T) {
	h := newHarness(t)
	state := controls.State{Apps: map[string]controls.Rule{"p": {Blocked: true}}}

	h.controls(t, state)
	h.controls(t, state)
	h.usage(t, map[string]int64{"q": 1000})

	applied, clears := h.bridge.calls()
	assert.Len(t, applied, 1)
	assert.Zero(t, clears)

	view, err := h.engine.View(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, blocker.MethodAccessibility, view.Method)
	assert.Equal(t, applied[0].Hash(), view.LastHash)
}

func TestEngine_DailyLimitWithGrace(t *testing.T) {
	h := newHarness(t)
	h.controls(t, controls.State{
		Meta: controls.Meta{GraceMillis: 5000},
		Apps: map[string]controls.Rule{"p": {DailyLimitMillis: limit(60000)}},
	})

	h.usage(t, map[string]int64{"p": 64999})
	applied, _ := h.bridge.calls()
	assert.Empty(t, applied)

	h.usage(t, map[string]int64{"p": 65000})
	applied, _ = h.bridge.calls()
	require.Len(t, applied, 1)
	assert.Equal(t, policy.Entry{Active: true, Reason: policy.ReasonDailyLimit, Message: policy.MessageDailyLimit}, applied[0].Apps["p"])
}

func TestEngine_RemoteBlockPrecedence(t *testing.T) {
	h := newHarness(t)
	h.controls(t, controls.State{Apps: map[string]controls.Rule{"p": {Blocked: false}}})
	h.blocks(t, controls.RemoteBlock{PackageName: "p", Reason: "remoteBlock", StatusVersion: "v1"})

	applied, _ := h.bridge.calls()
	require.Len(t, applied, 1)
	assert.Equal(t, "remoteBlock", applied[0].Apps["p"].Reason)
	assert.Equal(t, policy.MessageBlocked, applied[0].Apps["p"].Message)
}

func TestEngine_GlobalZeroLimit(t *testing.T) {
	h := newHarness(t)
	h.controls(t, controls.State{Meta: controls.Meta{GlobalDailyLimitMillis: limit(0)}})
	h.usage(t, map[string]int64{"a": 1})

	applied, _ := h.bridge.calls()
	require.NotEmpty(t, applied)
	assert.True(t, applied[len(applied)-1].Global.Active)
	assert.Equal(t, policy.ReasonDailyLimit, applied[len(applied)-1].Global.Reason)
}

func TestEngine_RemovingRulesClearsOnce(t *testing.T) {
	h := newHarness(t)
	h.controls(t, controls.State{Apps: map[string]controls.Rule{
		"a": {Blocked: true},
		"b": {Blocked: true},
	}})

	h.controls(t, controls.State{Apps: map[string]controls.Rule{"b": {Blocked: true}}})
	applied, clears := h.bridge.calls()
	require.Len(t, applied, 2)
	assert.NotContains(t, applied[1].Apps, "a")
	assert.Zero(t, clears)

	h.controls(t, controls.DefaultState())
	h.controls(t, controls.DefaultState())
	h.usage(t, map[string]int64{"x": 5})

	_, clears = h.bridge.calls()
	assert.Equal(t, 1, clears)

	view, err := h.engine.View(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, view.LastHash)
}

func TestEngine_NativeFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.bridge.setApplyErr(errors.New("bridge unavailable"))

	state := controls.State{Apps: map[string]controls.Rule{"p": {Blocked: true}}}
	h.controls(t, state)

	view, err := h.engine.View(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, view.LastHash)
	assert.Equal(t, blocker.MethodUnknown, view.Method)

	h.bridge.setApplyErr(nil)
	h.usage(t, map[string]int64{"q": 1})

	applied, _ := h.bridge.calls()
	assert.Len(t, applied, 1)
}

func TestEngine_ConfirmsRemoteBlocksOncePerVersion(t *testing.T) {
	h := newHarness(t)
	block := controls.RemoteBlock{PackageName: "p", StatusVersion: "v1"}

	h.blocks(t, block)
	h.blocks(t, block)
	h.usage(t, map[string]int64{"q": 1})

	merges := h.docs.written()
	require.Len(t, merges, 1)
	assert.Equal(t, storage.ChildAppsCollection("kid"), merges[0].collection)
	assert.Equal(t, "p", merges[0].id)
	assert.Equal(t, true, merges[0].fields["status.enforced"])
	assert.Equal(t, "accessibility", merges[0].fields["status.enforcedMethod"])
	assert.Equal(t, "kid", merges[0].fields["status.enforcedBy"])
	assert.NotNil(t, merges[0].fields["status.enforcedAt"])

	// A new version is confirmed again
	h.blocks(t, controls.RemoteBlock{PackageName: "p", StatusVersion: "v2"})
	assert.Len(t, h.docs.written(), 2)
}

func TestEngine_ConfirmationFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.docs.setFail("p", true)

	h.blocks(t, controls.RemoteBlock{PackageName: "p", StatusVersion: "v1"})
	assert.Empty(t, h.docs.written())

	h.docs.setFail("p", false)
	h.usage(t, map[string]int64{"q": 1})
	assert.Len(t, h.docs.written(), 1)
}

func TestEngine_NoReceiptWhenBridgeFails(t *testing.T) {
	h := newHarness(t)
	h.bridge.setApplyErr(errors.New("bridge down"))

	h.blocks(t, controls.RemoteBlock{PackageName: "p", StatusVersion: "v1"})
	assert.Empty(t, h.docs.written())
	_, ok := h.engine.confirmations.Confirmed("p")
	assert.False(t, ok)

	h.bridge.setApplyErr(nil)
	h.usage(t, map[string]int64{"q": 1})
	h.usage(t, map[string]int64{"q": 2})

	merges := h.docs.written()
	require.Len(t, merges, 1)
	assert.Equal(t, "accessibility", merges[0].fields["status.enforcedMethod"])
}

func TestEngine_EvictsConfirmationsOfLiftedBlocks(t *testing.T) {
	h := newHarness(t)
	block := controls.RemoteBlock{PackageName: "p", StatusVersion: "v1"}

	h.blocks(t, block)
	h.blocks(t)
	_, ok := h.engine.confirmations.Confirmed("p")
	assert.False(t, ok)

	h.blocks(t, block)
	assert.Len(t, h.docs.written(), 2)
}

func TestEngine_ConfirmsEvenWhenPayloadUnchanged(t *testing.T) {
	h := newHarness(t)
	h.docs.setFail("p", true)

	h.blocks(t, controls.RemoteBlock{PackageName: "p", StatusVersion: "v1"})
	h.docs.setFail("p", false)
	h.blocks(t, controls.RemoteBlock{PackageName: "p", StatusVersion: "v1"})

	applied, _ := h.bridge.calls()
	assert.Len(t, applied, 1)
	assert.Len(t, h.docs.written(), 1)
}

func TestEngine_AppliesControlsTimezone(t *testing.T) {
	h := newHarness(t)
	h.controls(t, controls.State{Meta: controls.Meta{Timezone: "Asia/Tokyo"}})
	h.controls(t, controls.State{})

	assert.Equal(t, []string{"Asia/Tokyo"}, h.zones)
}

func TestEngine_ForwardsForegroundChanges(t *testing.T) {
	h := newHarness(t)

	h.engine.SetSnapshot(usage.Snapshot{ActiveApp: &usage.ActiveApp{PackageName: "a"}})
	h.flush(t)
	h.engine.SetSnapshot(usage.Snapshot{ActiveApp: &usage.ActiveApp{PackageName: "a"}})
	h.flush(t)
	h.engine.SetSnapshot(usage.Snapshot{})
	h.flush(t)

	h.bridge.mu.Lock()
	defer h.bridge.mu.Unlock()
	assert.Equal(t, []string{"a", ""}, h.bridge.foregrounds)
}

func TestEngine_SetSnapshotNeverBlocks(t *testing.T) {
	bridge := &fakeBridge{}
	engine := NewEngineState(EngineConfig{ChildID: "kid"}, bridge, nil, nil, zerolog.Nop())

	// Run is not started; every call must still return
	for i := 0; i < 100; i++ {
		engine.SetSnapshot(usage.Snapshot{TotalDurationMs: int64(i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	view, err := engine.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(99), view.Snapshot.TotalDurationMs)
}

type switchableEvaluator struct {
	mu      sync.Mutex
	blocked string
}

func (e *switchableEvaluator) Evaluate(_ context.Context, _ policy.Facts) (policy.Payload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	payload := policy.Payload{Apps: map[string]policy.Entry{}, Global: policy.InactiveGlobal()}
	if e.blocked != "" {
		payload.Apps[e.blocked] = policy.Entry{Active: true, Reason: policy.ReasonBlocked, Message: policy.MessageBlocked}
	}
	return payload, nil
}

func (e *switchableEvaluator) block(pkg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocked = pkg
}

func TestEngine_ReevaluateAfterPolicyChange(t *testing.T) {
	evaluator := &switchableEvaluator{}
	bridge := &fakeBridge{method: blocker.MethodOverlay}
	engine := NewEngineState(EngineConfig{ChildID: "kid"}, bridge, policy.NewEngine(evaluator, zerolog.Nop()), nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	require.NoError(t, engine.Reevaluate(ctx))
	applied, _ := bridge.calls()
	assert.Empty(t, applied)

	evaluator.block("com.example.game")
	require.NoError(t, engine.Reevaluate(ctx))

	applied, _ = bridge.calls()
	require.Len(t, applied, 1)
	assert.True(t, applied[0].Apps["com.example.game"].Active)
}
