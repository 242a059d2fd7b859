package opa

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/controls"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/policy"
)

func limit(v int64) *int64 { return &v }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine
}

func TestEngine_MatchesNativeEvaluation(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name  string
		facts policy.Facts
	}{
		{
			name:  "nothing configured",
			facts: policy.Facts{Controls: controls.DefaultState()},
		},
		{
			name: "limit just under grace",
			facts: policy.Facts{
				Usage:           map[string]int64{"p": 64999},
				TotalDurationMs: 64999,
				Controls: controls.State{
					Meta: controls.Meta{GraceMillis: 5000},
					Apps: map[string]controls.Rule{"p": {DailyLimitMillis: limit(60000)}},
				},
			},
		},
		{
			name: "limit reached with grace",
			facts: policy.Facts{
				Usage:           map[string]int64{"p": 65000},
				TotalDurationMs: 65000,
				Controls: controls.State{
					Meta: controls.Meta{GraceMillis: 5000},
					Apps: map[string]controls.Rule{"p": {DailyLimitMillis: limit(60000)}},
				},
			},
		},
		{
			name: "remote block precedence",
			facts: policy.Facts{
				Usage: map[string]int64{"p": 10},
				Controls: controls.State{
					Apps: map[string]controls.Rule{"p": {Blocked: true}},
				},
				RemoteBlocks: map[string]controls.RemoteBlock{
					"p": {PackageName: "p", Reason: "remoteBlock", Message: "Now"},
					"q": {PackageName: "q"},
				},
			},
		},
		{
			name: "zero global limit",
			facts: policy.Facts{
				Usage:           map[string]int64{"a": 1},
				TotalDurationMs: 1,
				Controls: controls.State{
					Meta: controls.Meta{GlobalDailyLimitMillis: limit(0)},
					Apps: map[string]controls.Rule{},
				},
			},
		},
		{
			name: "negative limits disabled",
			facts: policy.Facts{
				Usage:           map[string]int64{"a": 1 << 30},
				TotalDurationMs: 1 << 30,
				Controls: controls.State{
					Meta: controls.Meta{GlobalDailyLimitMillis: limit(-1)},
					Apps: map[string]controls.Rule{"a": {DailyLimitMillis: limit(-1)}},
				},
			},
		},
		{
			name: "zero app limit without usage",
			facts: policy.Facts{
				Controls: controls.State{
					Apps: map[string]controls.Rule{"unused": {DailyLimitMillis: limit(0)}},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Evaluate(context.Background(), tt.facts)
			if err != nil {
				t.Fatalf("Evaluate() failed: %v", err)
			}
			want := policy.Evaluate(tt.facts)
			if got.Hash() != want.Hash() {
				t.Errorf("Evaluate() = %+v, want %+v", got, want)
			}
		})
	}
}

func TestEngine_PolicyDirOverride(t *testing.T) {
	dir := t.TempDir()
	source := `package familyguard.enforcement

import rego.v1

decision := {
	"apps": {"always.blocked": {"active": true, "reason": "blocked", "message": "Nope"}},
	"global": {"active": false, "reason": "dailyLimit", "message": "Daily Limit Reached"},
}
`
	if err := os.WriteFile(filepath.Join(dir, "custom.rego"), []byte(source), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	engine, err := NewEngine(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	got, err := engine.Evaluate(context.Background(), policyFacts())
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if entry := got.Apps["always.blocked"]; !entry.Active || entry.Message != "Nope" {
		t.Errorf("Evaluate() = %+v", got)
	}
}

func policyFacts() policy.Facts {
	return policy.Facts{Controls: controls.DefaultState()}
}

func TestNewEngine_MissingPolicyDir(t *testing.T) {
	if _, err := NewEngine("/nonexistent/path", zerolog.Nop()); err == nil {
		t.Error("Expected error when creating engine with invalid policy dir")
	}
}

func TestReload_KeepsPreviousPolicyOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "enforcement.rego")
	source, err := embedded.ReadFile("policies/enforcement.rego")
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if err := os.WriteFile(path, source, 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	engine, err := NewEngine(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("package broken\n\nthis is not rego"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := engine.Reload(); err == nil {
		t.Fatal("Expected Reload() to fail on a broken policy")
	}

	if _, err := engine.Evaluate(context.Background(), policyFacts()); err != nil {
		t.Errorf("Evaluate() after failed reload: %v", err)
	}
}

// TestReloadThreadSafety tests that reload is safe with concurrent evaluations
func TestReloadThreadSafety(t *testing.T) {
	engine := newTestEngine(t)

	var wg sync.WaitGroup
	ctx := context.Background()
	done := make(chan struct{})

	facts := policy.Facts{
		Usage:           map[string]int64{"p": 100},
		TotalDurationMs: 100,
		Controls: controls.State{
			Apps: map[string]controls.Rule{"p": {DailyLimitMillis: limit(50)}},
		},
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_, _ = engine.Evaluate(ctx, facts)
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		if err := engine.Reload(); err != nil {
			t.Errorf("Reload failed: %v", err)
		}
	}

	close(done)
	wg.Wait()
}
