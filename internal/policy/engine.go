package policy

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/metrics"
)

// Evaluator turns facts into a payload
type Evaluator interface {
	Evaluate(ctx context.Context, facts Facts) (Payload, error)
}

// Native evaluates facts in Go
type Native struct{}

// Evaluate implements Evaluator
func (Native) Evaluate(_ context.Context, facts Facts) (Payload, error) {
	return Evaluate(facts), nil
}

// Evaluate merges remote blocks, per-app rules and the global limit into a
// payload. Remote blocks take precedence over rules for the same app. A
// limit applies when it is non-negative and usage reaches limit + grace.
func Evaluate(facts Facts) Payload {
	payload := Payload{
		Apps:   make(map[string]Entry),
		Global: InactiveGlobal(),
	}
	grace := facts.Controls.Meta.GraceMillis

	for pkg, block := range facts.RemoteBlocks {
		reason := block.Reason
		if reason == "" {
			reason = ReasonRemoteBlock
		}
		message := block.Message
		if message == "" {
			message = MessageBlocked
		}
		payload.Apps[pkg] = Entry{Active: true, Reason: reason, Message: message}
	}

	for pkg, rule := range facts.Controls.Apps {
		if existing, ok := payload.Apps[pkg]; ok && existing.Active {
			continue
		}

		switch {
		case rule.Blocked:
			payload.Apps[pkg] = Entry{Active: true, Reason: ReasonBlocked, Message: MessageBlocked}
		case overLimit(facts.Usage[pkg], rule.DailyLimitMillis, grace):
			payload.Apps[pkg] = Entry{Active: true, Reason: ReasonDailyLimit, Message: MessageDailyLimit}
		}
	}

	if overLimit(facts.TotalDurationMs, facts.Controls.Meta.GlobalDailyLimitMillis, grace) {
		payload.Global = Entry{Active: true, Reason: ReasonDailyLimit, Message: MessageDailyLimit}
	}

	return payload
}

// overLimit reports whether usage reached a configured limit. nil and
// negative limits never match; 0 matches immediately.
func overLimit(usageMs int64, limit *int64, grace int64) bool {
	if limit == nil || *limit < 0 {
		return false
	}
	if grace > 0 && *limit > math.MaxInt64-grace {
		return false
	}
	return usageMs >= *limit+grace
}

// Engine evaluates facts with a configured evaluator and falls back to the
// native rules when it fails.
type Engine struct {
	evaluator Evaluator
	logger    zerolog.Logger
}

// NewEngine creates a policy engine. A nil evaluator uses Native.
func NewEngine(evaluator Evaluator, logger zerolog.Logger) *Engine {
	if evaluator == nil {
		evaluator = Native{}
	}
	return &Engine{
		evaluator: evaluator,
		logger:    logger.With().Str("component", "policy").Logger(),
	}
}

// Decide returns the payload for facts. It never fails.
func (e *Engine) Decide(ctx context.Context, facts Facts) Payload {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	payload, err := e.evaluator.Evaluate(ctx, facts)
	if err != nil {
		e.logger.Error().Err(err).Msg("Policy evaluation failed, falling back to native rules")
		return Evaluate(facts)
	}
	if payload.Apps == nil {
		payload.Apps = make(map[string]Entry)
	}
	return payload
}
