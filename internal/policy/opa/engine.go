package opa

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/policy"
)

const decisionQuery = "data.familyguard.enforcement.decision"

//go:embed policies/*.rego
var embedded embed.FS

// Engine evaluates enforcement decisions with rego. Policies come from the
// embedded defaults unless a policy directory is configured.
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewEngine creates a new OPA engine. An empty policyDir uses the embedded
// policy.
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.load(); err != nil {
		return nil, err
	}

	source := policyDir
	if source == "" {
		source = "embedded"
	}
	e.logger.Info().Str("policy_source", source).Msg("OPA engine initialized")

	return e, nil
}

// load reads, parses and prepares every policy module
func (e *Engine) load() error {
	sources, err := e.readSources()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for _, name := range names {
		module, err := ast.ParseModule(name, sources[name])
		if err != nil {
			return fmt.Errorf("failed to parse policy file %s: %w", name, err)
		}
		e.logger.Debug().Str("file", name).Str("package", module.Package.Path.String()).Msg("Loaded policy module")

		opts = append(opts, rego.Module(name, sources[name]))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare decision query: %w", err)
	}

	e.mu.Lock()
	e.query = query
	e.mu.Unlock()

	return nil
}

func (e *Engine) readSources() (map[string]string, error) {
	sources := make(map[string]string)

	if e.policyDir == "" {
		files, err := embedded.ReadDir("policies")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded policies: %w", err)
		}
		for _, f := range files {
			content, err := embedded.ReadFile("policies/" + f.Name())
			if err != nil {
				return nil, fmt.Errorf("failed to read embedded policy %s: %w", f.Name(), err)
			}
			sources[f.Name()] = string(content)
		}
		return sources, nil
	}

	files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.policyDir)
	}

	e.logger.Info().Int("count", len(files)).Msg("Loading policy files")

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}
		sources[file] = string(content)
	}

	return sources, nil
}

// Evaluate implements policy.Evaluator
func (e *Engine) Evaluate(ctx context.Context, facts policy.Facts) (policy.Payload, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(BuildInput(facts)))
	if err != nil {
		return policy.Payload{}, fmt.Errorf("decision query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Decision query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return policy.Payload{}, fmt.Errorf("no results from decision query")
	}

	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return policy.Payload{}, fmt.Errorf("failed to marshal decision: %w", err)
	}

	var payload policy.Payload
	if err := json.Unmarshal(resultBytes, &payload); err != nil {
		return policy.Payload{}, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	if payload.Apps == nil {
		payload.Apps = make(map[string]policy.Entry)
	}

	return payload, nil
}

// Reload re-reads and re-prepares the policies. On failure the previous
// query stays in use.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")

	if err := e.load(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	e.logger.Info().Msg("OPA policies reloaded successfully")
	return nil
}

// BuildInput converts facts to the rego input document
func BuildInput(facts policy.Facts) map[string]interface{} {
	usage := make(map[string]interface{}, len(facts.Usage))
	for pkg, ms := range facts.Usage {
		usage[pkg] = ms
	}

	rules := make(map[string]interface{}, len(facts.Controls.Apps))
	for pkg, rule := range facts.Controls.Apps {
		rules[pkg] = map[string]interface{}{
			"blocked":            rule.Blocked,
			"daily_limit_millis": optional(rule.DailyLimitMillis),
		}
	}

	blocks := make(map[string]interface{}, len(facts.RemoteBlocks))
	for pkg, block := range facts.RemoteBlocks {
		blocks[pkg] = map[string]interface{}{
			"reason":  block.Reason,
			"message": block.Message,
		}
	}

	return map[string]interface{}{
		"usage":                     usage,
		"total_duration_ms":         facts.TotalDurationMs,
		"grace_millis":              facts.Controls.Meta.GraceMillis,
		"global_daily_limit_millis": optional(facts.Controls.Meta.GlobalDailyLimitMillis),
		"rules":                     rules,
		"remote_blocks":             blocks,
	}
}

func optional(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

var _ policy.Evaluator = (*Engine)(nil)
