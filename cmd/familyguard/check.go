package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/config"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/controls"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/policy"
	"gopkg.in/yaml.v3"
)

var (
	checkEngine    string
	checkPolicyDir string
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] FACTS.yaml",
	Short: "Check the blocking decision for a set of facts",
	Long: `Evaluate the blocking policy against usage and controls described in a
YAML file and print the decision the agent would hand to the enforcement bridge.`,
	Example: `  familyguard check facts.yaml
  familyguard check --engine opa --policy-dir ./policies facts.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkEngine, "engine", "native", "Policy engine (native or opa)")
	checkCmd.Flags().StringVar(&checkPolicyDir, "policy-dir", "", "Directory of rego policies (defaults to the built-in policy)")
	rootCmd.AddCommand(checkCmd)
}

// factsFile is the YAML form of the evaluation inputs. Durations are
// milliseconds.
type factsFile struct {
	Usage    map[string]int64 `yaml:"usage"`
	Controls struct {
		GlobalDailyLimitMillis *int64 `yaml:"global_daily_limit_millis"`
		GraceMillis            int64  `yaml:"grace_millis"`
		Timezone               string `yaml:"timezone"`
		Apps                   map[string]struct {
			Blocked          bool   `yaml:"blocked"`
			DailyLimitMillis *int64 `yaml:"daily_limit_millis"`
		} `yaml:"apps"`
	} `yaml:"controls"`
	RemoteBlocks map[string]struct {
		Message string `yaml:"message"`
		Reason  string `yaml:"reason"`
	} `yaml:"remote_blocks"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read facts file: %w", err)
	}

	facts, err := parseFacts(data)
	if err != nil {
		return err
	}

	evaluator, _, err := newEvaluator(config.PolicyConfig{Engine: checkEngine, OPAPolicyDir: checkPolicyDir}, quietLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := evaluator.Evaluate(ctx, facts)
	if err != nil {
		return fmt.Errorf("failed to evaluate policy: %w", err)
	}

	printDecision(args[0], facts, payload)
	return nil
}

// parseFacts decodes a facts file into evaluation inputs
func parseFacts(data []byte) (policy.Facts, error) {
	var file factsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return policy.Facts{}, fmt.Errorf("failed to parse facts file: %w", err)
	}

	facts := policy.Facts{
		Usage:        make(map[string]int64, len(file.Usage)),
		Controls:     controls.DefaultState(),
		RemoteBlocks: make(map[string]controls.RemoteBlock, len(file.RemoteBlocks)),
	}

	for pkg, ms := range file.Usage {
		facts.Usage[pkg] = ms
		facts.TotalDurationMs += ms
	}

	facts.Controls.Meta = controls.Meta{
		GlobalDailyLimitMillis: file.Controls.GlobalDailyLimitMillis,
		GraceMillis:            file.Controls.GraceMillis,
		Timezone:               file.Controls.Timezone,
	}
	for pkg, rule := range file.Controls.Apps {
		facts.Controls.Apps[pkg] = controls.Rule{
			Blocked:          rule.Blocked,
			DailyLimitMillis: rule.DailyLimitMillis,
		}
	}

	for pkg, block := range file.RemoteBlocks {
		facts.RemoteBlocks[pkg] = controls.RemoteBlock{
			PackageName: pkg,
			Message:     block.Message,
			Reason:      block.Reason,
		}
	}

	return facts, nil
}

// printDecision prints the decision with colors
func printDecision(source string, facts policy.Facts, payload policy.Payload) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	rule := strings.Repeat("━", 50)

	fmt.Println()
	_, _ = cyan.Println(rule)
	_, _ = cyan.Println("BLOCKING POLICY CHECK")
	_, _ = cyan.Println(rule)
	fmt.Println()

	fmt.Printf("Facts:      %s\n", source)
	fmt.Printf("Engine:     %s\n", checkEngine)
	fmt.Printf("Usage:      %s total\n", time.Duration(facts.TotalDurationMs)*time.Millisecond)
	fmt.Printf("Payload:    %s\n", payload.Hash())
	fmt.Println()

	_, _ = cyan.Print("Global:     ")
	if payload.Global.Active {
		_, _ = red.Println("BLOCK")
		fmt.Printf("            → %s (%s)\n", payload.Global.Message, payload.Global.Reason)
	} else {
		_, _ = green.Println("ALLOW")
	}
	fmt.Println()

	pkgs := make([]string, 0, len(payload.Apps))
	for pkg := range payload.Apps {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)

	if len(pkgs) == 0 {
		_, _ = green.Println("No apps blocked")
	}
	for _, pkg := range pkgs {
		entry := payload.Apps[pkg]
		if !entry.Active {
			continue
		}
		_, _ = red.Printf("BLOCK       %s\n", pkg)
		fmt.Printf("            → %s (%s)\n", entry.Message, entry.Reason)
		if used, ok := facts.Usage[pkg]; ok {
			fmt.Printf("            → used %s today\n", time.Duration(used)*time.Millisecond)
		}
	}

	fmt.Println()
	_, _ = cyan.Println(rule)
	fmt.Println()
}
