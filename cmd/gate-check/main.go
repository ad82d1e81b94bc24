// gate-check evaluates one tool call through the validation pipeline
// and exits 0 (approved), 1 (escalation required), or 2 (blocked). It is
// meant as a pre-execution hook for agent harnesses: wire it in front of
// a shell and let the exit code gate the real invocation.
//
// Usage:
//
//	gate-check [flags] TOOL [key=value ...]
//
// Bare arguments map onto the tool's primary input: the command for
// shell tools, the file path for file-operable tools.
//
//	gate-check Bash "rm -rf /"
//	gate-check Read file_path=/etc/passwd
//	gate-check -json Write file_path=src/main.go content=hello
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/forgegate/hub/internal/cache"
	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/dispatcher"
	"github.com/forgegate/hub/internal/pattern"
	"github.com/forgegate/hub/internal/policy"
)

const (
	exitApproved = 0
	exitEscalate = 1
	exitBlocked  = 2
)

func main() {
	var (
		agentID   = flag.String("agent", "gate-check", "agent identity for the request")
		rulesPath = flag.String("rules", "", "policy rules YAML (default: bundled set)")
		jsonOut   = flag.Bool("json", false, "print the full result as JSON")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(exitBlocked)
	}

	catalog := core.NewToolCatalog()
	tool := args[0]
	input := parseInput(catalog, tool, args[1:])

	req, err := core.NewValidationRequest(tool, input, *agentID, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "gate-check: %v\n", err)
		os.Exit(exitBlocked)
	}

	res := evaluate(catalog, *rulesPath, req)

	if *jsonOut {
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "gate-check: encode result: %v\n", err)
			os.Exit(exitBlocked)
		}
		fmt.Println(string(out))
	} else {
		printResult(res)
	}
	os.Exit(exitFor(res))
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: gate-check [flags] TOOL [key=value ...]

Evaluates one tool call and exits 0 (approved), 1 (needs escalation),
or 2 (blocked).

flags:
`)
	flag.PrintDefaults()
}

// parseInput splits key=value arguments into the tool input map. Bare
// words join into the tool's primary argument.
func parseInput(catalog *core.ToolCatalog, tool string, args []string) map[string]string {
	input := make(map[string]string, len(args))
	var bare []string
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if ok && k != "" && !strings.ContainsAny(k, " \t") {
			input[k] = v
			continue
		}
		bare = append(bare, a)
	}
	if len(bare) > 0 {
		key := "input"
		switch {
		case catalog.IsShellTool(tool):
			key = "command"
		case catalog.IsFileOp(tool):
			key = "file_path"
		}
		if _, taken := input[key]; !taken {
			input[key] = strings.Join(bare, " ")
		}
	}
	return input
}

// evaluate runs the request through a single-shot pipeline. No expert can
// attach to a one-shot run, so the expert timeout is near zero and
// unanswered requests surface as escalations through the exit code.
func evaluate(catalog *core.ToolCatalog, rulesPath string, req *core.ValidationRequest) *core.ValidationResult {
	rules := policy.DefaultRules()
	if rulesPath != "" {
		loaded, err := policy.LoadRules(rulesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gate-check: rules %s: %v (using bundled set)\n", rulesPath, err)
		} else {
			rules = loaded
		}
	}

	l1 := cache.NewMemoryCache(16, 3, 0.01)
	l2 := policy.NewEngine(rules, policy.Options{})
	l3 := pattern.NewPredictor(pattern.NewExtractor(catalog), pattern.NewWeightedClassifier(), pattern.PredictorOptions{})
	d := dispatcher.New(catalog, l1, l2, l3, dispatcher.Options{
		RatePerSecond: 1000,
		ExpertTimeout: 10 * time.Millisecond,
	}, nil, nil)
	defer d.Experts().Close()

	return d.Validate(context.Background(), req)
}

func printResult(res *core.ValidationResult) {
	var color string
	switch {
	case res.Decision == core.DecisionApproved:
		color = "\033[32m" // green
	case res.Decision == core.DecisionBlocked && res.Layer != core.LayerSafeDefault:
		color = "\033[31m" // red
	default:
		color = "\033[33m" // yellow
	}
	fmt.Printf("%s[%s]\033[0m %s\n", color, res.Decision, res.Reason)
	fmt.Printf("  layer=%s confidence=%s score=%.2f risk=%s (%.2fms)\n",
		res.Layer, res.Confidence, res.Score, res.RiskLevel, res.ProcessingMs)
	if len(res.SecurityConcerns) > 0 {
		fmt.Printf("  concerns: %s\n", strings.Join(res.SecurityConcerns, "; "))
	}
}

// exitFor maps the decision onto the gate contract. Safe-default blocks
// mean no layer could answer, which is an escalation, not a verdict.
func exitFor(res *core.ValidationResult) int {
	switch {
	case res.Decision == core.DecisionApproved:
		return exitApproved
	case res.Decision == core.DecisionBlocked && res.Layer != core.LayerSafeDefault:
		return exitBlocked
	default:
		return exitEscalate
	}
}
