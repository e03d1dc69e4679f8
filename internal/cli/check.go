package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/osqgate/internal/model"
	"github.com/ppiankov/osqgate/internal/policy"
	"github.com/ppiankov/osqgate/internal/scenario"
)

var (
	checkScenario string
	checkPolicy   string
	checkFormat   string
	checkSubject  string
	checkRole     string
	checkTool     string
	checkSQL      string
	checkParams   []string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkScenario, "scenario", "", "Glob pattern for scenario YAML files")
	checkCmd.Flags().StringVar(&checkPolicy, "policy", "", "Path to policy YAML (default ~/.osqgate/policy.yaml)")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
	checkCmd.Flags().StringVar(&checkSubject, "subject", "", "Subject for a single request check")
	checkCmd.Flags().StringVar(&checkRole, "role", "", "Role assigned to the subject")
	checkCmd.Flags().StringVar(&checkTool, "tool", "", "Tool for a single request check")
	checkCmd.Flags().StringVar(&checkSQL, "sql", "", "SQL for custom_query")
	checkCmd.Flags().StringArrayVar(&checkParams, "param", nil, "Tool parameter as key=value (repeatable)")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate requests against policy without executing them",
	Long: "With --scenario, loads scenario YAML files matching a glob pattern,\n" +
		"evaluates each case through admission and reports pass/fail.\n" +
		"Exit code 0 if all cases pass, 1 if any fail. Use in CI to gate\n" +
		"policy changes.\n\n" +
		"With --tool, evaluates one request and prints the decision.",
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	switch {
	case checkScenario != "":
		failed, err := checkScenarios(cmd.OutOrStdout(), checkScenario, checkPolicy, checkFormat)
		if err != nil {
			return err
		}
		if failed {
			os.Exit(1)
		}
		return nil
	case checkTool != "":
		denied, err := checkRequest(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if denied {
			os.Exit(1)
		}
		return nil
	default:
		return fmt.Errorf("either --scenario or --tool is required")
	}
}

// checkScenarios runs every matching scenario file and reports whether any case failed.
func checkScenarios(w io.Writer, pattern, policyPath, format string) (bool, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid glob pattern: %w", err)
	}
	if len(matches) == 0 {
		return false, fmt.Errorf("no scenario files match pattern: %s", pattern)
	}

	var results []*scenario.RunResult
	for _, path := range matches {
		r, err := scenario.LoadAndRun(path, policyPath)
		if err != nil {
			return false, fmt.Errorf("%s: %w", path, err)
		}
		results = append(results, r)
	}

	switch format {
	case "json":
		out, err := scenario.FormatJSON(results)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(w, out)
	default:
		fmt.Fprint(w, scenario.FormatText(results))
	}

	for _, r := range results {
		if r.Failed > 0 {
			return true, nil
		}
	}
	return false, nil
}

// checkRequest evaluates the single request described by flags as a
// one-case scenario and reports whether it was denied.
func checkRequest(w io.Writer) (bool, error) {
	params, err := parseParams(checkParams)
	if err != nil {
		return false, err
	}
	cfg, err := policy.LoadConfig(checkPolicy)
	if err != nil {
		return false, fmt.Errorf("load policy: %w", err)
	}
	result, err := scenario.Run(&scenario.Scenario{
		Name: "request",
		Cases: []scenario.Case{{
			Subject: checkSubject,
			Role:    checkRole,
			Request: scenario.Request{Tool: checkTool, Params: params, SQL: checkSQL},
			Expect:  string(model.Allow),
		}},
	}, cfg)
	if err != nil {
		return false, err
	}
	c := result.Cases[0]

	if checkFormat == "json" {
		out, _ := json.MarshalIndent(c, "", "  ")
		fmt.Fprintln(w, string(out))
	} else {
		fmt.Fprintf(w, "decision: %s\n", c.Actual)
		if len(c.Kinds) > 0 {
			fmt.Fprintf(w, "kinds:    %s\n", strings.Join(c.Kinds, ", "))
		}
		if c.Reason != "" {
			fmt.Fprintf(w, "reason:   %s\n", c.Reason)
		}
	}
	return c.Actual != string(model.Allow), nil
}

func parseParams(raw []string) (map[string]any, error) {
	params := make(map[string]any, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", kv)
		}
		params[k] = v
	}
	return params, nil
}
