package scenario

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/osqgate/internal/gate"
	"github.com/ppiankov/osqgate/internal/model"
	"github.com/ppiankov/osqgate/internal/policy"
)

// Run evaluates all cases in a scenario against the given policy config.
// Each case gets a fresh engine so role assignments never leak between cases.
// Cases are evaluated for admission only; nothing is logged or executed.
func Run(s *Scenario, cfg *policy.PolicyConfig) (*RunResult, error) {
	mode, err := gate.ParseMode(s.Mode)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", s.Name, err)
	}

	result := &RunResult{
		Name:  s.Name,
		Total: len(s.Cases),
	}

	for i, c := range s.Cases {
		cr := runCase(i, c, s.Policy, mode, cfg)
		if cr.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Cases = append(result.Cases, cr)
	}

	return result, nil
}

func runCase(i int, c Case, scenarioPolicy string, mode gate.Mode, cfg *policy.PolicyConfig) CaseResult {
	subject := c.Subject
	if subject == "" && c.Role != "" {
		subject = fmt.Sprintf("scenario-%d", i+1)
	}
	cr := CaseResult{
		Index:    i + 1,
		Subject:  subject,
		Role:     c.Role,
		Tool:     c.Request.Tool,
		Expected: strings.ToLower(strings.TrimSpace(c.Expect)),
	}

	engine, err := policy.NewEngine(cfg)
	if err != nil {
		cr.Actual = "error"
		cr.Reason = err.Error()
		return cr
	}
	if c.Role != "" {
		polName := c.Policy
		if polName == "" {
			polName = scenarioPolicy
		}
		if err := engine.AssignRole(subject, c.Role, polName); err != nil {
			cr.Actual = "error"
			cr.Reason = err.Error()
			return cr
		}
	}

	eval := gate.New(engine, nil, nil, nil, gate.WithMode(mode)).Evaluate(gate.Request{
		Subject: subject,
		Tool:    c.Request.Tool,
		Params:  params(c.Request),
		SQL:     c.Request.SQL,
	})

	cr.Actual = string(eval.Decision)
	for _, k := range model.Kinds(eval.Violations) {
		cr.Kinds = append(cr.Kinds, string(k))
	}
	if len(eval.Violations) > 0 {
		cr.Reason = eval.Violations[0].Message
	}
	cr.Missing = missingKinds(c.Kinds, cr.Kinds)
	cr.Passed = cr.Actual == cr.Expected && len(cr.Missing) == 0
	return cr
}

func params(r Request) map[string]any {
	out := make(map[string]any, len(r.Params)+1)
	for k, v := range r.Params {
		out[k] = v
	}
	if r.SQL != "" {
		out["sql"] = r.SQL
	}
	return out
}

func missingKinds(want, got []string) []string {
	seen := make(map[string]bool, len(got))
	for _, k := range got {
		seen[k] = true
	}
	var missing []string
	for _, k := range want {
		if !seen[strings.ToLower(k)] {
			missing = append(missing, k)
		}
	}
	return missing
}

// Load parses a scenario YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return &s, nil
}

// LoadAndRun loads a scenario YAML file and the policy file, and runs.
func LoadAndRun(path, policyPath string) (*RunResult, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}

	cfg, err := policy.LoadConfig(policyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	result, err := Run(s, cfg)
	if err != nil {
		return nil, err
	}
	result.File = path
	return result, nil
}
