package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()

	def, ok := cfg.Policies[DefaultPolicyName]
	if !ok {
		t.Fatal("expected default policy")
	}
	for _, role := range []string{"guest", "user", "analyst", "admin"} {
		if def.Roles[role] == nil {
			t.Errorf("expected built-in role %q", role)
		}
	}
	if def.Roles["guest"].MaxResultRows != 50 {
		t.Errorf("expected guest MaxResultRows=50, got %d", def.Roles["guest"].MaxResultRows)
	}
	if def.Roles["analyst"].MaxQueryComplexity != 200 {
		t.Errorf("expected analyst complexity 200, got %d", def.Roles["analyst"].MaxQueryComplexity)
	}
	if len(def.ForbiddenPatterns) != len(DefaultForbiddenPatterns) {
		t.Errorf("expected %d forbidden patterns, got %d", len(DefaultForbiddenPatterns), len(def.ForbiddenPatterns))
	}
	if def.Compliance.MaxSessionDuration != 8*time.Hour {
		t.Errorf("expected 8h session duration, got %s", def.Compliance.MaxSessionDuration)
	}
	if !def.Compliance.AuditAllQueries || !def.Compliance.RequireUserIdentification {
		t.Error("expected audit_all_queries and require_user_identification on by default")
	}
}

func TestDefaultConfigIsFreshCopy(t *testing.T) {
	a := DefaultConfig()
	a.Policies[DefaultPolicyName].ForbiddenPatterns[0] = "mutated"
	b := DefaultConfig()
	if b.Policies[DefaultPolicyName].ForbiddenPatterns[0] == "mutated" {
		t.Error("DefaultConfig must not share slices between calls")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, hash, err := LoadConfigWithHash("/nonexistent/path/policy.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Policies[DefaultPolicyName] == nil {
		t.Error("expected default policy for missing file")
	}
	if !strings.HasPrefix(hash, "sha256:") {
		t.Errorf("expected sha256 hash, got %q", hash)
	}
}

func TestLoadConfigAddsPolicyAndKeepsDefault(t *testing.T) {
	path := writePolicyFile(t, `
policies:
  strict:
    description: "locked down"
    compliance:
      max_session_duration: 30m
      audit_all_queries: true
    forbidden_patterns:
      - '\bsecret\b'
    roles:
      viewer:
        access_level: read
        allowed_tools: [system_info]
        max_query_complexity: 5
        max_result_rows: 10
assignments:
  alice:
    policy: strict
    role: viewer
`)

	cfg, hash, err := LoadConfigWithHash(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if hash == "" {
		t.Error("expected non-empty hash")
	}
	if cfg.Policies[DefaultPolicyName] == nil {
		t.Error("expected built-in default policy to be kept")
	}
	strict := cfg.Policies["strict"]
	if strict == nil {
		t.Fatal("expected strict policy")
	}
	if strict.Compliance.MaxSessionDuration != 30*time.Minute {
		t.Errorf("expected 30m, got %s", strict.Compliance.MaxSessionDuration)
	}
	if strict.Roles["viewer"].AccessLevel != "read" {
		t.Errorf("expected read access, got %s", strict.Roles["viewer"].AccessLevel)
	}
	if a := cfg.Assignments["alice"]; a.Policy != "strict" || a.Role != "viewer" {
		t.Errorf("unexpected assignment %+v", a)
	}
}

func TestLoadConfigHashChangesWithContent(t *testing.T) {
	p1 := writePolicyFile(t, "assignments: {}\n")
	p2 := writePolicyFile(t, "assignments: {bob: {role: user}}\n")

	_, h1, err := LoadConfigWithHash(p1)
	if err != nil {
		t.Fatal(err)
	}
	_, h2, err := LoadConfigWithHash(p2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("expected different hashes for different content")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writePolicyFile(t, "{{invalid yaml")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestDefaultConfigYAMLParses(t *testing.T) {
	var cfg PolicyConfig
	if err := yaml.Unmarshal([]byte(DefaultConfigYAML()), &cfg); err != nil {
		t.Fatalf("DefaultConfigYAML does not parse: %v", err)
	}
	def := cfg.Policies[DefaultPolicyName]
	if def == nil {
		t.Fatal("expected default policy in generated YAML")
	}
	want := DefaultConfig().Policies[DefaultPolicyName]
	if len(def.ForbiddenPatterns) != len(want.ForbiddenPatterns) {
		t.Fatalf("expected %d forbidden patterns, got %d", len(want.ForbiddenPatterns), len(def.ForbiddenPatterns))
	}
	for i := range want.ForbiddenPatterns {
		if def.ForbiddenPatterns[i] != want.ForbiddenPatterns[i] {
			t.Errorf("pattern %d: got %q, want %q", i, def.ForbiddenPatterns[i], want.ForbiddenPatterns[i])
		}
	}
	if def.Compliance.MaxSessionDuration != want.Compliance.MaxSessionDuration {
		t.Errorf("session duration mismatch: %s", def.Compliance.MaxSessionDuration)
	}
	if _, err := NewEngine(&cfg); err != nil {
		t.Fatalf("generated YAML does not compile: %v", err)
	}
}
