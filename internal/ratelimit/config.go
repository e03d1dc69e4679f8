package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scope names. Tool scopes are "tool:<name>".
const (
	ScopeGlobal     = "global"
	ScopeUser       = "user"
	toolScopePrefix = "tool:"
)

// DefaultComplexityWindow is used when a scope sets a complexity budget without a window.
const DefaultComplexityWindow = 60 * time.Second

// ScopeLimits defines the limits for one scope.
// Zero values mean no limit for that dimension.
type ScopeLimits struct {
	RequestsPerMinute  int           `yaml:"requests_per_minute" json:"requests_per_minute,omitempty"`
	RequestsPerHour    int           `yaml:"requests_per_hour" json:"requests_per_hour,omitempty"`
	ConcurrentRequests int           `yaml:"concurrent_requests" json:"concurrent_requests,omitempty"`
	QueryComplexity    int           `yaml:"query_complexity" json:"query_complexity,omitempty"`
	ComplexityWindow   time.Duration `yaml:"complexity_window" json:"complexity_window,omitempty"`
}

// Config maps scope names to their limits.
type Config struct {
	Scopes map[string]*ScopeLimits `yaml:"scopes"`
}

// ToolScope returns the scope name for a tool.
func ToolScope(tool string) string {
	return toolScopePrefix + tool
}

// Validate rejects unknown scope names and negative limits.
func (c *Config) Validate() error {
	names := make([]string, 0, len(c.Scopes))
	for name := range c.Scopes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		switch {
		case name == ScopeGlobal, name == ScopeUser:
		case strings.HasPrefix(name, toolScopePrefix) && len(name) > len(toolScopePrefix):
		default:
			return fmt.Errorf("ratelimit: invalid scope %q (want global, user or tool:<name>)", name)
		}
		s := c.Scopes[name]
		if s == nil {
			continue
		}
		if s.RequestsPerMinute < 0 || s.RequestsPerHour < 0 || s.ConcurrentRequests < 0 ||
			s.QueryComplexity < 0 || s.ComplexityWindow < 0 {
			return fmt.Errorf("ratelimit: scope %q: limits must not be negative", name)
		}
	}
	return nil
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() *Config {
	return &Config{
		Scopes: map[string]*ScopeLimits{
			ScopeGlobal: {
				RequestsPerMinute:  60,
				RequestsPerHour:    1000,
				ConcurrentRequests: 10,
			},
			ScopeUser: {
				RequestsPerMinute: 30,
				RequestsPerHour:   500,
			},
			ToolScope("custom_query"): {
				RequestsPerMinute: 10,
				QueryComplexity:   100,
				ComplexityWindow:  DefaultComplexityWindow,
			},
			ToolScope("processes"): {
				RequestsPerMinute: 20,
			},
		},
	}
}

// LoadConfig loads limits from a YAML file. Missing file returns defaults.
func LoadConfig(path string) (*Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads limits and returns the SHA-256 hash of the file.
// Empty path falls back to ~/.osqgate/limits.yaml. Scopes named in the file
// replace the built-in scope of the same name.
func LoadConfigWithHash(path string) (*Config, string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return DefaultConfig(), emptyHash(), nil
		}
		path = filepath.Join(home, ".osqgate", "limits.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), emptyHash(), nil
		}
		return nil, "", fmt.Errorf("failed to read limits config: %w", err)
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse limits config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

func emptyHash() string {
	h := sha256.Sum256(nil)
	return "sha256:" + hex.EncodeToString(h[:])
}

// DefaultConfigYAML returns a commented YAML string for `osqgate init`.
func DefaultConfigYAML() string {
	return `# osqgate rate limits
# Generated by: osqgate init
#
# Scopes: global, user (applied per subject), tool:<name>.
# A request is admitted only if every applicable check passes.
# Denied requests do not consume quota.

scopes:
  global:
    requests_per_minute: 60
    requests_per_hour: 1000
    concurrent_requests: 10
  user:
    requests_per_minute: 30
    requests_per_hour: 500
  tool:custom_query:
    requests_per_minute: 10
    # summed estimated complexity per subject over the window
    query_complexity: 100
    complexity_window: 60s
  tool:processes:
    requests_per_minute: 20
`
}
