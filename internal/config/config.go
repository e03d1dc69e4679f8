// Package config loads the osqgate server configuration.
// Values come from an optional YAML file; OSQGATE_* environment variables
// override the file for every field that declares one.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ppiankov/osqgate/internal/alert"
	"github.com/ppiankov/osqgate/internal/gate"
	"github.com/ppiankov/osqgate/internal/integrity"
	"github.com/ppiankov/osqgate/internal/logging"
)

// DirName is the per-user configuration directory under $HOME.
const DirName = ".osqgate"

// File names inside the configuration directory.
const (
	ConfigFile = "config.yaml"
	PolicyFile = "policy.yaml"
	LimitsFile = "limits.yaml"
	AuditDir   = "audit"
)

// Config holds all configuration for osqgate serve.
type Config struct {
	// Subject is the identity every stdio call runs as.
	Subject string `yaml:"subject" env:"OSQGATE_SUBJECT" env-default:""`
	// Role is assigned to Subject at startup. Empty leaves the subject
	// unassigned, which the gate denies.
	Role string `yaml:"role" env:"OSQGATE_ROLE" env-default:""`
	// Policy names the policy Role is looked up in.
	Policy string `yaml:"policy" env:"OSQGATE_POLICY" env-default:"default"`

	PolicyFile string `yaml:"policy_file" env:"OSQGATE_POLICY_FILE" env-default:""`
	LimitsFile string `yaml:"limits_file" env:"OSQGATE_LIMITS_FILE" env-default:""`
	// DisableReload turns off hot reload of the policy file.
	DisableReload bool `yaml:"disable_reload" env:"OSQGATE_DISABLE_RELOAD"`

	Mode     string `yaml:"mode" env:"OSQGATE_MODE" env-default:"enforce"`
	LogLevel string `yaml:"log_level" env:"OSQGATE_LOG_LEVEL" env-default:"info"`

	Audit   AuditConfig   `yaml:"audit"`
	Osquery OsqueryConfig `yaml:"osquery"`

	// Alerts are webhook destinations for security events. File only.
	Alerts []alert.AlertConfig `yaml:"alerts"`

	// Path is the file the configuration was read from, empty for env only.
	Path string `yaml:"-"`
}

// AuditConfig configures the event log.
type AuditConfig struct {
	// Dir holds audit.jsonl and security.jsonl. "-" keeps events in memory only.
	Dir           string        `yaml:"dir" env:"OSQGATE_AUDIT_DIR" env-default:""`
	BufferSize    int           `yaml:"buffer_size" env:"OSQGATE_AUDIT_BUFFER_SIZE" env-default:"10000"`
	SlowThreshold time.Duration `yaml:"slow_threshold" env:"OSQGATE_AUDIT_SLOW_THRESHOLD" env-default:"30s"`
	// IndexPath is an optional SQLite file mirroring events for reports.
	IndexPath string `yaml:"index_path" env:"OSQGATE_AUDIT_INDEX" env-default:""`
}

// OsqueryConfig configures the osqueryi executor.
type OsqueryConfig struct {
	Path    string        `yaml:"path" env:"OSQGATE_OSQUERY_PATH" env-default:""`
	Timeout time.Duration `yaml:"timeout" env:"OSQGATE_OSQUERY_TIMEOUT" env-default:"30s"`
	// SHA256 pins the osqueryi binary; serve refuses to start on mismatch.
	SHA256 string `yaml:"sha256" env:"OSQGATE_OSQUERY_SHA256" env-default:""`
}

// MemoryOnly reports whether durable audit files are disabled.
func (a AuditConfig) MemoryOnly() bool { return a.Dir == "-" }

// Dir returns ~/.osqgate.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: cannot determine home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// Load reads path (if non-empty and present) and applies environment
// overrides. A missing file is not an error; defaults and env still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
			cfg.Path = path
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	if cfg.Path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config: read env: %w", err)
		}
	}

	if err := cfg.fillPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillPaths resolves empty file locations under ~/.osqgate.
func (c *Config) fillPaths() error {
	if c.PolicyFile != "" && c.LimitsFile != "" && c.Audit.Dir != "" {
		return nil
	}
	dir, err := Dir()
	if err != nil {
		return err
	}
	if c.PolicyFile == "" {
		c.PolicyFile = filepath.Join(dir, PolicyFile)
	}
	if c.LimitsFile == "" {
		c.LimitsFile = filepath.Join(dir, LimitsFile)
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(dir, AuditDir)
	}
	return nil
}

// Validate checks enumerated and numeric fields.
func (c *Config) Validate() error {
	if _, err := gate.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Audit.BufferSize < 0 {
		return fmt.Errorf("config: audit.buffer_size must not be negative")
	}
	if c.Audit.SlowThreshold < 0 {
		return fmt.Errorf("config: audit.slow_threshold must not be negative")
	}
	if c.Osquery.Timeout < 0 {
		return fmt.Errorf("config: osquery.timeout must not be negative")
	}
	if c.Osquery.SHA256 != "" {
		if _, err := integrity.Normalize(c.Osquery.SHA256); err != nil {
			return fmt.Errorf("config: osquery.sha256: %w", err)
		}
	}
	if c.Role != "" && c.Subject == "" {
		return fmt.Errorf("config: role %q set without a subject", c.Role)
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("config: alerts[%d]: url is required", i)
		}
		switch a.Format {
		case "", "generic", "slack", "pagerduty":
		default:
			return fmt.Errorf("config: alerts[%d]: unknown format %q", i, a.Format)
		}
	}
	return nil
}

// DefaultConfigYAML returns a commented config.yaml for osqgate init.
func DefaultConfigYAML() string {
	return `# osqgate server configuration.
# Every scalar can be overridden with an OSQGATE_* environment variable,
# e.g. OSQGATE_SUBJECT, OSQGATE_ROLE, OSQGATE_MODE, OSQGATE_AUDIT_DIR.

# Identity of the MCP client and the role it is granted.
subject: ""
role: ""
policy: default

# Empty paths resolve under ~/.osqgate.
policy_file: ""
limits_file: ""
disable_reload: false

# enforce denies violating requests; monitor logs and admits them.
mode: enforce
log_level: info

audit:
  dir: ""            # "-" keeps events in memory only
  buffer_size: 10000
  slow_threshold: 30s
  index_path: ""     # SQLite mirror used by 'osqgate audit report'

osquery:
  path: ""           # searched in common install locations when empty
  timeout: 30s
  sha256: ""         # pin osqueryi to this digest (sha256sum $(which osqueryi))

# alerts:
#   - url: https://hooks.slack.com/services/...
#     format: slack
#     events: [high, critical]
`
}
