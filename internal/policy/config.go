package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPolicyName is used when an assignment does not name a policy.
const DefaultPolicyName = "default"

// RoleSpec is the YAML shape of a role definition.
type RoleSpec struct {
	AccessLevel        string   `yaml:"access_level"`
	AllowedTools       []string `yaml:"allowed_tools"`
	AllowedTables      []string `yaml:"allowed_tables"`
	ForbiddenTables    []string `yaml:"forbidden_tables"`
	MaxQueryComplexity int      `yaml:"max_query_complexity"`
	MaxResultRows      int      `yaml:"max_result_rows"`
	CustomQueries      bool     `yaml:"custom_queries"`
	QueryPatterns      []string `yaml:"query_patterns"`
}

// PolicySpec is the YAML shape of one named policy.
type PolicySpec struct {
	Description       string               `yaml:"description"`
	Roles             map[string]*RoleSpec `yaml:"roles"`
	ForbiddenPatterns []string             `yaml:"forbidden_patterns"`
	RequiredPatterns  []string             `yaml:"required_patterns"`
	Compliance        Compliance           `yaml:"compliance"`
}

// Assignment binds a subject to a role within a policy.
type Assignment struct {
	Policy string `yaml:"policy" json:"policy"`
	Role   string `yaml:"role" json:"role"`
}

// PolicyConfig holds every policy definition plus static subject assignments.
type PolicyConfig struct {
	Policies    map[string]*PolicySpec `yaml:"policies"`
	Assignments map[string]Assignment  `yaml:"assignments"`
}

// DefaultForbiddenPatterns are applied to every query regardless of role.
var DefaultForbiddenPatterns = []string{
	// statement chaining / nested verbs
	`(\b(union|select|insert|update|delete|drop|create|alter)\b.*\b(union|select|insert|update|delete|drop|create|alter)\b)`,
	`(\b(or|and)\b\s*\d+\s*[=<>])`,
	`['"];?\s*(\b(or|and|union|select)\b)`,
	// filesystem path literals against the file table
	`\bfile\b.*\bpath\b.*['"]/`,
	// host manipulation
	`\b(shutdown|reboot|kill|killall)\b`,
	// credential harvesting
	`\b(password|passwd|shadow|credential)\b`,
}

// DefaultConfig returns the built-in policy set: one "default" policy with
// guest, user, analyst and admin roles.
func DefaultConfig() *PolicyConfig {
	return &PolicyConfig{
		Policies: map[string]*PolicySpec{
			DefaultPolicyName: {
				Description: "Default security policy with role-based access control",
				Roles: map[string]*RoleSpec{
					"guest": {
						AccessLevel:        string(AccessRead),
						AllowedTools:       []string{"system_info", StatusTool},
						AllowedTables:      []string{"system_info", "os_version", "uptime"},
						MaxQueryComplexity: 10,
						MaxResultRows:      50,
						// Queries stay gated by allowed_tools; the table scope still applies
						// if an operator grants custom_query to guests.
						CustomQueries: true,
					},
					"user": {
						AccessLevel:  string(AccessLimited),
						AllowedTools: []string{"system_info", "processes", "users", "network_interfaces", StatusTool},
						AllowedTables: []string{
							"system_info", "os_version", "uptime", "processes", "users",
							"interface_details", "listening_ports",
						},
						ForbiddenTables:    []string{"file", "hash", "yara"},
						MaxQueryComplexity: 50,
						MaxResultRows:      500,
						CustomQueries:      true,
						QueryPatterns: []string{
							`SELECT .+ FROM (system_info|processes|users|interface_details)`,
							`SELECT .+ FROM processes WHERE .+ LIMIT \d+`,
						},
					},
					"analyst": {
						AccessLevel: string(AccessFull),
						AllowedTools: []string{
							"system_info", "processes", "users", "network_interfaces",
							"network_connections", "custom_query", StatusTool,
						},
						AllowedTables: []string{
							"system_info", "processes", "users", "interface_details",
							"listening_ports", "process_open_sockets", "file", "hash",
						},
						ForbiddenTables:    []string{"yara", "kernel_modules"},
						MaxQueryComplexity: 200,
						MaxResultRows:      2000,
						CustomQueries:      true,
					},
					"admin": {
						AccessLevel:        string(AccessAdmin),
						MaxQueryComplexity: 1000,
						MaxResultRows:      10000,
						CustomQueries:      true,
					},
				},
				ForbiddenPatterns: append([]string(nil), DefaultForbiddenPatterns...),
				RequiredPatterns: []string{
					`SELECT .* FROM (processes|file|hash) .* LIMIT \d+`,
				},
				Compliance: Compliance{
					AuditAllQueries:           true,
					MaxSessionDuration:        8 * time.Hour,
					RequireUserIdentification: true,
					LogDataAccess:             true,
				},
			},
		},
		Assignments: map[string]Assignment{},
	}
}

// LoadConfig loads policy configuration from a YAML file.
// Empty path falls back to ~/.osqgate/policy.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (*PolicyConfig, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads policy configuration and returns its SHA-256 hash.
// The hash is computed over the raw YAML bytes on disk.
// When no file exists (defaults used), the hash is the SHA-256 of empty input.
//
// Policies named in the file replace the built-in policy of the same name
// wholesale; built-in policies not mentioned are kept.
func LoadConfigWithHash(path string) (*PolicyConfig, string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return DefaultConfig(), emptyHash(), nil
		}
		path = filepath.Join(home, ".osqgate", "policy.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), emptyHash(), nil
		}
		return nil, "", fmt.Errorf("failed to read policy config: %w", err)
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse policy config: %w", err)
	}
	if cfg.Assignments == nil {
		cfg.Assignments = map[string]Assignment{}
	}

	return cfg, hash, nil
}

func emptyHash() string {
	h := sha256.Sum256(nil)
	return "sha256:" + hex.EncodeToString(h[:])
}

// DefaultConfigYAML returns a commented YAML string for `osqgate init`.
func DefaultConfigYAML() string {
	return `# osqgate policy configuration
# Generated by: osqgate init
#
# Validation order for custom_query (cannot be changed):
#   1. subject has a role                -> unauthorized_access
#   2. role allows custom queries        -> unauthorized_access
#   3. forbidden_patterns                -> forbidden_query
#   4. injection heuristics              -> sql_injection
#   5. allowed/forbidden tables          -> unauthorized_access
#   6. max_query_complexity              -> suspicious_pattern
#   7. LIMIT vs max_result_rows          -> data_exfiltration
#
# A policy defined here replaces the built-in policy of the same name.

policies:
  default:
    description: "Default security policy with role-based access control"
    compliance:
      audit_all_queries: true
      max_session_duration: 8h
      require_user_identification: true
      log_data_access: true
    forbidden_patterns:
      - '(\b(union|select|insert|update|delete|drop|create|alter)\b.*\b(union|select|insert|update|delete|drop|create|alter)\b)'
      - '(\b(or|and)\b\s*\d+\s*[=<>])'
      - '[''"];?\s*(\b(or|and|union|select)\b)'
      - '\bfile\b.*\bpath\b.*[''"]/'
      - '\b(shutdown|reboot|kill|killall)\b'
      - '\b(password|passwd|shadow|credential)\b'
    required_patterns:
      - 'SELECT .* FROM (processes|file|hash) .* LIMIT \d+'
    roles:
      guest:
        access_level: read
        allowed_tools: [system_info, security_status]
        allowed_tables: [system_info, os_version, uptime]
        max_query_complexity: 10
        max_result_rows: 50
        custom_queries: true
      user:
        access_level: limited
        allowed_tools: [system_info, processes, users, network_interfaces, security_status]
        allowed_tables: [system_info, os_version, uptime, processes, users, interface_details, listening_ports]
        forbidden_tables: [file, hash, yara]
        max_query_complexity: 50
        max_result_rows: 500
        custom_queries: true
        query_patterns:
          - 'SELECT .+ FROM (system_info|processes|users|interface_details)'
          - 'SELECT .+ FROM processes WHERE .+ LIMIT \d+'
      analyst:
        access_level: full
        allowed_tools: [system_info, processes, users, network_interfaces, network_connections, custom_query, security_status]
        allowed_tables: [system_info, processes, users, interface_details, listening_ports, process_open_sockets, file, hash]
        forbidden_tables: [yara, kernel_modules]
        max_query_complexity: 200
        max_result_rows: 2000
        custom_queries: true
      admin:
        access_level: admin
        max_query_complexity: 1000
        max_result_rows: 10000
        custom_queries: true

# Static subject assignments applied at startup and on reload.
# assignments:
#   alice: {policy: default, role: analyst}
assignments: {}
`
}
