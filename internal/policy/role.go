package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// AccessLevel is the coarse privilege tier attached to a role.
type AccessLevel string

const (
	AccessNone    AccessLevel = "none"
	AccessRead    AccessLevel = "read"
	AccessLimited AccessLevel = "limited"
	AccessFull    AccessLevel = "full"
	AccessAdmin   AccessLevel = "admin"
)

// parseAccessLevel maps a config string to an AccessLevel. Fail-closed: unknown → none.
func parseAccessLevel(s string) AccessLevel {
	switch AccessLevel(strings.ToLower(strings.TrimSpace(s))) {
	case AccessRead:
		return AccessRead
	case AccessLimited:
		return AccessLimited
	case AccessFull:
		return AccessFull
	case AccessAdmin:
		return AccessAdmin
	default:
		return AccessNone
	}
}

// Role is a compiled, immutable permission bundle.
type Role struct {
	Name               string
	AccessLevel        AccessLevel
	MaxQueryComplexity int
	MaxResultRows      int
	CustomQueries      bool

	allowedTools    map[string]bool
	allowedTables   map[string]bool
	forbiddenTables map[string]bool
	queryPatterns   []*regexp.Regexp
}

// AllowsTool reports whether the role may call the tool. An empty allow set means all tools.
func (r *Role) AllowsTool(tool string) bool {
	return len(r.allowedTools) == 0 || r.allowedTools[tool]
}

// ForbidsTable reports whether the table is explicitly forbidden for the role.
func (r *Role) ForbidsTable(table string) bool {
	return r.forbiddenTables[strings.ToLower(table)]
}

// AllowsTable reports whether the table is readable. Forbidden tables always lose;
// an empty allow set means every table not forbidden.
func (r *Role) AllowsTable(table string) bool {
	t := strings.ToLower(table)
	if r.forbiddenTables[t] {
		return false
	}
	return len(r.allowedTables) == 0 || r.allowedTables[t]
}

// Compliance holds policy-wide flags enforced by the admission gate.
type Compliance struct {
	AuditAllQueries           bool          `yaml:"audit_all_queries" json:"audit_all_queries"`
	MaxSessionDuration        time.Duration `yaml:"max_session_duration" json:"max_session_duration"`
	RequireUserIdentification bool          `yaml:"require_user_identification" json:"require_user_identification"`
	LogDataAccess             bool          `yaml:"log_data_access" json:"log_data_access"`
}

// Policy is a compiled, immutable set of roles plus global query rules.
type Policy struct {
	Name        string
	Description string
	Compliance  Compliance

	roles     map[string]*Role
	forbidden []*regexp.Regexp
	required  []*regexp.Regexp
}

// Role returns the named role, or nil.
func (p *Policy) Role(name string) *Role {
	return p.roles[name]
}

// RoleNames returns the policy's role names in sorted order.
func (p *Policy) RoleNames() []string {
	names := make([]string, 0, len(p.roles))
	for n := range p.roles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MissingRequired returns the global required patterns the normalized query does not match.
// Required patterns are informational: they are surfaced in audit context, not as violations.
func (p *Policy) MissingRequired(sql string) []string {
	normalized := normalize(sql)
	var missing []string
	for _, re := range p.required {
		if !re.MatchString(normalized) {
			missing = append(missing, patternSource(re.String()))
		}
	}
	return missing
}

func compileRole(name string, spec *RoleSpec) (*Role, error) {
	r := &Role{
		Name:               name,
		AccessLevel:        parseAccessLevel(spec.AccessLevel),
		MaxQueryComplexity: spec.MaxQueryComplexity,
		MaxResultRows:      spec.MaxResultRows,
		CustomQueries:      spec.CustomQueries,
		allowedTools:       toSet(spec.AllowedTools, false),
		allowedTables:      toSet(spec.AllowedTables, true),
		forbiddenTables:    toSet(spec.ForbiddenTables, true),
	}
	for _, p := range spec.QueryPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("role %q: invalid query pattern %q: %w", name, p, err)
		}
		r.queryPatterns = append(r.queryPatterns, re)
	}
	return r, nil
}

func compilePolicy(name string, spec *PolicySpec) (*Policy, error) {
	if spec == nil {
		return nil, fmt.Errorf("policy %q: empty definition", name)
	}
	p := &Policy{
		Name:        name,
		Description: spec.Description,
		Compliance:  spec.Compliance,
		roles:       make(map[string]*Role, len(spec.Roles)),
	}
	for roleName, rs := range spec.Roles {
		if rs == nil {
			return nil, fmt.Errorf("policy %q: role %q: empty definition", name, roleName)
		}
		r, err := compileRole(roleName, rs)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		p.roles[roleName] = r
	}
	var err error
	if p.forbidden, err = compilePatterns(spec.ForbiddenPatterns); err != nil {
		return nil, fmt.Errorf("policy %q: forbidden patterns: %w", name, err)
	}
	if p.required, err = compilePatterns(spec.RequiredPatterns); err != nil {
		return nil, fmt.Errorf("policy %q: required patterns: %w", name, err)
	}
	return p, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func toSet(items []string, lower bool) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if lower {
			it = strings.ToLower(it)
		}
		if it != "" {
			set[it] = true
		}
	}
	return set
}

func setKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
