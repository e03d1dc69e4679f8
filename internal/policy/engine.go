package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ppiankov/osqgate/internal/model"
)

var (
	// ErrUnknownPolicy is returned when a policy name is not defined.
	ErrUnknownPolicy = errors.New("unknown policy")
	// ErrUnknownRole is returned when a role name is not defined in the policy.
	ErrUnknownRole = errors.New("unknown role")
)

// CustomQueryTool is the tool whose "sql" parameter goes through full query inspection.
const CustomQueryTool = "custom_query"

// StatusTool reports the caller's own permissions and limits.
const StatusTool = "security_status"

// Engine validates tool and query access for subjects against compiled policies.
// Safe for concurrent use: validations take a read lock, AssignRole and Reload
// take the write lock.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*Policy
	assignments map[string]Assignment
	hash        string
	logger      *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the operator logger. Nil is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine compiles every policy in cfg and applies its static assignments.
// Invalid regexes or assignments that name unknown policies/roles fail fast.
func NewEngine(cfg *PolicyConfig, opts ...Option) (*Engine, error) {
	e := &Engine{
		assignments: make(map[string]Assignment),
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	policies, err := compileConfig(cfg)
	if err != nil {
		return nil, err
	}
	e.policies = policies
	for subject, a := range cfg.Assignments {
		if err := e.assignLocked(subject, a.Role, a.Policy); err != nil {
			return nil, fmt.Errorf("assignment %q: %w", subject, err)
		}
	}
	return e, nil
}

func compileConfig(cfg *PolicyConfig) (map[string]*Policy, error) {
	if len(cfg.Policies) == 0 {
		return nil, fmt.Errorf("policy config defines no policies")
	}
	out := make(map[string]*Policy, len(cfg.Policies))
	for name, spec := range cfg.Policies {
		p, err := compilePolicy(name, spec)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}

// Reload swaps in a new policy set. Static assignments from cfg are applied on
// top of runtime assignments. Runtime assignments whose policy or role no
// longer exists fail closed at lookup. On error the engine is unchanged.
func (e *Engine) Reload(cfg *PolicyConfig, hash string) error {
	policies, err := compileConfig(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prevPolicies, prevAssignments := e.policies, e.assignments
	e.policies = policies
	e.assignments = make(map[string]Assignment, len(prevAssignments))
	for s, a := range prevAssignments {
		e.assignments[s] = a
	}
	for subject, a := range cfg.Assignments {
		if err := e.assignLocked(subject, a.Role, a.Policy); err != nil {
			e.policies, e.assignments = prevPolicies, prevAssignments
			return fmt.Errorf("assignment %q: %w", subject, err)
		}
	}
	e.hash = hash
	e.logger.Info("policy reloaded", zap.String("policy_hash", hash), zap.Int("policies", len(policies)))
	return nil
}

// ReloadFile loads a policy file and swaps it in.
func (e *Engine) ReloadFile(path string) error {
	cfg, hash, err := LoadConfigWithHash(path)
	if err != nil {
		return err
	}
	return e.Reload(cfg, hash)
}

// SetHash records the hash of the config the engine was built from.
func (e *Engine) SetHash(hash string) {
	e.mu.Lock()
	e.hash = hash
	e.mu.Unlock()
}

// Hash returns the hash of the currently loaded policy file.
func (e *Engine) Hash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hash
}

// AssignRole binds subject to role within policy, overwriting any previous
// assignment. An empty policy name means "default".
func (e *Engine) AssignRole(subject, role, policy string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assignLocked(subject, role, policy)
}

func (e *Engine) assignLocked(subject, role, policy string) error {
	if policy == "" {
		policy = DefaultPolicyName
	}
	p, ok := e.policies[policy]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
	if p.Role(role) == nil {
		return fmt.Errorf("%w: %q in policy %q", ErrUnknownRole, role, policy)
	}
	e.assignments[subject] = Assignment{Policy: policy, Role: role}
	return nil
}

// Assignment returns the subject's assignment, if any.
func (e *Engine) Assignment(subject string) (Assignment, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.assignments[subject]
	return a, ok
}

// PolicyNames returns defined policy names in sorted order.
func (e *Engine) PolicyNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.policies))
	for n := range e.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Policy returns the named policy, or nil.
func (e *Engine) Policy(name string) *Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policies[name]
}

// PolicyFor returns the policy the subject is assigned to, or nil.
func (e *Engine) PolicyFor(subject string) *Policy {
	p, _ := e.resolve(subject)
	return p
}

// resolve returns the subject's policy and role. Both are nil when the subject
// is unassigned or its assignment points at names that no longer exist.
func (e *Engine) resolve(subject string) (*Policy, *Role) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.assignments[subject]
	if !ok {
		return nil, nil
	}
	p := e.policies[a.Policy]
	if p == nil {
		return nil, nil
	}
	r := p.Role(a.Role)
	if r == nil {
		return nil, nil
	}
	return p, r
}

func noRole(subject, tool string) model.Violation {
	return model.Violation{
		Kind:        model.UnauthorizedAccess,
		Severity:    model.SevHigh,
		Message:     fmt.Sprintf("no role assigned to subject %q", subject),
		Context:     model.ViolationContext{Subject: subject, Tool: tool},
		Remediation: "assign a role to the subject before calling tools",
	}
}

// ValidateToolAccess checks whether the subject's role may call tool.
// Repeated calls with the same inputs and state return equal results.
func (e *Engine) ValidateToolAccess(subject, tool string) []model.Violation {
	_, role := e.resolve(subject)
	return validateTool(subject, tool, role)
}

func validateTool(subject, tool string, role *Role) []model.Violation {
	if role == nil {
		return []model.Violation{noRole(subject, tool)}
	}
	if !role.AllowsTool(tool) {
		return []model.Violation{{
			Kind:        model.UnauthorizedAccess,
			Severity:    model.SevMedium,
			Message:     fmt.Sprintf("role %q may not use tool %q", role.Name, tool),
			Context:     model.ViolationContext{Subject: subject, Tool: tool, Role: role.Name},
			Remediation: fmt.Sprintf("use one of the allowed tools: %s", strings.Join(setKeys(role.allowedTools), ", ")),
		}}
	}
	return nil
}

// ValidateCustomQuery inspects an ad-hoc query for the subject. A missing role
// or a role without custom-query permission yields a single violation and stops.
// Otherwise forbidden patterns, injection heuristics, table access, complexity
// and row limits are all evaluated and their violations accumulated.
// Malformed SQL never causes an error.
func (e *Engine) ValidateCustomQuery(subject, sql string) []model.Violation {
	p, role := e.resolve(subject)
	return validateQuery(subject, sql, p, role)
}

func validateQuery(subject, sql string, p *Policy, role *Role) []model.Violation {
	if role == nil {
		return []model.Violation{noRole(subject, CustomQueryTool)}
	}
	ctx := model.ViolationContext{Subject: subject, Tool: CustomQueryTool, Role: role.Name}
	if !role.CustomQueries {
		return []model.Violation{{
			Kind:        model.UnauthorizedAccess,
			Severity:    model.SevHigh,
			Message:     fmt.Sprintf("role %q may not run custom queries", role.Name),
			Context:     ctx,
			Remediation: "use a predefined inspection tool instead",
		}}
	}

	normalized := normalize(sql)
	var out []model.Violation

	for _, re := range p.forbidden {
		if frag := re.FindString(normalized); frag != "" {
			c := ctx
			c.Pattern = patternSource(re.String())
			c.Fragment = frag
			out = append(out, model.Violation{
				Kind:        model.ForbiddenQuery,
				Severity:    model.SevCritical,
				Message:     "query matches a forbidden pattern",
				Context:     c,
				Remediation: "remove the forbidden construct from the query",
			})
		}
	}

	for _, m := range scanInjection(normalized) {
		c := ctx
		c.Pattern = m.Family
		c.Fragment = m.Fragment
		out = append(out, model.Violation{
			Kind:        model.SQLInjection,
			Severity:    model.SevCritical,
			Message:     fmt.Sprintf("possible SQL injection (%s)", strings.ReplaceAll(m.Family, "_", " ")),
			Context:     c,
			Remediation: "submit a single read-only SELECT without comments or injected predicates",
		})
	}

	tables := ExtractTables(normalized)
	for _, t := range tables {
		c := ctx
		c.Table = t
		switch {
		case role.ForbidsTable(t):
			out = append(out, model.Violation{
				Kind:        model.UnauthorizedAccess,
				Severity:    model.SevHigh,
				Message:     fmt.Sprintf("table %q is forbidden for role %q", t, role.Name),
				Context:     c,
				Remediation: "query a table the role is permitted to read",
			})
		case !role.AllowsTable(t):
			out = append(out, model.Violation{
				Kind:        model.UnauthorizedAccess,
				Severity:    model.SevMedium,
				Message:     fmt.Sprintf("table %q is not in the allowed set for role %q", t, role.Name),
				Context:     c,
				Remediation: fmt.Sprintf("allowed tables: %s", strings.Join(setKeys(role.allowedTables), ", ")),
			})
		}
	}

	if complexity := Complexity(normalized); role.MaxQueryComplexity > 0 && complexity > role.MaxQueryComplexity {
		c := ctx
		c.Value = complexity
		c.Limit = role.MaxQueryComplexity
		out = append(out, model.Violation{
			Kind:        model.SuspiciousPattern,
			Severity:    model.SevMedium,
			Message:     fmt.Sprintf("query complexity %d exceeds maximum %d", complexity, role.MaxQueryComplexity),
			Context:     c,
			Remediation: "reduce joins, grouping, ordering and predicates",
		})
	}

	if limit, ok := DeclaredLimit(normalized); ok {
		if role.MaxResultRows > 0 && limit > role.MaxResultRows {
			c := ctx
			c.Value = limit
			c.Limit = role.MaxResultRows
			out = append(out, model.Violation{
				Kind:        model.DataExfiltration,
				Severity:    model.SevMedium,
				Message:     fmt.Sprintf("LIMIT %d exceeds maximum result rows %d", limit, role.MaxResultRows),
				Context:     c,
				Remediation: fmt.Sprintf("use LIMIT %d or less", role.MaxResultRows),
			})
		}
	} else {
		for _, t := range tables {
			if !IsLargeTable(t) {
				continue
			}
			c := ctx
			c.Table = t
			c.Limit = role.MaxResultRows
			out = append(out, model.Violation{
				Kind:        model.DataExfiltration,
				Severity:    model.SevMedium,
				Message:     fmt.Sprintf("unbounded read of large table %q", t),
				Context:     c,
				Remediation: "add a LIMIT clause",
			})
			break
		}
	}

	return out
}

// ValidateRequest validates a tool call. An unassigned subject yields exactly
// one unauthorized_access violation and nothing else is evaluated.
func (e *Engine) ValidateRequest(subject, tool string, params map[string]any) []model.Violation {
	p, role := e.resolve(subject)
	if role == nil {
		return []model.Violation{noRole(subject, tool)}
	}

	out := validateTool(subject, tool, role)
	if tool == CustomQueryTool {
		if sql, ok := params["sql"].(string); ok && strings.TrimSpace(sql) != "" {
			out = append(out, validateQuery(subject, sql, p, role)...)
		}
		return out
	}
	return append(out, checkParams(subject, tool, role.Name, params)...)
}

// QueryWhitelisted reports whether the query matches the role's query pattern
// whitelist. Roles without a whitelist match everything; unassigned subjects match nothing.
func (e *Engine) QueryWhitelisted(subject, sql string) bool {
	_, role := e.resolve(subject)
	if role == nil {
		return false
	}
	if len(role.queryPatterns) == 0 {
		return true
	}
	normalized := normalize(sql)
	for _, re := range role.queryPatterns {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}

// Permissions is a read-only view of a subject's effective role.
type Permissions struct {
	Subject            string      `json:"subject"`
	Policy             string      `json:"policy"`
	Role               string      `json:"role"`
	AccessLevel        AccessLevel `json:"access_level"`
	AllowedTools       []string    `json:"allowed_tools"`
	AllowedTables      []string    `json:"allowed_tables"`
	ForbiddenTables    []string    `json:"forbidden_tables"`
	MaxQueryComplexity int         `json:"max_query_complexity"`
	MaxResultRows      int         `json:"max_result_rows"`
	CustomQueries      bool        `json:"custom_queries"`
	QueryPatterns      []string    `json:"query_patterns,omitempty"`
	Compliance         Compliance  `json:"compliance"`
}

// Permissions returns the subject's effective permissions. False when unassigned.
func (e *Engine) Permissions(subject string) (Permissions, bool) {
	p, role := e.resolve(subject)
	if role == nil {
		return Permissions{Subject: subject, AccessLevel: AccessNone}, false
	}
	perms := Permissions{
		Subject:            subject,
		Policy:             p.Name,
		Role:               role.Name,
		AccessLevel:        role.AccessLevel,
		AllowedTools:       setKeys(role.allowedTools),
		AllowedTables:      setKeys(role.allowedTables),
		ForbiddenTables:    setKeys(role.forbiddenTables),
		MaxQueryComplexity: role.MaxQueryComplexity,
		MaxResultRows:      role.MaxResultRows,
		CustomQueries:      role.CustomQueries,
		Compliance:         p.Compliance,
	}
	for _, re := range role.queryPatterns {
		perms.QueryPatterns = append(perms.QueryPatterns, patternSource(re.String()))
	}
	return perms, true
}

func patternSource(s string) string {
	return strings.TrimPrefix(s, "(?i)")
}
