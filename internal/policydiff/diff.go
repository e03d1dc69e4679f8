package policydiff

import (
	"fmt"
	"sort"
	"time"

	"github.com/ppiankov/osqgate/internal/policy"
)

// Change represents a scalar field change.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// ScopeChange is a set member added to or removed from a list field, such as
// a tool granted to a role or a forbidden pattern.
type ScopeChange struct {
	Type    string `json:"type"` // "added", "removed"
	Field   string `json:"field"`
	Value   string `json:"value"`
	Comment string `json:"comment,omitempty"`
}

// DiffResult holds the comparison of two PolicyConfigs.
type DiffResult struct {
	OldPath      string        `json:"old_path"`
	NewPath      string        `json:"new_path"`
	Changes      []Change      `json:"changes"`
	ScopeChanges []ScopeChange `json:"scope_changes"`
	HasChanges   bool          `json:"has_changes"`
}

// Diff compares two PolicyConfigs and returns the differences.
func Diff(old, new *policy.PolicyConfig) *DiffResult {
	r := &DiffResult{}

	oldPolicies, newPolicies := old.Policies, new.Policies
	diffMapKeys(r, "policies", keys(oldPolicies), keys(newPolicies))
	for _, name := range keys(newPolicies) {
		if op, ok := oldPolicies[name]; ok && op != nil && newPolicies[name] != nil {
			diffPolicy(r, name, op, newPolicies[name])
		}
	}

	diffAssignments(r, old.Assignments, new.Assignments)

	r.HasChanges = len(r.Changes) > 0 || len(r.ScopeChanges) > 0
	return r
}

func diffPolicy(r *DiffResult, name string, old, new *policy.PolicySpec) {
	prefix := name + "."

	diffBool(r, prefix+"compliance.audit_all_queries",
		old.Compliance.AuditAllQueries, new.Compliance.AuditAllQueries)
	diffBool(r, prefix+"compliance.require_user_identification",
		old.Compliance.RequireUserIdentification, new.Compliance.RequireUserIdentification)
	diffBool(r, prefix+"compliance.log_data_access",
		old.Compliance.LogDataAccess, new.Compliance.LogDataAccess)
	diffDuration(r, prefix+"compliance.max_session_duration",
		old.Compliance.MaxSessionDuration, new.Compliance.MaxSessionDuration)

	// more forbidden patterns is stricter; more required patterns likewise
	diffSet(r, prefix+"forbidden_patterns", old.ForbiddenPatterns, new.ForbiddenPatterns, true)
	diffSet(r, prefix+"required_patterns", old.RequiredPatterns, new.RequiredPatterns, true)

	diffMapKeys(r, prefix+"roles", keys(old.Roles), keys(new.Roles))
	for _, role := range keys(new.Roles) {
		if or, ok := old.Roles[role]; ok && or != nil && new.Roles[role] != nil {
			diffRole(r, prefix+"roles."+role+".", or, new.Roles[role])
		}
	}
}

func diffRole(r *DiffResult, prefix string, old, new *policy.RoleSpec) {
	if old.AccessLevel != new.AccessLevel {
		r.Changes = append(r.Changes, Change{
			Field: prefix + "access_level",
			Old:   old.AccessLevel,
			New:   new.AccessLevel,
		})
	}
	if old.CustomQueries != new.CustomQueries {
		r.Changes = append(r.Changes, Change{
			Field:   prefix + "custom_queries",
			Old:     fmt.Sprintf("%t", old.CustomQueries),
			New:     fmt.Sprintf("%t", new.CustomQueries),
			Comment: boolComment(!old.CustomQueries, !new.CustomQueries),
		})
	}
	diffLimit(r, prefix+"max_query_complexity", old.MaxQueryComplexity, new.MaxQueryComplexity)
	diffLimit(r, prefix+"max_result_rows", old.MaxResultRows, new.MaxResultRows)

	// granting tools or tables loosens; forbidding tables tightens
	diffSet(r, prefix+"allowed_tools", old.AllowedTools, new.AllowedTools, false)
	diffSet(r, prefix+"allowed_tables", old.AllowedTables, new.AllowedTables, false)
	diffSet(r, prefix+"forbidden_tables", old.ForbiddenTables, new.ForbiddenTables, true)
	diffSet(r, prefix+"query_patterns", old.QueryPatterns, new.QueryPatterns, false)
}

func diffBool(r *DiffResult, field string, old, new bool) {
	if old == new {
		return
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     fmt.Sprintf("%t", old),
		New:     fmt.Sprintf("%t", new),
		Comment: boolComment(old, new),
	})
}

// boolComment treats true as the stricter setting.
func boolComment(old, new bool) string {
	if new && !old {
		return "stricter"
	}
	return "looser"
}

// diffLimit compares a ceiling where zero means unlimited.
func diffLimit(r *DiffResult, field string, old, new int) {
	if old == new {
		return
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     limitString(old, fmt.Sprint(old)),
		New:     limitString(new, fmt.Sprint(new)),
		Comment: limitComment(int64(old), int64(new)),
	})
}

func diffDuration(r *DiffResult, field string, old, new time.Duration) {
	if old == new {
		return
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     limitString(int(old), old.String()),
		New:     limitString(int(new), new.String()),
		Comment: limitComment(int64(old), int64(new)),
	})
}

func limitString(v int, s string) string {
	if v == 0 {
		return "unlimited"
	}
	return s
}

func limitComment(old, new int64) string {
	switch {
	case old == 0:
		return "stricter"
	case new == 0:
		return "looser"
	case new < old:
		return "stricter"
	default:
		return "looser"
	}
}

func diffSet(r *DiffResult, field string, old, new []string, growthIsStricter bool) {
	oldSet := toSet(old)
	newSet := toSet(new)

	added, removed := "looser", "stricter"
	if growthIsStricter {
		added, removed = "stricter", "looser"
	}

	for _, v := range sortedKeys(newSet) {
		if !oldSet[v] {
			r.ScopeChanges = append(r.ScopeChanges, ScopeChange{Type: "added", Field: field, Value: v, Comment: added})
		}
	}
	for _, v := range sortedKeys(oldSet) {
		if !newSet[v] {
			r.ScopeChanges = append(r.ScopeChanges, ScopeChange{Type: "removed", Field: field, Value: v, Comment: removed})
		}
	}
}

func diffAssignments(r *DiffResult, old, new map[string]policy.Assignment) {
	for _, subject := range keys(new) {
		na := new[subject]
		oa, ok := old[subject]
		switch {
		case !ok:
			r.Changes = append(r.Changes, Change{
				Field:   "assignments." + subject,
				New:     assignmentLabel(na),
				Comment: "added",
			})
		case oa != na:
			r.Changes = append(r.Changes, Change{
				Field: "assignments." + subject,
				Old:   assignmentLabel(oa),
				New:   assignmentLabel(na),
			})
		}
	}
	for _, subject := range keys(old) {
		if _, ok := new[subject]; !ok {
			r.Changes = append(r.Changes, Change{
				Field:   "assignments." + subject,
				Old:     assignmentLabel(old[subject]),
				Comment: "removed",
			})
		}
	}
}

func assignmentLabel(a policy.Assignment) string {
	p := a.Policy
	if p == "" {
		p = policy.DefaultPolicyName
	}
	return p + "/" + a.Role
}

func diffMapKeys(r *DiffResult, section string, oldKeys, newKeys []string) {
	oldSet := toSet(oldKeys)
	newSet := toSet(newKeys)

	for _, k := range newKeys {
		if !oldSet[k] {
			r.Changes = append(r.Changes, Change{
				Field:   section,
				Old:     "",
				New:     k,
				Comment: "added",
			})
		}
	}
	for _, k := range oldKeys {
		if !newSet[k] {
			r.Changes = append(r.Changes, Change{
				Field:   section,
				Old:     k,
				New:     "",
				Comment: "removed",
			})
		}
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toSet(values []string) map[string]bool {
	s := make(map[string]bool, len(values))
	for _, v := range values {
		s[v] = true
	}
	return s
}

func sortedKeys(s map[string]bool) []string {
	return keys(s)
}
