package policydiff

import (
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/osqgate/internal/policy"
)

func findChange(r *DiffResult, field string) (Change, bool) {
	for _, c := range r.Changes {
		if c.Field == field {
			return c, true
		}
	}
	return Change{}, false
}

func findScope(r *DiffResult, field, value string) (ScopeChange, bool) {
	for _, sc := range r.ScopeChanges {
		if sc.Field == field && sc.Value == value {
			return sc, true
		}
	}
	return ScopeChange{}, false
}

func TestIdenticalPoliciesNoChanges(t *testing.T) {
	r := Diff(policy.DefaultConfig(), policy.DefaultConfig())
	if r.HasChanges {
		t.Errorf("expected no changes, got %d changes + %d scope changes",
			len(r.Changes), len(r.ScopeChanges))
	}
	if !strings.Contains(FormatText(r), "No changes detected.") {
		t.Errorf("text = %q", FormatText(r))
	}
}

func TestForbiddenTableAddedIsStricter(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	user := b.Policies["default"].Roles["user"]
	user.ForbiddenTables = append(user.ForbiddenTables, "shell_history")

	r := Diff(a, b)
	sc, ok := findScope(r, "default.roles.user.forbidden_tables", "shell_history")
	if !ok {
		t.Fatalf("scope change not found: %+v", r.ScopeChanges)
	}
	if sc.Type != "added" || sc.Comment != "stricter" {
		t.Errorf("got %+v", sc)
	}
}

func TestToolGrantedIsLooser(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	guest := b.Policies["default"].Roles["guest"]
	guest.AllowedTools = append(guest.AllowedTools, "processes")

	r := Diff(a, b)
	sc, ok := findScope(r, "default.roles.guest.allowed_tools", "processes")
	if !ok {
		t.Fatal("allowed_tools change not found")
	}
	if sc.Comment != "looser" {
		t.Errorf("comment = %q, want looser", sc.Comment)
	}

	text := FormatText(r)
	if !strings.Contains(text, "+ processes  (looser)") {
		t.Errorf("text missing scope line:\n%s", text)
	}
}

func TestForbiddenPatternRemovedIsLooser(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	removed := b.Policies["default"].ForbiddenPatterns[0]
	b.Policies["default"].ForbiddenPatterns = b.Policies["default"].ForbiddenPatterns[1:]

	r := Diff(a, b)
	sc, ok := findScope(r, "default.forbidden_patterns", removed)
	if !ok {
		t.Fatal("forbidden pattern removal not found")
	}
	if sc.Type != "removed" || sc.Comment != "looser" {
		t.Errorf("got %+v", sc)
	}
}

func TestRoleRemoved(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	delete(b.Policies["default"].Roles, "analyst")

	r := Diff(a, b)
	c, ok := findChange(r, "default.roles")
	if !ok {
		t.Fatal("role removal not found")
	}
	if c.Old != "analyst" || c.Comment != "removed" {
		t.Errorf("got %+v", c)
	}
	if !strings.Contains(FormatText(r), "default.roles: - analyst") {
		t.Errorf("text:\n%s", FormatText(r))
	}
}

func TestResultRowLimit(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.Policies["default"].Roles["user"].MaxResultRows = 100
	b.Policies["default"].Roles["admin"].MaxResultRows = 0

	r := Diff(a, b)
	c, ok := findChange(r, "default.roles.user.max_result_rows")
	if !ok {
		t.Fatal("user max_result_rows change not found")
	}
	if c.Old != "500" || c.New != "100" || c.Comment != "stricter" {
		t.Errorf("user: got %+v", c)
	}

	c, ok = findChange(r, "default.roles.admin.max_result_rows")
	if !ok {
		t.Fatal("admin max_result_rows change not found")
	}
	if c.New != "unlimited" || c.Comment != "looser" {
		t.Errorf("admin: got %+v", c)
	}
}

func TestSessionDurationUnlimited(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.Policies["default"].Compliance.MaxSessionDuration = 0

	r := Diff(a, b)
	c, ok := findChange(r, "default.compliance.max_session_duration")
	if !ok {
		t.Fatal("max_session_duration change not found")
	}
	if c.Old != (8 * time.Hour).String() || c.New != "unlimited" || c.Comment != "looser" {
		t.Errorf("got %+v", c)
	}
}

func TestComplianceFlagDisabled(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.Policies["default"].Compliance.RequireUserIdentification = false

	r := Diff(a, b)
	c, ok := findChange(r, "default.compliance.require_user_identification")
	if !ok {
		t.Fatal("compliance change not found")
	}
	if c.Old != "true" || c.New != "false" || c.Comment != "looser" {
		t.Errorf("got %+v", c)
	}
}

func TestCustomQueriesDisabledIsStricter(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.Policies["default"].Roles["analyst"].CustomQueries = false

	r := Diff(a, b)
	c, ok := findChange(r, "default.roles.analyst.custom_queries")
	if !ok {
		t.Fatal("custom_queries change not found")
	}
	if c.Comment != "stricter" {
		t.Errorf("comment = %q, want stricter", c.Comment)
	}
}

func TestAssignmentChanges(t *testing.T) {
	a := policy.DefaultConfig()
	a.Assignments["alice"] = policy.Assignment{Role: "user"}
	a.Assignments["bob"] = policy.Assignment{Role: "guest"}
	b := policy.DefaultConfig()
	b.Assignments["alice"] = policy.Assignment{Role: "analyst", Policy: "default"}
	b.Assignments["carol"] = policy.Assignment{Role: "admin"}

	r := Diff(a, b)
	c, ok := findChange(r, "assignments.alice")
	if !ok || c.Old != "default/user" || c.New != "default/analyst" {
		t.Errorf("alice: got %+v (found=%v)", c, ok)
	}
	if c, ok := findChange(r, "assignments.bob"); !ok || c.Comment != "removed" {
		t.Errorf("bob: got %+v (found=%v)", c, ok)
	}
	if c, ok := findChange(r, "assignments.carol"); !ok || c.Comment != "added" {
		t.Errorf("carol: got %+v (found=%v)", c, ok)
	}

	text := FormatText(r)
	for _, want := range []string{"~ alice: default/user → default/analyst", "- bob: default/guest", "+ carol: default/admin"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
}

func TestPolicyAdded(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.Policies["strict"] = &policy.PolicySpec{Roles: map[string]*policy.RoleSpec{}}

	r := Diff(a, b)
	c, ok := findChange(r, "policies")
	if !ok || c.New != "strict" || c.Comment != "added" {
		t.Errorf("got %+v (found=%v)", c, ok)
	}
}

func TestFormatJSON(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.Policies["default"].Roles["user"].AccessLevel = "read"

	r := Diff(a, b)
	r.OldPath, r.NewPath = "old.yaml", "new.yaml"
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"old_path": "old.yaml"`, `"default.roles.user.access_level"`, `"has_changes": true`} {
		if !strings.Contains(out, want) {
			t.Errorf("json missing %s:\n%s", want, out)
		}
	}
}
