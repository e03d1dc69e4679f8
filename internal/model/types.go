package model

import (
	"strconv"
	"strings"
)

// Severity classifies how serious a finding or event is.
type Severity string

const (
	SevLow      Severity = "low"
	SevMedium   Severity = "medium"
	SevHigh     Severity = "high"
	SevCritical Severity = "critical"
)

// SevRank maps severity to a comparable integer.
var SevRank = map[Severity]int{
	SevLow:      0,
	SevMedium:   1,
	SevHigh:     2,
	SevCritical: 3,
}

// AtLeast reports whether s is as severe as other. Unknown severities rank lowest.
func (s Severity) AtLeast(other Severity) bool {
	return SevRank[s] >= SevRank[other]
}

// ParseSeverity maps a string to a Severity. Unknown values map to low.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(s)) {
	case SevMedium:
		return SevMedium
	case SevHigh:
		return SevHigh
	case SevCritical:
		return SevCritical
	default:
		return SevLow
	}
}

// Decision is the admission outcome for a single request.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	// AllowMonitor marks a request that would have been denied but was
	// admitted because the gate runs in monitor mode.
	AllowMonitor Decision = "allow_monitor"
)

// ViolationKind identifies the rule family a violation belongs to.
type ViolationKind string

const (
	UnauthorizedAccess ViolationKind = "unauthorized_access"
	ForbiddenQuery     ViolationKind = "forbidden_query"
	SQLInjection       ViolationKind = "sql_injection"
	DataExfiltration   ViolationKind = "data_exfiltration"
	RateLimitExceeded  ViolationKind = "rate_limit_exceeded"
	SuspiciousPattern  ViolationKind = "suspicious_pattern"
)

// ViolationContext carries the structured facts behind a violation.
type ViolationContext struct {
	Subject  string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Tool     string `json:"tool,omitempty" yaml:"tool,omitempty"`
	Role     string `json:"role,omitempty" yaml:"role,omitempty"`
	Table    string `json:"table,omitempty" yaml:"table,omitempty"`
	Pattern  string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Fragment string `json:"fragment,omitempty" yaml:"fragment,omitempty"`
	Value    int    `json:"value,omitempty" yaml:"value,omitempty"`
	Limit    int    `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// Violation is a structured finding that a request breaks a security rule.
// Violations are returned as data; the caller decides whether to reject.
type Violation struct {
	Kind        ViolationKind    `json:"kind"`
	Severity    Severity         `json:"severity"`
	Message     string           `json:"message"`
	Context     ViolationContext `json:"context"`
	Remediation string           `json:"remediation"`
}

// MaxSeverity returns the highest severity among violations, or low if empty.
func MaxSeverity(violations []Violation) Severity {
	max := SevLow
	for _, v := range violations {
		if SevRank[v.Severity] > SevRank[max] {
			max = v.Severity
		}
	}
	return max
}

// Kinds returns the distinct violation kinds in first-seen order.
func Kinds(violations []Violation) []ViolationKind {
	seen := make(map[ViolationKind]bool)
	var kinds []ViolationKind
	for _, v := range violations {
		if !seen[v.Kind] {
			seen[v.Kind] = true
			kinds = append(kinds, v.Kind)
		}
	}
	return kinds
}

// ToInt coerces a loosely typed parameter value (JSON number, Go int or
// numeric string) to an int. The second return is false when v is not numeric.
func ToInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
