package gate

import (
	"github.com/ppiankov/osqgate/internal/audit"
	"github.com/ppiankov/osqgate/internal/policy"
	"github.com/ppiankov/osqgate/internal/ratelimit"
)

// SecurityStatus is the caller-facing view of the security core.
type SecurityStatus struct {
	Subject          string              `json:"subject"`
	Mode             Mode                `json:"mode"`
	PolicyHash       string              `json:"policy_hash,omitempty"`
	Assigned         bool                `json:"assigned"`
	Permissions      *policy.Permissions `json:"permissions,omitempty"`
	RateLimits       ratelimit.Status    `json:"rate_limits"`
	Audit            audit.Stats         `json:"audit"`
	RecentViolations []audit.Event       `json:"recent_violations"`
	Session          *audit.Summary      `json:"session,omitempty"`
}

// Status reports the subject's permissions, rate limit state, audit buffer
// stats and up to recent security violations. sessionID is optional.
func (g *Gate) Status(subject, sessionID string, recent int) SecurityStatus {
	st := SecurityStatus{
		Subject:    subject,
		Mode:       g.mode,
		PolicyHash: g.engine.Hash(),
		RateLimits: g.limiter.Status(subject),
		Audit:      g.events.Stats(),
	}
	if perms, ok := g.engine.Permissions(subject); ok {
		st.Assigned = true
		st.Permissions = &perms
	}
	st.RecentViolations = g.events.RecentEvents(recent, audit.SecurityViolation)
	if sessionID != "" {
		if sum, ok := g.events.SessionSummary(sessionID); ok {
			st.Session = &sum
		}
	}
	return st
}
