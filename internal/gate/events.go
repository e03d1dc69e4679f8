package gate

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/osqgate/internal/audit"
	"github.com/ppiankov/osqgate/internal/logging"
	"github.com/ppiankov/osqgate/internal/model"
	"github.com/ppiankov/osqgate/internal/policy"
	"github.com/ppiankov/osqgate/internal/ratelimit"
)

func (g *Gate) logViolations(req Request, eval Evaluation) audit.Event {
	kinds := model.Kinds(eval.Violations)
	ev := g.events.LogEvent(audit.Entry{
		Type:       audit.SecurityViolation,
		Severity:   model.MaxSeverity(eval.Violations),
		Subject:    req.Subject,
		SessionID:  req.SessionID,
		Tool:       req.Tool,
		Parameters: req.Params,
		Extra: map[string]any{
			"decision":        string(eval.Decision),
			"mode":            string(g.mode),
			"message":         eval.Violations[0].Message,
			"violations":      eval.Violations,
			"violation_kinds": kinds,
			"policy_hash":     g.engine.Hash(),
		},
	})

	kindNames := make([]string, len(kinds))
	for i, k := range kinds {
		kindNames[i] = string(k)
	}
	g.logger.Info("policy violation",
		zap.String("subject", req.Subject),
		zap.String("tool", req.Tool),
		zap.String("decision", string(eval.Decision)),
		zap.Strings("kinds", kindNames),
		zap.String("sql", logging.SanitizeQuery(req.SQL)),
		zap.String("event_id", ev.EventID),
	)
	return ev
}

func rateLimitViolation(req Request, res ratelimit.Result) model.Violation {
	v := model.Violation{
		Kind:        model.RateLimitExceeded,
		Severity:    model.SevMedium,
		Message:     "rate limit exceeded",
		Context:     model.ViolationContext{Subject: req.Subject, Tool: req.Tool},
		Remediation: fmt.Sprintf("retry after %d seconds", res.RetryAfterSeconds()),
	}
	if failed := res.Failed(); len(failed) > 0 {
		c := failed[0]
		v.Message = fmt.Sprintf("rate limit exceeded: %s %s (%d/%d)", c.Key, c.Type, c.Current, c.Limit)
		v.Context.Pattern = string(c.Type)
		v.Context.Value = c.Current
		v.Context.Limit = c.Limit
	}
	return v
}

func (g *Gate) logRateLimited(req Request, res ratelimit.Result, v model.Violation) audit.Event {
	ev := g.events.LogEvent(audit.Entry{
		Type:       audit.RateLimitExceeded,
		Severity:   model.SevMedium,
		Subject:    req.Subject,
		SessionID:  req.SessionID,
		Tool:       req.Tool,
		Parameters: req.Params,
		Extra: map[string]any{
			"message":             v.Message,
			"retry_after_seconds": res.RetryAfterSeconds(),
			"checks":              res.Failed(),
			"violation_kinds":     []model.ViolationKind{model.RateLimitExceeded},
		},
	})
	g.logger.Info("rate limited",
		zap.String("subject", req.Subject),
		zap.String("tool", req.Tool),
		zap.Int("retry_after_seconds", res.RetryAfterSeconds()),
		zap.String("event_id", ev.EventID),
	)
	return ev
}

func (g *Gate) logAuthorized(req Request, eval Evaluation) {
	extra := map[string]any{
		"decision":    string(eval.Decision),
		"mode":        string(g.mode),
		"policy_hash": g.engine.Hash(),
	}
	if perms, ok := g.engine.Permissions(req.Subject); ok {
		extra["role"] = perms.Role
		extra["policy"] = perms.Policy
	}
	if req.Tool == policy.CustomQueryTool && req.SQL != "" {
		extra["whitelisted"] = g.engine.QueryWhitelisted(req.Subject, req.SQL)
		if p := g.engine.PolicyFor(req.Subject); p != nil {
			if missing := p.MissingRequired(req.SQL); len(missing) > 0 {
				extra["missing_required"] = missing
			}
		}
	}
	g.events.LogEvent(audit.Entry{
		Type:       audit.Authorization,
		Severity:   model.SevLow,
		Subject:    req.Subject,
		SessionID:  req.SessionID,
		Tool:       req.Tool,
		Parameters: req.Params,
		Extra:      extra,
	})
}
