// Package gate is the admission pipeline in front of host queries. Every tool
// call passes caller identification, session expiry, policy validation and
// rate limiting before the executor runs inside an audited tool scope.
// Denials are logged and returned as *DeniedError; the executor is never
// invoked for a denied request.
package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/osqgate/internal/audit"
	"github.com/ppiankov/osqgate/internal/model"
	"github.com/ppiankov/osqgate/internal/policy"
	"github.com/ppiankov/osqgate/internal/ratelimit"
)

// Row is one result record, column name to value.
type Row = map[string]any

// QueryExecutor runs a query against the host and returns its rows.
// Implementations enforce their own timeout and honour ctx cancellation.
type QueryExecutor interface {
	Query(ctx context.Context, sql string) ([]Row, error)
}

// Request is one tool call to admit.
type Request struct {
	Subject   string
	SessionID string
	Tool      string
	Params    map[string]any
	// SQL is the query the executor runs for this call.
	SQL string
}

// Evaluation is the policy outcome for a request, before rate limiting.
type Evaluation struct {
	Decision   model.Decision
	Violations []model.Violation
	// FailClosed is set when the caller could not be identified or has no
	// role; such requests are denied in every mode.
	FailClosed bool
}

// Outcome is the result of an admitted and executed request.
type Outcome struct {
	Result     any
	Decision   model.Decision
	Violations []model.Violation
	Event      audit.Event
}

// Gate composes the policy engine, rate limiter and event log.
type Gate struct {
	engine  *policy.Engine
	limiter *ratelimit.Limiter
	events  *audit.Logger
	exec    QueryExecutor
	mode    Mode
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithMode sets enforce or monitor mode.
func WithMode(m Mode) Option {
	return func(g *Gate) { g.mode = m }
}

// WithLogger sets the operator logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock overrides the time source used for session expiry.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a Gate. exec may be nil when only Run with custom functions is used.
func New(engine *policy.Engine, limiter *ratelimit.Limiter, events *audit.Logger, exec QueryExecutor, opts ...Option) *Gate {
	g := &Gate{
		engine:  engine,
		limiter: limiter,
		events:  events,
		exec:    exec,
		mode:    ModeEnforce,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Mode returns the admission mode.
func (g *Gate) Mode() Mode { return g.mode }

// Engine returns the policy engine.
func (g *Gate) Engine() *policy.Engine { return g.engine }

// Limiter returns the rate limiter.
func (g *Gate) Limiter() *ratelimit.Limiter { return g.limiter }

// Events returns the event log.
func (g *Gate) Events() *audit.Logger { return g.events }

// compliance returns the flags of the subject's policy, falling back to the
// default policy for unassigned callers.
func (g *Gate) compliance(subject string) policy.Compliance {
	if p := g.engine.PolicyFor(subject); p != nil {
		return p.Compliance
	}
	if p := g.engine.Policy(policy.DefaultPolicyName); p != nil {
		return p.Compliance
	}
	return policy.Compliance{}
}

// normalize makes the custom_query statement that will run the one that is
// inspected: SQL fills in from the "sql" parameter when empty, and the
// parameter is set from SQL otherwise. Params is copied, never mutated.
func normalize(req Request) Request {
	if req.Tool != policy.CustomQueryTool {
		return req
	}
	param, _ := req.Params["sql"].(string)
	if strings.TrimSpace(req.SQL) == "" {
		req.SQL = param
		return req
	}
	if param != "" {
		return req
	}
	params := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	params["sql"] = req.SQL
	req.Params = params
	return req
}

// sqlMismatch flags a custom_query whose "sql" parameter is not the
// statement the executor would run.
func sqlMismatch(req Request) (model.Violation, bool) {
	if req.Tool != policy.CustomQueryTool {
		return model.Violation{}, false
	}
	param, _ := req.Params["sql"].(string)
	if strings.TrimSpace(param) == strings.TrimSpace(req.SQL) {
		return model.Violation{}, false
	}
	return model.Violation{
		Kind:        model.SuspiciousPattern,
		Severity:    model.SevCritical,
		Message:     "executed query differs from the inspected sql parameter",
		Context:     model.ViolationContext{Subject: req.Subject, Tool: req.Tool, Fragment: req.SQL},
		Remediation: "send the query only in the sql parameter",
	}, true
}

// Evaluate runs identification, session expiry and policy validation
// without logging or consuming rate limit quota.
func (g *Gate) Evaluate(req Request) Evaluation {
	req = normalize(req)
	comp := g.compliance(req.Subject)

	if comp.RequireUserIdentification && strings.TrimSpace(req.Subject) == "" {
		return Evaluation{
			Decision:   model.Deny,
			FailClosed: true,
			Violations: []model.Violation{{
				Kind:        model.UnauthorizedAccess,
				Severity:    model.SevHigh,
				Message:     "caller identification required",
				Context:     model.ViolationContext{Tool: req.Tool},
				Remediation: "configure a subject for this client",
			}},
		}
	}

	if _, assigned := g.engine.Permissions(req.Subject); !assigned {
		return Evaluation{
			Decision:   model.Deny,
			FailClosed: true,
			Violations: g.engine.ValidateRequest(req.Subject, req.Tool, req.Params),
		}
	}

	var violations []model.Violation
	if v, ok := g.sessionExpired(req, comp); ok {
		violations = append(violations, v)
	}
	violations = append(violations, g.engine.ValidateRequest(req.Subject, req.Tool, req.Params)...)
	if v, ok := sqlMismatch(req); ok {
		// denied in every mode
		return Evaluation{Decision: model.Deny, Violations: append(violations, v)}
	}

	switch {
	case len(violations) == 0:
		return Evaluation{Decision: model.Allow}
	case g.mode == ModeMonitor:
		return Evaluation{Decision: model.AllowMonitor, Violations: violations}
	default:
		return Evaluation{Decision: model.Deny, Violations: violations}
	}
}

func (g *Gate) sessionExpired(req Request, comp policy.Compliance) (model.Violation, bool) {
	if req.SessionID == "" || comp.MaxSessionDuration <= 0 || g.events == nil {
		return model.Violation{}, false
	}
	s, ok := g.events.Session(req.SessionID)
	if !ok {
		return model.Violation{}, false
	}
	age := g.now().Sub(s.CreatedAt)
	if age <= comp.MaxSessionDuration {
		return model.Violation{}, false
	}
	return model.Violation{
		Kind:     model.UnauthorizedAccess,
		Severity: model.SevMedium,
		Message:  fmt.Sprintf("session %s expired after %s", req.SessionID, comp.MaxSessionDuration),
		Context: model.ViolationContext{
			Subject: req.Subject,
			Tool:    req.Tool,
			Value:   int(age.Seconds()),
			Limit:   int(comp.MaxSessionDuration.Seconds()),
		},
		Remediation: "start a new session",
	}, true
}

// Execute admits the request and runs its SQL through the executor.
func (g *Gate) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if g.exec == nil {
		return nil, fmt.Errorf("gate: no query executor configured")
	}
	req = normalize(req)
	return g.Run(ctx, req, func(ctx context.Context, scope *audit.ToolScope) (any, error) {
		rows, err := g.exec.Query(ctx, req.SQL)
		if err != nil {
			return nil, err
		}
		scope.AddExtra("row_count", len(rows))
		return rows, nil
	})
}

// Run admits the request and, when admitted, runs fn inside a tool
// execution scope. Denials return *DeniedError after logging a
// security_violation or rate_limit_exceeded event.
func (g *Gate) Run(ctx context.Context, req Request, fn func(context.Context, *audit.ToolScope) (any, error)) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req = normalize(req)
	eval := g.Evaluate(req)
	if len(eval.Violations) > 0 {
		ev := g.logViolations(req, eval)
		if eval.Decision == model.Deny {
			return nil, &DeniedError{
				Reason:     ReasonPolicy,
				Subject:    req.Subject,
				Tool:       req.Tool,
				Violations: eval.Violations,
				EventID:    ev.EventID,
			}
		}
	}

	res, release := g.limiter.Acquire(ratelimit.Request{
		Subject:   req.Subject,
		Tool:      req.Tool,
		Params:    req.Params,
		SessionID: req.SessionID,
	})
	defer release()
	if !res.Allowed {
		v := rateLimitViolation(req, res)
		ev := g.logRateLimited(req, res, v)
		return nil, &DeniedError{
			Reason:     ReasonRateLimit,
			Subject:    req.Subject,
			Tool:       req.Tool,
			Violations: []model.Violation{v},
			RetryAfter: res.RetryAfter,
			EventID:    ev.EventID,
		}
	}

	comp := g.compliance(req.Subject)
	if comp.AuditAllQueries {
		g.logAuthorized(req, eval)
	}

	// cancelled between admission and execution: no terminal event
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	extra := map[string]any{"decision": string(eval.Decision)}
	if comp.LogDataAccess && req.SQL != "" {
		extra["tables"] = policy.ExtractTables(req.SQL)
	}
	call := audit.ToolCall{
		Subject:   req.Subject,
		SessionID: req.SessionID,
		Tool:      req.Tool,
		Params:    req.Params,
		Extra:     extra,
	}

	var scope *audit.ToolScope
	result, err := g.events.TrackToolExecution(ctx, call, func(ctx context.Context, s *audit.ToolScope) (any, error) {
		scope = s
		return fn(ctx, s)
	})
	// Finish already ran; a second call returns the recorded event.
	terminal := scope.Finish(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("gate: execute %s: %w", req.Tool, err)
	}
	return &Outcome{
		Result:     result,
		Decision:   eval.Decision,
		Violations: eval.Violations,
		Event:      terminal,
	}, nil
}
