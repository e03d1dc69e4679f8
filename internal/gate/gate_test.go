package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ppiankov/osqgate/internal/audit"
	"github.com/ppiankov/osqgate/internal/model"
	"github.com/ppiankov/osqgate/internal/policy"
	"github.com/ppiankov/osqgate/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	rows  []Row
	err   error
}

func (f *fakeExecutor) Query(ctx context.Context, sql string) ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sql)
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeExecutor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	gate   *Gate
	exec   *fakeExecutor
	clock  *fakeClock
	events *audit.Logger
}

func newHarness(t *testing.T, limits *ratelimit.Config, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}

	engine, err := policy.NewEngine(policy.DefaultConfig())
	require.NoError(t, err)
	for subject, role := range map[string]string{
		"alice": "user",
		"ana":   "analyst",
		"root":  "admin",
		"guest": "guest",
	} {
		require.NoError(t, engine.AssignRole(subject, role, ""))
	}

	if limits == nil {
		limits = ratelimit.DefaultConfig()
	}
	limiter, err := ratelimit.New(limits, ratelimit.WithClock(clock.Now))
	require.NoError(t, err)

	events, err := audit.NewLogger("", audit.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	exec := &fakeExecutor{rows: []Row{{"pid": 1, "name": "init"}, {"pid": 2, "name": "kthreadd"}}}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &harness{
		gate:   New(engine, limiter, events, exec, opts...),
		exec:   exec,
		clock:  clock,
		events: events,
	}
}

func processesRequest(subject string) Request {
	return Request{
		Subject: subject,
		Tool:    "processes",
		Params:  map[string]any{"limit": 10},
		SQL:     "SELECT pid, name FROM processes LIMIT 10",
	}
}

func customQuery(subject, sql string) Request {
	return Request{
		Subject: subject,
		Tool:    policy.CustomQueryTool,
		Params:  map[string]any{"sql": sql},
		SQL:     sql,
	}
}

func TestExecuteAllowed(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.gate.Execute(context.Background(), processesRequest("alice"))
	require.NoError(t, err)

	assert.Equal(t, model.Allow, out.Decision)
	assert.Empty(t, out.Violations)
	assert.Len(t, out.Result, 2)
	assert.Equal(t, 1, h.exec.Calls())

	assert.Equal(t, audit.ToolExecution, out.Event.Type)
	assert.Equal(t, 2, out.Event.AdditionalData["row_count"])
	assert.Equal(t, "allow", out.Event.AdditionalData["decision"])
	assert.Equal(t, []string{"processes"}, out.Event.AdditionalData["tables"])
	assert.NotEmpty(t, out.Event.ResultHash)

	// audit_all_queries is on in the default policy
	assert.Len(t, h.events.RecentEvents(0, audit.Authorization), 1)
}

func TestUnassignedSubjectSingleViolation(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.gate.Execute(context.Background(), customQuery("nobody", "DROP TABLE processes"))

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, ReasonPolicy, denied.Reason)
	require.Len(t, denied.Violations, 1)
	assert.Equal(t, model.UnauthorizedAccess, denied.Violations[0].Kind)
	assert.Equal(t, model.SevHigh, denied.Violations[0].Severity)
	assert.Zero(t, h.exec.Calls())

	events := h.events.RecentEvents(0, audit.SecurityViolation)
	require.Len(t, events, 1)
	assert.Equal(t, denied.EventID, events[0].EventID)
}

func TestUnassignedSubjectDeniedInMonitorMode(t *testing.T) {
	h := newHarness(t, nil, WithMode(ModeMonitor))

	_, err := h.gate.Execute(context.Background(), processesRequest("nobody"))
	assert.ErrorIs(t, err, ErrDenied)
	assert.Zero(t, h.exec.Calls())
}

func TestAnalystDropIsCritical(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.gate.Execute(context.Background(), customQuery("ana", "DROP TABLE processes;"))

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	var critical bool
	for _, v := range denied.Violations {
		if v.Kind == model.SQLInjection && v.Severity == model.SevCritical {
			critical = true
		}
	}
	assert.True(t, critical, "expected critical sql_injection, got %+v", denied.Violations)
	assert.Zero(t, h.exec.Calls())

	ev := h.events.RecentEvents(1, audit.SecurityViolation)[0]
	assert.Equal(t, model.SevCritical, ev.Severity)
	assert.Contains(t, audit.ViolationKinds(ev), string(model.SQLInjection))
}

func TestCustomQueryInspectsExecutedSQL(t *testing.T) {
	h := newHarness(t, nil)

	req := Request{Subject: "ana", Tool: policy.CustomQueryTool, Params: map[string]any{}, SQL: "DROP TABLE processes"}
	_, err := h.gate.Execute(context.Background(), req)

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, model.Kinds(denied.Violations), model.SQLInjection)
	assert.Zero(t, h.exec.Calls())
	assert.Empty(t, req.Params, "caller params must not be mutated")
}

func TestCustomQuerySQLMismatchDenied(t *testing.T) {
	for _, mode := range []Mode{ModeEnforce, ModeMonitor} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, nil, WithMode(mode))

			req := Request{
				Subject: "ana",
				Tool:    policy.CustomQueryTool,
				Params:  map[string]any{"sql": "SELECT pid FROM processes LIMIT 5"},
				SQL:     "DROP TABLE processes",
			}
			_, err := h.gate.Execute(context.Background(), req)

			var denied *DeniedError
			require.ErrorAs(t, err, &denied)
			var mismatch bool
			for _, v := range denied.Violations {
				if v.Kind == model.SuspiciousPattern && v.Severity == model.SevCritical {
					mismatch = true
				}
			}
			assert.True(t, mismatch, "expected mismatch violation, got %+v", denied.Violations)
			assert.Zero(t, h.exec.Calls())
		})
	}
}

func TestCustomQueryFromParamOnly(t *testing.T) {
	h := newHarness(t, nil)

	req := Request{
		Subject: "ana",
		Tool:    policy.CustomQueryTool,
		Params:  map[string]any{"sql": "SELECT pid FROM processes LIMIT 5"},
	}
	_, err := h.gate.Execute(context.Background(), req)
	require.NoError(t, err)

	h.exec.mu.Lock()
	defer h.exec.mu.Unlock()
	assert.Equal(t, []string{"SELECT pid FROM processes LIMIT 5"}, h.exec.calls)
}

func TestGuestProcessesTableDenied(t *testing.T) {
	h := newHarness(t, nil)

	ev := h.gate.Evaluate(customQuery("guest", "SELECT pid FROM processes LIMIT 10;"))
	require.Equal(t, model.Deny, ev.Decision)

	var table bool
	for _, v := range ev.Violations {
		if v.Kind == model.UnauthorizedAccess && v.Context.Table == "processes" {
			table = true
		}
	}
	assert.True(t, table, "expected table violation, got %+v", ev.Violations)
}

func TestMonitorModeAdmitsViolations(t *testing.T) {
	h := newHarness(t, nil, WithMode(ModeMonitor))

	out, err := h.gate.Execute(context.Background(), customQuery("ana", "SELECT pid FROM processes"))
	require.NoError(t, err)

	assert.Equal(t, model.AllowMonitor, out.Decision)
	require.NotEmpty(t, out.Violations)
	assert.Equal(t, model.DataExfiltration, out.Violations[0].Kind)
	assert.Equal(t, 1, h.exec.Calls())

	sec := h.events.RecentEvents(0, audit.SecurityViolation)
	require.Len(t, sec, 1)
	assert.Equal(t, "allow_monitor", sec[0].AdditionalData["decision"])
	assert.Equal(t, "allow_monitor", out.Event.AdditionalData["decision"])
}

func TestRateLimitDenial(t *testing.T) {
	limits := &ratelimit.Config{Scopes: map[string]*ratelimit.ScopeLimits{
		ratelimit.ScopeGlobal: {RequestsPerMinute: 2},
	}}
	h := newHarness(t, limits)

	for i := 0; i < 2; i++ {
		_, err := h.gate.Execute(context.Background(), processesRequest("alice"))
		require.NoError(t, err)
	}
	_, err := h.gate.Execute(context.Background(), processesRequest("alice"))

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonRateLimit, denied.Reason)
	assert.Positive(t, denied.RetryAfterSeconds())
	require.Len(t, denied.Violations, 1)
	assert.Equal(t, model.RateLimitExceeded, denied.Violations[0].Kind)
	assert.Equal(t, 2, h.exec.Calls())

	events := h.events.RecentEvents(0, audit.RateLimitExceeded)
	require.Len(t, events, 1)
	assert.Equal(t, model.SevMedium, events[0].Severity)
	assert.Equal(t, denied.RetryAfterSeconds(), events[0].AdditionalData["retry_after_seconds"])
}

func TestPolicyDenialDoesNotConsumeQuota(t *testing.T) {
	limits := &ratelimit.Config{Scopes: map[string]*ratelimit.ScopeLimits{
		ratelimit.ScopeGlobal: {RequestsPerMinute: 1},
	}}
	h := newHarness(t, limits)

	for i := 0; i < 3; i++ {
		_, err := h.gate.Execute(context.Background(), processesRequest("nobody"))
		require.ErrorIs(t, err, ErrDenied)
		h.gate.Evaluate(processesRequest("alice"))
	}
	_, err := h.gate.Execute(context.Background(), processesRequest("alice"))
	assert.NoError(t, err)
}

func TestConcurrencySlotReleased(t *testing.T) {
	limits := &ratelimit.Config{Scopes: map[string]*ratelimit.ScopeLimits{
		ratelimit.ScopeGlobal: {ConcurrentRequests: 1},
	}}
	h := newHarness(t, limits)

	var inner error
	_, err := h.gate.Run(context.Background(), processesRequest("alice"),
		func(ctx context.Context, _ *audit.ToolScope) (any, error) {
			_, inner = h.gate.Execute(ctx, processesRequest("root"))
			return "outer", nil
		})
	require.NoError(t, err)

	var denied *DeniedError
	require.ErrorAs(t, inner, &denied)
	assert.Equal(t, ReasonRateLimit, denied.Reason)

	_, err = h.gate.Execute(context.Background(), processesRequest("root"))
	assert.NoError(t, err)
}

func TestCallerIdentificationRequired(t *testing.T) {
	h := newHarness(t, nil, WithMode(ModeMonitor))

	ev := h.gate.Evaluate(processesRequest(""))
	assert.True(t, ev.FailClosed)
	require.Len(t, ev.Violations, 1)
	assert.Equal(t, "caller identification required", ev.Violations[0].Message)

	_, err := h.gate.Execute(context.Background(), processesRequest(""))
	assert.ErrorIs(t, err, ErrDenied)
	assert.Zero(t, h.exec.Calls())
}

func TestSessionExpiry(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.events.CreateSession("alice", "", "")

	req := processesRequest("alice")
	req.SessionID = sid

	h.clock.Advance(time.Hour)
	_, err := h.gate.Execute(context.Background(), req)
	require.NoError(t, err)

	h.clock.Advance(8 * time.Hour)
	_, err = h.gate.Execute(context.Background(), req)

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	require.Len(t, denied.Violations, 1)
	assert.Equal(t, model.UnauthorizedAccess, denied.Violations[0].Kind)
	assert.Equal(t, model.SevMedium, denied.Violations[0].Severity)
	assert.Contains(t, denied.Violations[0].Message, "expired")
}

func TestExecutorErrorIsLogged(t *testing.T) {
	h := newHarness(t, nil)
	boom := errors.New("osqueryi: exit status 1")
	h.exec.err = boom

	_, err := h.gate.Execute(context.Background(), processesRequest("alice"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrDenied)

	events := h.events.RecentEvents(0, audit.ErrorEvent)
	require.Len(t, events, 1)
	assert.Equal(t, boom.Error(), events[0].ErrorMessage)
	assert.Equal(t, model.SevMedium, events[0].Severity)
}

func TestCancelledBeforeAdmission(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.gate.Execute(ctx, processesRequest("alice"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.events.RecentEvents(0, ""))
	assert.Zero(t, h.exec.Calls())
}

func TestAuthorizationEventRecordsWhitelist(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.gate.Execute(context.Background(), customQuery("ana", "SELECT pid, name FROM processes WHERE pid > 100 LIMIT 10"))
	require.NoError(t, err)

	auth := h.events.RecentEvents(0, audit.Authorization)
	require.Len(t, auth, 1)
	assert.Equal(t, true, auth[0].AdditionalData["whitelisted"])
	assert.Equal(t, "analyst", auth[0].AdditionalData["role"])
}

func TestDeniedRequestsLoggedToOperator(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := newHarness(t, nil, WithLogger(zap.New(core)))

	h.gate.Execute(context.Background(), customQuery("ana", "DROP TABLE users"))

	entries := logs.FilterMessage("policy violation").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "ana", entries[0].ContextMap()["subject"])
	assert.Equal(t, "deny", entries[0].ContextMap()["decision"])
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.events.CreateSession("alice", "", "")

	req := processesRequest("alice")
	req.SessionID = sid
	_, err := h.gate.Execute(context.Background(), req)
	require.NoError(t, err)
	_, err = h.gate.Execute(context.Background(), customQuery("alice", "SELECT 1"))
	require.Error(t, err)

	st := h.gate.Status("alice", sid, 10)
	assert.True(t, st.Assigned)
	require.NotNil(t, st.Permissions)
	assert.Equal(t, "user", st.Permissions.Role)
	assert.Equal(t, ModeEnforce, st.Mode)
	assert.Len(t, st.RecentViolations, 1)
	assert.NotEmpty(t, st.RateLimits.Buckets)
	require.NotNil(t, st.Session)
	assert.Equal(t, 1, st.Session.ToolCounts["processes"])

	st = h.gate.Status("nobody", "", 10)
	assert.False(t, st.Assigned)
	assert.Nil(t, st.Permissions)
}

func TestDeniedErrorMessage(t *testing.T) {
	err := &DeniedError{
		Reason:     ReasonRateLimit,
		Subject:    "alice",
		Tool:       "processes",
		Violations: []model.Violation{{Kind: model.RateLimitExceeded}},
		RetryAfter: 1500 * time.Millisecond,
	}
	assert.Equal(t, 2, err.RetryAfterSeconds())
	assert.Equal(t, `gate: rate_limit denied processes for "alice": rate_limit_exceeded (retry after 2s)`, err.Error())
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeEnforce, "enforce": ModeEnforce, "MONITOR": ModeMonitor} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("audit")
	assert.Error(t, err)
}
