package ratelimit

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRetryAfter is reported for failed checks with no computable wait.
const DefaultRetryAfter = 60 * time.Second

// LimitType names the dimension a check enforces.
type LimitType string

const (
	RequestsPerMinute  LimitType = "requests_per_minute"
	RequestsPerHour    LimitType = "requests_per_hour"
	ConcurrentRequests LimitType = "concurrent_requests"
	QueryComplexity    LimitType = "query_complexity"
)

// Request identifies a call to be rate limited.
type Request struct {
	Subject   string
	Tool      string
	Params    map[string]any
	SessionID string
}

// CheckResult is the outcome of one limit check.
type CheckResult struct {
	Scope      string        `json:"scope"`
	Key        string        `json:"key"`
	Type       LimitType     `json:"type"`
	Allowed    bool          `json:"allowed"`
	Current    int           `json:"current"`
	Limit      int           `json:"limit"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Result is the combined outcome of all applicable checks.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Checks     []CheckResult `json:"checks"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (r Result) RetryAfterSeconds() int {
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Failed returns the checks that did not pass.
func (r Result) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if !c.Allowed {
			out = append(out, c)
		}
	}
	return out
}

// Limiter enforces token-bucket, sliding-window and concurrency limits for
// the global, per-user and per-tool scopes. One mutex serializes every call.
type Limiter struct {
	mu         sync.Mutex
	scopes     map[string]*ScopeLimits
	buckets    map[string]*bucket
	windows    map[string]*window
	concurrent map[string]int
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the operator logger. Nil is ignored.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Limiter. A nil config uses DefaultConfig.
func New(cfg *Config, opts ...Option) (*Limiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		scopes:     make(map[string]*ScopeLimits, len(cfg.Scopes)),
		buckets:    make(map[string]*bucket),
		windows:    make(map[string]*window),
		concurrent: make(map[string]int),
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for name, s := range cfg.Scopes {
		if s != nil {
			copied := *s
			l.scopes[name] = &copied
		}
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// pending is a check that passed and must be committed if the request is admitted.
type pending struct {
	bucket *bucket
	window *window
	weight int
}

// scopeTarget is one scope applied to a request with its key prefix.
type scopeTarget struct {
	scope  string
	key    string
	limits *ScopeLimits
}

func (l *Limiter) targets(req Request) []scopeTarget {
	var out []scopeTarget
	if s := l.scopes[ScopeGlobal]; s != nil {
		out = append(out, scopeTarget{ScopeGlobal, ScopeGlobal, s})
	}
	if req.Subject != "" {
		if s := l.scopes[ScopeUser]; s != nil {
			out = append(out, scopeTarget{ScopeUser, "user:" + req.Subject, s})
		}
	}
	if req.Tool != "" {
		if s := l.scopes[ToolScope(req.Tool)]; s != nil {
			out = append(out, scopeTarget{ToolScope(req.Tool), ToolScope(req.Tool), s})
		}
	}
	return out
}

// concurrencyKeys returns the counters an admitted request occupies.
func concurrencyKeys(req Request) []string {
	keys := []string{ScopeGlobal}
	if req.Subject != "" {
		keys = append(keys, "user:"+req.Subject)
	}
	if req.Tool != "" {
		keys = append(keys, ToolScope(req.Tool))
	}
	return keys
}

func (l *Limiter) bucketFor(key string, capacity int, period time.Duration) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(capacity, period)
		l.buckets[key] = b
	}
	return b
}

func (l *Limiter) windowFor(key string, size time.Duration) *window {
	w, ok := l.windows[key]
	if !ok {
		w = newWindow(size)
		l.windows[key] = w
	}
	return w
}

// evaluate runs every applicable check without mutating state and returns
// the result plus the consumption to apply on admission. Caller holds l.mu.
func (l *Limiter) evaluate(req Request, now time.Time) (Result, []pending) {
	var (
		res   = Result{Allowed: true}
		plan  []pending
		retry time.Duration
	)
	record := func(c CheckResult) {
		res.Checks = append(res.Checks, c)
		if !c.Allowed {
			res.Allowed = false
			if retry == 0 || c.RetryAfter < retry {
				retry = c.RetryAfter
			}
		}
	}

	for _, t := range l.targets(req) {
		rates := []struct {
			typ    LimitType
			limit  int
			period time.Duration
			suffix string
		}{
			{RequestsPerMinute, t.limits.RequestsPerMinute, time.Minute, ":minute"},
			{RequestsPerHour, t.limits.RequestsPerHour, time.Hour, ":hour"},
		}
		for _, r := range rates {
			if r.limit <= 0 {
				continue
			}
			key := t.key + r.suffix
			b := l.bucketFor(key, r.limit, r.period)
			c := CheckResult{
				Scope:   t.scope,
				Key:     key,
				Type:    r.typ,
				Allowed: b.available(now),
				Current: r.limit - int(math.Floor(b.tokens(now))),
				Limit:   r.limit,
			}
			if c.Allowed {
				plan = append(plan, pending{bucket: b})
			} else {
				c.RetryAfter = b.wait(now)
				if c.RetryAfter <= 0 {
					c.RetryAfter = DefaultRetryAfter
				}
			}
			record(c)
		}

		if limit := t.limits.ConcurrentRequests; limit > 0 {
			cur := l.concurrent[t.key]
			c := CheckResult{
				Scope:   t.scope,
				Key:     t.key,
				Type:    ConcurrentRequests,
				Allowed: cur < limit,
				Current: cur,
				Limit:   limit,
			}
			if !c.Allowed {
				c.RetryAfter = DefaultRetryAfter
			}
			record(c)
		}

		if threshold := t.limits.QueryComplexity; threshold > 0 && strings.HasPrefix(t.scope, toolScopePrefix) {
			subject := req.Subject
			if subject == "" {
				subject = "anonymous"
			}
			key := t.key + ":complexity:" + subject
			w := l.windowFor(key, t.limits.ComplexityWindow)
			weight := EstimateComplexity(req.Params)
			used := w.sum(now)
			c := CheckResult{
				Scope:   t.scope,
				Key:     key,
				Type:    QueryComplexity,
				Allowed: used+weight <= threshold,
				Current: used + weight,
				Limit:   threshold,
			}
			if c.Allowed {
				plan = append(plan, pending{window: w, weight: weight})
			} else {
				wait, ok := w.wait(now, weight, threshold)
				if !ok || wait <= 0 {
					wait = DefaultRetryAfter
				}
				c.RetryAfter = wait
			}
			record(c)
		}
	}

	if !res.Allowed {
		res.RetryAfter = retry
	}
	return res, plan
}

func commit(plan []pending, now time.Time) {
	for _, p := range plan {
		if p.bucket != nil {
			p.bucket.take(now)
		}
		if p.window != nil {
			p.window.add(now, p.weight)
		}
	}
}

// Check evaluates every applicable limit. Quota is consumed only when all
// checks pass; a denied request leaves every bucket and window unchanged.
func (l *Limiter) Check(req Request) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	res, plan := l.evaluate(req, now)
	if res.Allowed {
		commit(plan, now)
	} else {
		l.logDenied(req, res)
	}
	return res
}

// Acquire checks limits and, when admitted, occupies the concurrency slots
// in the same critical section. The returned release is idempotent and must
// be deferred by the caller; it is a no-op when the request was denied.
func (l *Limiter) Acquire(req Request) (Result, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	res, plan := l.evaluate(req, now)
	if !res.Allowed {
		l.logDenied(req, res)
		return res, func() {}
	}
	commit(plan, now)

	keys := concurrencyKeys(req)
	for _, k := range keys {
		l.concurrent[k]++
	}
	var once sync.Once
	return res, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for _, k := range keys {
				l.decrementLocked(k)
			}
		})
	}
}

// IncrementConcurrent occupies one slot of the counter for key.
func (l *Limiter) IncrementConcurrent(key string) {
	l.mu.Lock()
	l.concurrent[key]++
	l.mu.Unlock()
}

// DecrementConcurrent releases one slot of the counter for key. Never goes below zero.
func (l *Limiter) DecrementConcurrent(key string) {
	l.mu.Lock()
	l.decrementLocked(key)
	l.mu.Unlock()
}

func (l *Limiter) decrementLocked(key string) {
	if l.concurrent[key] > 1 {
		l.concurrent[key]--
		return
	}
	delete(l.concurrent, key)
}

// Reset refills buckets and clears complexity windows matching subject and
// tool. An empty argument matches everything on that axis; with both empty
// the global buckets are refilled too.
func (l *Limiter) Reset(subject, tool string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if resetMatches(key, subject, tool) {
			b.refillFull()
		}
	}
	for key, w := range l.windows {
		// tool:<name>:complexity:<subject>
		rest := strings.TrimPrefix(key, toolScopePrefix)
		name, who, _ := strings.Cut(rest, ":complexity:")
		if (tool == "" || name == tool) && (subject == "" || who == subject) {
			w.reset()
		}
	}
	l.logger.Info("rate limits reset", zap.String("subject", subject), zap.String("tool", tool))
}

func resetMatches(key, subject, tool string) bool {
	switch {
	case subject == "" && tool == "":
		return true
	case subject != "" && strings.HasPrefix(key, "user:"+subject+":"):
		return true
	case tool != "" && strings.HasPrefix(key, ToolScope(tool)+":"):
		return true
	}
	return false
}

// BucketStatus is a snapshot of one token bucket.
type BucketStatus struct {
	Key      string  `json:"key"`
	Tokens   float64 `json:"tokens"`
	Capacity int     `json:"capacity"`
}

// WindowStatus is a snapshot of one complexity window.
type WindowStatus struct {
	Key   string `json:"key"`
	Used  int    `json:"used"`
	Limit int    `json:"limit"`
}

// Status is a point-in-time view of limiter state relevant to one subject.
type Status struct {
	Subject    string         `json:"subject"`
	Buckets    []BucketStatus `json:"buckets"`
	Windows    []WindowStatus `json:"windows,omitempty"`
	Concurrent map[string]int `json:"concurrent"`
}

// Status returns global, tool and the subject's own buckets plus concurrency
// counters. Buckets that were never touched are not listed.
func (l *Limiter) Status(subject string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := Status{Subject: subject, Concurrent: make(map[string]int)}
	for key, b := range l.buckets {
		if strings.HasPrefix(key, "user:") && !strings.HasPrefix(key, "user:"+subject+":") {
			continue
		}
		st.Buckets = append(st.Buckets, BucketStatus{
			Key:      key,
			Tokens:   math.Round(b.tokens(now)*100) / 100,
			Capacity: b.capacity,
		})
	}
	sort.Slice(st.Buckets, func(i, j int) bool { return st.Buckets[i].Key < st.Buckets[j].Key })

	who := subject
	if who == "" {
		who = "anonymous"
	}
	for key, w := range l.windows {
		if !strings.HasSuffix(key, ":complexity:"+who) {
			continue
		}
		scope := strings.TrimSuffix(key, ":complexity:"+who)
		limit := 0
		if s := l.scopes[scope]; s != nil {
			limit = s.QueryComplexity
		}
		st.Windows = append(st.Windows, WindowStatus{Key: key, Used: w.sum(now), Limit: limit})
	}
	sort.Slice(st.Windows, func(i, j int) bool { return st.Windows[i].Key < st.Windows[j].Key })

	for key, n := range l.concurrent {
		if strings.HasPrefix(key, "user:") && key != "user:"+subject {
			continue
		}
		st.Concurrent[key] = n
	}
	return st
}

func (l *Limiter) logDenied(req Request, res Result) {
	failed := res.Failed()
	keys := make([]string, 0, len(failed))
	for _, c := range failed {
		keys = append(keys, fmt.Sprintf("%s/%s", c.Key, c.Type))
	}
	l.logger.Debug("rate limit exceeded",
		zap.String("subject", req.Subject),
		zap.String("tool", req.Tool),
		zap.Strings("checks", keys),
		zap.Duration("retry_after", res.RetryAfter),
	)
}
