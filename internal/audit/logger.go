package audit

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/osqgate/internal/alert"
	"github.com/ppiankov/osqgate/internal/model"
)

// Durable file names inside the audit directory.
const (
	GeneralFile  = "audit.jsonl"
	SecurityFile = "security.jsonl"
)

// DefaultSlowThreshold marks tool executions slower than this as medium severity.
const DefaultSlowThreshold = 30 * time.Second

// Session is the metadata tracked for one caller session.
type Session struct {
	ID           string         `json:"session_id"`
	Subject      string         `json:"subject"`
	Origin       string         `json:"origin,omitempty"`
	Agent        string         `json:"agent,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	ToolCounts   map[string]int `json:"tool_counts"`
	// DeniedCounts counts violation and rate-limit events per tool.
	DeniedCounts map[string]int `json:"denied_counts"`
	EventCount   int            `json:"event_count"`
}

func (s *Session) clone() Session {
	c := *s
	c.ToolCounts = make(map[string]int, len(s.ToolCounts))
	for k, v := range s.ToolCounts {
		c.ToolCounts[k] = v
	}
	c.DeniedCounts = make(map[string]int, len(s.DeniedCounts))
	for k, v := range s.DeniedCounts {
		c.DeniedCounts[k] = v
	}
	return c
}

// Logger records audit events to an in-memory ring buffer and, when a
// directory is configured, to hash-chained general and security JSONL files.
// Safe for concurrent use: one mutex guards the buffer and sessions, and
// each durable file has its own.
type Logger struct {
	mu        sync.Mutex
	ring      *ring
	evicted   bool
	sessions  map[string]*Session
	startedAt time.Time

	general  *Log
	security *Log
	index    *Index
	alerts   *alert.Dispatcher
	log      *zap.Logger
	now      func() time.Time
	slow     time.Duration
	size     int
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithZap sets the operator logger. Nil is ignored.
func WithZap(z *zap.Logger) Option {
	return func(l *Logger) {
		if z != nil {
			l.log = z
		}
	}
}

// WithBufferSize sets the ring buffer capacity.
func WithBufferSize(n int) Option {
	return func(l *Logger) { l.size = n }
}

// WithSlowThreshold sets the duration above which tool executions are medium severity.
func WithSlowThreshold(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.slow = d
		}
	}
}

// WithAlerts fans security events out to webhooks. Nil disables alerts.
func WithAlerts(d *alert.Dispatcher) Option {
	return func(l *Logger) { l.alerts = d }
}

// WithIndex mirrors every event into a SQLite index for range queries.
func WithIndex(idx *Index) Option {
	return func(l *Logger) { l.index = idx }
}

// NewLogger creates a Logger. An empty dir keeps events in memory only.
func NewLogger(dir string, opts ...Option) (*Logger, error) {
	l := &Logger{
		sessions: make(map[string]*Session),
		log:      zap.NewNop(),
		now:      time.Now,
		slow:     DefaultSlowThreshold,
		size:     DefaultBufferSize,
	}
	for _, o := range opts {
		o(l)
	}
	l.ring = newRing(l.size)
	l.startedAt = l.now().UTC()

	if dir != "" {
		general, err := Open(filepath.Join(dir, GeneralFile))
		if err != nil {
			return nil, err
		}
		security, err := Open(filepath.Join(dir, SecurityFile))
		if err != nil {
			general.Close()
			return nil, err
		}
		l.general, l.security = general, security
	}
	return l, nil
}

// Close closes the durable files and index.
func (l *Logger) Close() error {
	var errs []error
	if l.general != nil {
		errs = append(errs, l.general.Close())
	}
	if l.security != nil {
		errs = append(errs, l.security.Close())
	}
	if l.index != nil {
		errs = append(errs, l.index.Close())
	}
	return errors.Join(errs...)
}

// CreateSession registers a session and returns its id.
func (l *Logger) CreateSession(subject, origin, agent string) string {
	id := uuid.NewString()
	now := l.now().UTC()

	l.mu.Lock()
	l.sessions[id] = &Session{
		ID:           id,
		Subject:      subject,
		Origin:       origin,
		Agent:        agent,
		CreatedAt:    now,
		LastActivity: now,
		ToolCounts:   make(map[string]int),
		DeniedCounts: make(map[string]int),
	}
	l.mu.Unlock()

	l.LogEvent(Entry{
		Type:      SystemEvent,
		Severity:  model.SevLow,
		Subject:   subject,
		SessionID: id,
		Extra:     map[string]any{"action": "session_created"},
	})
	return id
}

// Session returns a copy of the session metadata.
func (l *Logger) Session(id string) (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// LogEvent records an event and returns it. It never fails: durable write
// errors are reported to the operator logger and the event is still buffered.
func (l *Logger) LogEvent(e Entry) Event {
	ev := Event{
		EventID:        uuid.NewString(),
		Timestamp:      l.now().UTC(),
		Type:           e.Type,
		Severity:       e.Severity,
		Subject:        e.Subject,
		SessionID:      e.SessionID,
		Tool:           e.Tool,
		Parameters:     snapshot(e.Parameters),
		ResultHash:     HashResult(e.Result),
		ExecutionMS:    e.Duration.Milliseconds(),
		ErrorMessage:   e.Error,
		AdditionalData: snapshot(e.Extra),
	}
	if ev.Type == "" {
		ev.Type = SystemEvent
	}
	if ev.Severity == "" {
		ev.Severity = model.SevLow
	}

	l.mu.Lock()
	if s, ok := l.sessions[ev.SessionID]; ok && ev.SessionID != "" {
		if ev.Subject == "" {
			ev.Subject = s.Subject
		}
		ev.Origin, ev.Agent = s.Origin, s.Agent
		s.LastActivity = ev.Timestamp
		s.EventCount++
		// executions and denials are counted apart
		if ev.Tool != "" {
			switch ev.Type {
			case ToolExecution, ErrorEvent:
				s.ToolCounts[ev.Tool]++
			case SecurityViolation, RateLimitExceeded:
				s.DeniedCounts[ev.Tool]++
			}
		}
	}
	l.mu.Unlock()

	sink := l.general
	if ev.IsSecurity() {
		sink = l.security
	}
	if sink != nil {
		written, err := sink.Record(ev)
		if err != nil {
			l.log.Error("audit write failed",
				zap.String("path", sink.Path()),
				zap.String("event_id", ev.EventID),
				zap.Error(err))
		} else {
			ev = written
		}
	}
	if l.index != nil {
		if err := l.index.Insert(ev); err != nil {
			l.log.Error("audit index insert failed", zap.String("event_id", ev.EventID), zap.Error(err))
		}
	}

	l.mu.Lock()
	if l.ring.size() == l.ring.capacity() {
		l.evicted = true
	}
	l.ring.push(ev)
	l.mu.Unlock()

	if ev.IsSecurity() {
		l.log.Warn("security event",
			zap.String("event_id", ev.EventID),
			zap.String("type", string(ev.Type)),
			zap.String("severity", string(ev.Severity)),
			zap.String("subject", ev.Subject),
			zap.String("tool", ev.Tool),
			zap.String("message", ev.ErrorMessage),
		)
		if l.alerts != nil {
			l.alerts.Dispatch(toAlert(ev))
		}
	}
	return ev
}

func toAlert(ev Event) alert.AlertEvent {
	a := alert.AlertEvent{
		Timestamp:  ev.Timestamp.Format(time.RFC3339Nano),
		EventID:    ev.EventID,
		Type:       string(ev.Type),
		Severity:   string(ev.Severity),
		Subject:    ev.Subject,
		SessionID:  ev.SessionID,
		Tool:       ev.Tool,
		Message:    ev.ErrorMessage,
		Violations: ViolationKinds(ev),
	}
	if a.Message == "" {
		if msg, ok := ev.AdditionalData["message"].(string); ok {
			a.Message = msg
		}
	}
	return a
}

// ViolationKinds extracts the "violation_kinds" list from an event's
// additional data, whether it was built in-process or decoded from JSON.
func ViolationKinds(ev Event) []string {
	switch v := ev.AdditionalData["violation_kinds"].(type) {
	case []string:
		return v
	case []model.ViolationKind:
		out := make([]string, len(v))
		for i, k := range v {
			out[i] = string(k)
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, k := range v {
			out = append(out, fmt.Sprint(k))
		}
		return out
	}
	return nil
}

// Stats describes buffer and session state.
type Stats struct {
	Buffered  int       `json:"buffered"`
	Capacity  int       `json:"capacity"`
	Evicted   bool      `json:"evicted"`
	Sessions  int       `json:"sessions"`
	StartedAt time.Time `json:"started_at"`
	Durable   bool      `json:"durable"`
}

// Stats returns a snapshot of buffer and session counters.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Buffered:  l.ring.size(),
		Capacity:  l.ring.capacity(),
		Evicted:   l.evicted,
		Sessions:  len(l.sessions),
		StartedAt: l.startedAt,
		Durable:   l.general != nil,
	}
}
