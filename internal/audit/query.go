package audit

import (
	"sort"
	"time"

	"github.com/ppiankov/osqgate/internal/model"
)

// RecentEvents returns up to count buffered events, newest first. A non-empty
// typ filters before counting. count <= 0 returns every matching event.
func (l *Logger) RecentEvents(count int, typ EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for i := l.ring.size() - 1; i >= 0; i-- {
		ev := l.ring.at(i)
		if typ != "" && ev.Type != typ {
			continue
		}
		out = append(out, ev)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out
}

// Summary aggregates a session's metadata with its buffered events.
type Summary struct {
	Session
	Duration       time.Duration          `json:"duration"`
	EventsByType   map[EventType]int      `json:"events_by_type"`
	BySeverity     map[model.Severity]int `json:"events_by_severity"`
	Violations     int                    `json:"violations"`
	Errors         int                    `json:"errors"`
	RateLimited    int                    `json:"rate_limited"`
	TotalExecMS    int64                  `json:"total_execution_time_ms"`
	BufferedEvents int                    `json:"buffered_events"`
	// ToolsUsed lists every tool the session touched, executed or denied.
	ToolsUsed []string `json:"tools_used"`
}

// SessionSummary returns the summary for a session. False when unknown.
func (l *Logger) SessionSummary(id string) (Summary, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[id]
	if !ok {
		return Summary{}, false
	}
	sum := Summary{
		Session:      s.clone(),
		Duration:     s.LastActivity.Sub(s.CreatedAt),
		EventsByType: make(map[EventType]int),
		BySeverity:   make(map[model.Severity]int),
	}
	tools := make(map[string]bool, len(s.ToolCounts)+len(s.DeniedCounts))
	for t := range s.ToolCounts {
		tools[t] = true
	}
	for t := range s.DeniedCounts {
		tools[t] = true
	}
	for t := range tools {
		sum.ToolsUsed = append(sum.ToolsUsed, t)
	}
	sort.Strings(sum.ToolsUsed)

	for i := 0; i < l.ring.size(); i++ {
		ev := l.ring.at(i)
		if ev.SessionID != id {
			continue
		}
		sum.BufferedEvents++
		sum.EventsByType[ev.Type]++
		sum.BySeverity[ev.Severity]++
		sum.TotalExecMS += ev.ExecutionMS
		switch ev.Type {
		case SecurityViolation:
			sum.Violations++
		case ErrorEvent:
			sum.Errors++
		case RateLimitExceeded:
			sum.RateLimited++
		}
	}
	return sum, true
}
