package audit

import (
	"sort"
	"time"

	"github.com/ppiankov/osqgate/internal/model"
)

// Coverage states how much of the requested range a report's source holds.
type Coverage struct {
	Source          string    `json:"source"` // "memory", "files" or "index"
	OldestAvailable time.Time `json:"oldest_available,omitempty"`
	Complete        bool      `json:"complete"`
	Note            string    `json:"note,omitempty"`
}

// ViolationRecord is one security violation listed in a report.
type ViolationRecord struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Subject   string         `json:"subject,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Severity  model.Severity `json:"severity"`
	Kinds     []string       `json:"kinds,omitempty"`
}

// ErrorCount is an error message with its occurrence count.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// Report is a compliance summary over a time range.
type Report struct {
	Start              time.Time              `json:"start"`
	End                time.Time              `json:"end"`
	GeneratedAt        time.Time              `json:"generated_at"`
	Coverage           Coverage               `json:"coverage"`
	TotalEvents        int                    `json:"total_events"`
	EventsByType       map[EventType]int      `json:"events_by_type"`
	EventsBySeverity   map[model.Severity]int `json:"events_by_severity"`
	ToolUsage          map[string]int         `json:"tool_usage"`
	Subjects           []string               `json:"subjects"`
	UniqueSubjects     int                    `json:"unique_subjects"`
	SecurityViolations []ViolationRecord      `json:"security_violations"`
	RateLimitDenials   int                    `json:"rate_limit_denials"`
	TopErrors          []ErrorCount           `json:"top_errors"`
	AvgExecutionMS     float64                `json:"avg_execution_time_ms"`
}

// maxTopErrors bounds the TopErrors list.
const maxTopErrors = 10

// BuildReport aggregates events whose timestamp falls in [start, end].
// A zero start or end leaves that side unbounded.
func BuildReport(events []Event, start, end time.Time, cov Coverage, now time.Time) Report {
	r := Report{
		Start:            start,
		End:              end,
		GeneratedAt:      now.UTC(),
		Coverage:         cov,
		EventsByType:     make(map[EventType]int),
		EventsBySeverity: make(map[model.Severity]int),
		ToolUsage:        make(map[string]int),
	}

	subjects := make(map[string]bool)
	errs := make(map[string]int)
	var execTotal int64
	var execCount int

	for _, ev := range events {
		if !inRange(ev.Timestamp, start, end) {
			continue
		}
		r.TotalEvents++
		r.EventsByType[ev.Type]++
		r.EventsBySeverity[ev.Severity]++
		if ev.Subject != "" {
			subjects[ev.Subject] = true
		}
		switch ev.Type {
		case ToolExecution, ErrorEvent:
			if ev.Tool != "" {
				r.ToolUsage[ev.Tool]++
			}
			execTotal += ev.ExecutionMS
			execCount++
		case SecurityViolation:
			r.SecurityViolations = append(r.SecurityViolations, ViolationRecord{
				EventID:   ev.EventID,
				Timestamp: ev.Timestamp,
				Subject:   ev.Subject,
				Tool:      ev.Tool,
				Severity:  ev.Severity,
				Kinds:     ViolationKinds(ev),
			})
		case RateLimitExceeded:
			r.RateLimitDenials++
		}
		if ev.ErrorMessage != "" {
			errs[ev.ErrorMessage]++
		}
	}

	for s := range subjects {
		r.Subjects = append(r.Subjects, s)
	}
	sort.Strings(r.Subjects)
	r.UniqueSubjects = len(r.Subjects)

	for msg, n := range errs {
		r.TopErrors = append(r.TopErrors, ErrorCount{Message: msg, Count: n})
	}
	sort.Slice(r.TopErrors, func(i, j int) bool {
		if r.TopErrors[i].Count != r.TopErrors[j].Count {
			return r.TopErrors[i].Count > r.TopErrors[j].Count
		}
		return r.TopErrors[i].Message < r.TopErrors[j].Message
	})
	if len(r.TopErrors) > maxTopErrors {
		r.TopErrors = r.TopErrors[:maxTopErrors]
	}

	if execCount > 0 {
		r.AvgExecutionMS = float64(execTotal) / float64(execCount)
	}
	return r
}

func inRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}

// ComplianceReport builds a report from the in-memory buffer. Coverage is
// marked incomplete when the range reaches back before the oldest buffered
// event after evictions, or before the logger started.
func (l *Logger) ComplianceReport(start, end time.Time) Report {
	l.mu.Lock()
	events := l.ring.snapshot()
	evicted := l.evicted
	startedAt := l.startedAt
	l.mu.Unlock()

	cov := Coverage{Source: "memory", Complete: true}
	oldest := startedAt
	if evicted && len(events) > 0 {
		oldest = events[0].Timestamp
	}
	cov.OldestAvailable = oldest
	if start.IsZero() || start.Before(oldest) {
		cov.Complete = false
		cov.Note = "events before " + oldest.Format(time.RFC3339) +
			" are not in the in-memory buffer; use the durable log or index for full-range reports"
	}
	return BuildReport(events, start, end, cov, l.now())
}
