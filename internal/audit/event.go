package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/ppiankov/osqgate/internal/model"
)

// EventType classifies an audit event.
type EventType string

const (
	ToolExecution     EventType = "tool_execution"
	SecurityViolation EventType = "security_violation"
	RateLimitExceeded EventType = "rate_limit_exceeded"
	Authentication    EventType = "authentication"
	Authorization     EventType = "authorization"
	SystemEvent       EventType = "system_event"
	ErrorEvent        EventType = "error"
)

// EventTypes lists every event type in report order.
var EventTypes = []EventType{
	ToolExecution, SecurityViolation, RateLimitExceeded,
	Authentication, Authorization, SystemEvent, ErrorEvent,
}

// ParseEventType maps a string to an EventType. Unknown values return false.
func ParseEventType(s string) (EventType, bool) {
	for _, t := range EventTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Event is one immutable audit record. It is written as one JSON line to
// the durable log; PrevHash is assigned by the sink when chained.
type Event struct {
	EventID        string         `json:"event_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Type           EventType      `json:"event_type"`
	Severity       model.Severity `json:"severity"`
	Subject        string         `json:"subject,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Tool           string         `json:"tool,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ResultHash     string         `json:"result_hash,omitempty"`
	ExecutionMS    int64          `json:"execution_time_ms,omitempty"`
	Origin         string         `json:"origin,omitempty"`
	Agent          string         `json:"agent,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
	PrevHash       string         `json:"prev_hash,omitempty"`
}

// IsSecurity reports whether the event is routed to the security sink.
func (e Event) IsSecurity() bool {
	return e.Type == SecurityViolation || e.Severity.AtLeast(model.SevHigh)
}

// Entry is the caller-supplied input to LogEvent.
type Entry struct {
	Type       EventType
	Severity   model.Severity
	Subject    string
	SessionID  string
	Tool       string
	Parameters map[string]any
	// Result is hashed, never stored.
	Result   any
	Duration time.Duration
	Error    string
	Extra    map[string]any
}

// HashResult returns "sha256:<hex>" over the canonical JSON encoding of v.
// Map keys are sorted by encoding/json, so equal values hash equally.
// Nil or unencodable values return "".
func HashResult(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// snapshot copies a parameter map one level deep so later caller mutation
// cannot change a recorded event.
func snapshot(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
