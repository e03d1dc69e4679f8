package alert

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // event types or severities; empty matches all
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp  string   `json:"timestamp"`
	EventID    string   `json:"event_id"`
	Type       string   `json:"event_type"`
	Severity   string   `json:"severity"`
	Subject    string   `json:"subject,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Tool       string   `json:"tool,omitempty"`
	Message    string   `json:"message,omitempty"`
	Violations []string `json:"violations,omitempty"`
}
