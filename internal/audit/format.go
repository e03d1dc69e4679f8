package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/osqgate/internal/model"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders events as a human-readable text timeline, one per line.
func FormatTimeline(events []Event) string {
	if len(events) == 0 {
		return "No events.\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-19s %-20s %-8s %-16s %-18s %s\n",
		"TIME", "TYPE", "SEVERITY", "SUBJECT", "TOOL", "DETAIL"))
	b.WriteString(separator + "\n")

	for _, e := range events {
		b.WriteString(fmt.Sprintf("%-19s %-20s %-8s %-16s %-18s %s\n",
			e.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			string(e.Type),
			strings.ToUpper(string(e.Severity)),
			truncate(e.Subject, 16),
			truncate(e.Tool, 18),
			truncate(detail(e), 60)))
	}
	return b.String()
}

func detail(e Event) string {
	if e.ErrorMessage != "" {
		return e.ErrorMessage
	}
	if kinds := ViolationKinds(e); len(kinds) > 0 {
		return strings.Join(kinds, ",")
	}
	if msg, ok := e.AdditionalData["message"].(string); ok {
		return msg
	}
	if action, ok := e.AdditionalData["action"].(string); ok {
		return action
	}
	if e.ExecutionMS > 0 {
		return fmt.Sprintf("%dms", e.ExecutionMS)
	}
	return ""
}

// FormatReport renders a compliance report as text.
func FormatReport(r Report) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Compliance report | %s – %s\n", formatBound(r.Start), formatBound(r.End)))
	b.WriteString(separator + "\n")

	b.WriteString(fmt.Sprintf("Source:        %s", r.Coverage.Source))
	if r.Coverage.Complete {
		b.WriteString(" (complete)\n")
	} else {
		b.WriteString(" (INCOMPLETE)\n")
	}
	if r.Coverage.Note != "" {
		b.WriteString(fmt.Sprintf("               %s\n", r.Coverage.Note))
	}
	b.WriteString(fmt.Sprintf("Total events:  %d\n", r.TotalEvents))
	b.WriteString(fmt.Sprintf("Subjects:      %d %s\n", r.UniqueSubjects, strings.Join(r.Subjects, ", ")))
	b.WriteString(fmt.Sprintf("Rate limited:  %d\n", r.RateLimitDenials))
	b.WriteString(fmt.Sprintf("Avg exec:      %.1fms\n", r.AvgExecutionMS))

	b.WriteString("\nBy type:\n")
	for _, t := range EventTypes {
		if n := r.EventsByType[t]; n > 0 {
			b.WriteString(fmt.Sprintf("  %-20s %d\n", t, n))
		}
	}

	b.WriteString("\nBy severity:\n")
	for _, s := range []model.Severity{model.SevCritical, model.SevHigh, model.SevMedium, model.SevLow} {
		if n := r.EventsBySeverity[s]; n > 0 {
			b.WriteString(fmt.Sprintf("  %-20s %d\n", s, n))
		}
	}

	if len(r.ToolUsage) > 0 {
		b.WriteString("\nTool usage:\n")
		tools := make([]string, 0, len(r.ToolUsage))
		for t := range r.ToolUsage {
			tools = append(tools, t)
		}
		sort.Strings(tools)
		for _, t := range tools {
			b.WriteString(fmt.Sprintf("  %-20s %d\n", t, r.ToolUsage[t]))
		}
	}

	if len(r.SecurityViolations) > 0 {
		b.WriteString(fmt.Sprintf("\nSecurity violations (%d):\n", len(r.SecurityViolations)))
		for _, v := range r.SecurityViolations {
			b.WriteString(fmt.Sprintf("  %s %-8s %-16s %-18s %s\n",
				formatTimeOnly(v.Timestamp),
				strings.ToUpper(string(v.Severity)),
				truncate(v.Subject, 16),
				truncate(v.Tool, 18),
				strings.Join(v.Kinds, ",")))
		}
	}

	if len(r.TopErrors) > 0 {
		b.WriteString("\nTop errors:\n")
		for _, e := range r.TopErrors {
			b.WriteString(fmt.Sprintf("  %4d  %s\n", e.Count, truncate(e.Message, 60)))
		}
	}

	b.WriteString(separator + "\n")
	return b.String()
}

// FormatJSON renders any report value as indented JSON.
func FormatJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	return string(data), nil
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return "∞"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func formatTimeOnly(t time.Time) string {
	return t.UTC().Format("15:04:05")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
